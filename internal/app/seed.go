package app

import (
	"github.com/spendgate/spendgate/internal/models"

	"github.com/shopspring/decimal"
)

// defaultModelCosts seeds pricing for the common models on a fresh
// install. Rates are USD per million tokens; admins overwrite them via
// the model-costs endpoint.
func defaultModelCosts() []models.ModelCost {
	return []models.ModelCost{
		pricingRow("gpt-4o", "openai", "2.50", "10.00", "1.25", "0"),
		pricingRow("gpt-4o-mini", "openai", "0.15", "0.60", "0.075", "0"),
		pricingRow("gpt-4.1", "openai", "2.00", "8.00", "0.50", "0"),
		pricingRow("gpt-4.1-mini", "openai", "0.40", "1.60", "0.10", "0"),
		pricingRow("o3", "openai", "2.00", "8.00", "0.50", "0"),
		pricingRow("claude-sonnet-4-20250514", "anthropic", "3.00", "15.00", "0.30", "3.75"),
		pricingRow("claude-opus-4-20250514", "anthropic", "15.00", "75.00", "1.50", "18.75"),
		pricingRow("claude-3-5-haiku-20241022", "anthropic", "0.80", "4.00", "0.08", "1.00"),
	}
}

func pricingRow(model, provider, input, output, cacheRead, cacheWrite string) models.ModelCost {
	return models.ModelCost{
		ModelName:                         model,
		Provider:                          provider,
		InputCostPerMillionTokensUSD:      decimal.RequireFromString(input),
		OutputCostPerMillionTokensUSD:     decimal.RequireFromString(output),
		CacheReadCostPerMillionTokensUSD:  decimal.RequireFromString(cacheRead),
		CacheWriteCostPerMillionTokensUSD: decimal.RequireFromString(cacheWrite),
	}
}
