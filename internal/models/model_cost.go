package models

import (
	"time"

	"github.com/shopspring/decimal"
)

var tokensPerMillion = decimal.NewFromInt(1_000_000)

// ModelCost is the pricing row for one model. Provider is informational;
// routing is decided by endpoint, never by this field.
type ModelCost struct {
	ID                                uint            `gorm:"primarykey" json:"-"`
	ModelName                         string          `gorm:"uniqueIndex;size:255;not null" json:"model_name"`
	Provider                          string          `gorm:"size:64" json:"provider"`
	InputCostPerMillionTokensUSD      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"input_cost_per_million_tokens_usd"`
	OutputCostPerMillionTokensUSD     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"output_cost_per_million_tokens_usd"`
	CacheReadCostPerMillionTokensUSD  decimal.Decimal `gorm:"type:decimal(20,8)" json:"cache_read_cost_per_million_tokens_usd"`
	CacheWriteCostPerMillionTokensUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"cache_write_cost_per_million_tokens_usd"`
	CreatedAt                         time.Time       `json:"created_at"`
	UpdatedAt                         time.Time       `json:"updated_at"`
}

func (ModelCost) TableName() string { return "modelcosts" }

// CostFor prices a usage report against this row. Decimal arithmetic
// throughout; the result keeps microdollar precision.
func (m *ModelCost) CostFor(u Usage) decimal.Decimal {
	cost := tokenCost(u.InputTokens, m.InputCostPerMillionTokensUSD)
	cost = cost.Add(tokenCost(u.OutputTokens, m.OutputCostPerMillionTokensUSD))
	cost = cost.Add(tokenCost(u.CacheReadTokens, m.CacheReadCostPerMillionTokensUSD))
	cost = cost.Add(tokenCost(u.CacheWriteTokens, m.CacheWriteCostPerMillionTokensUSD))
	return cost
}

func tokenCost(tokens int64, ratePerMillion decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(ratePerMillion).Div(tokensPerMillion)
}
