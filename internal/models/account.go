package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the billable identity behind one or more API keys. Spend
// accumulates in SpentUSD; the only writers are the ledger's atomic
// increment and the admin reset.
type Account struct {
	ID             uint            `gorm:"primarykey" json:"-"`
	UserID         string          `gorm:"uniqueIndex;size:128;not null" json:"user_id"`
	AccountName    string          `gorm:"size:255" json:"account_name"`
	BudgetUSD      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"budget_usd"`
	SpentUSD       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"spent_usd"`
	BudgetDuration string          `gorm:"size:32;default:total" json:"budget_duration"`
	IsActive       bool            `gorm:"default:true" json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// RemainingBudgetUSD is the headroom left before the budget gate closes.
func (a *Account) RemainingBudgetUSD() decimal.Decimal {
	return a.BudgetUSD.Sub(a.SpentUSD)
}

// OverBudget reports whether the account may not spend further. A
// non-positive budget denies by default; an unfunded account never
// proxies a call.
func (a *Account) OverBudget() bool {
	if !a.BudgetUSD.IsPositive() {
		return true
	}
	return a.SpentUSD.GreaterThanOrEqual(a.BudgetUSD)
}
