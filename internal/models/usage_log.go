package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageLog is the append-only audit row for one completed upstream call.
// RequestID carries a unique index so a retried settlement can never
// produce a second row for the same call.
type UsageLog struct {
	ID               uint            `gorm:"primarykey" json:"-"`
	RequestID        string          `gorm:"uniqueIndex;size:64;not null" json:"request_id"`
	UserID           string          `gorm:"index:idx_usagelogs_user_time,priority:1;size:128;not null" json:"user_id"`
	APIKey           string          `gorm:"column:api_key;index;size:255;not null" json:"api_key"`
	ModelName        string          `gorm:"size:255" json:"model_name"`
	RequestEndpoint  string          `gorm:"size:128" json:"request_endpoint"`
	IPAddress        string          `gorm:"size:64" json:"ip_address,omitempty"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CacheReadTokens  int64           `json:"cache_read_tokens"`
	CacheWriteTokens int64           `json:"cache_write_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	IsCacheHit       bool            `json:"is_cache_hit"`
	CostUSD          decimal.Decimal `gorm:"type:decimal(20,8)" json:"cost_usd"`
	PricingMissing   bool            `json:"pricing_missing,omitempty"`
	RequestPayload   []byte          `gorm:"type:blob" json:"request_payload,omitempty"`
	ResponsePayload  []byte          `gorm:"type:blob" json:"response_payload,omitempty"`
	ErrorMessage     string          `gorm:"size:1024" json:"error_message,omitempty"`
	ProcessingTimeMs float64         `json:"processing_time_ms,omitempty"`
	Timestamp        time.Time       `gorm:"index:idx_usagelogs_user_time,priority:2" json:"timestamp"`
}

func (UsageLog) TableName() string { return "usagelogs" }
