package models

// Usage is the per-call token report extracted from an upstream
// response or stream trailer.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64

	// Unavailable marks a stream that ended without a usage trailer.
	// Settlement treats it like a missing pricing row: no debit, audit
	// row with a marker.
	Unavailable bool
}

// TotalTokens is the sum billed as total in the usage log.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Principal is the authenticated (APIKey, Account) pair resolved for a
// single request. Both values are cache snapshots and must be treated
// as read-only.
type Principal struct {
	APIKey  *APIKey
	Account *Account
}
