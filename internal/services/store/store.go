package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for reads that match no row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateLog is returned when a usage log already exists for the
// request id. Settlement treats it as already-settled.
var ErrDuplicateLog = errors.New("usage log already recorded for request")

// Store is the typed system-of-record: accounts, API keys, model costs
// and usage logs. It exclusively owns persisted state; nothing else
// writes to these tables.
type Store struct {
	db *gorm.DB
}

// New opens the configured database and runs migrations.
func New(cfg *config.Config) (*Store, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Account{},
		&models.APIKey{},
		&models.ModelCost{},
		&models.UsageLog{},
	)
}

// Ping verifies store connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) GetAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("api key: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", userID, err)
	}
	return &account, nil
}

func (s *Store) GetModelCost(ctx context.Context, modelName string) (*models.ModelCost, error) {
	var cost models.ModelCost
	if err := s.db.WithContext(ctx).Where("model_name = ?", modelName).First(&cost).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("model cost %s: %w", modelName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get model cost %s: %w", modelName, err)
	}
	return &cost, nil
}

// IncrementSpent atomically adds delta to the account's spent_usd via a
// single-statement increment and returns the account after the update.
// Read-then-write is deliberately not used here; this is the only code
// path that mutates spent_usd outside an admin reset.
func (s *Store) IncrementSpent(ctx context.Context, userID string, delta decimal.Decimal) (*models.Account, error) {
	if delta.IsNegative() {
		return nil, fmt.Errorf("spend delta must not be negative, got %s", delta)
	}

	result := s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ?", userID).
		Update("spent_usd", gorm.Expr("spent_usd + ?", delta))
	if result.Error != nil {
		return nil, fmt.Errorf("failed to increment spend for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	return s.GetAccount(ctx, userID)
}

// ResetSpent zeroes an account's spend. Admin-only.
func (s *Store) ResetSpent(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ?", userID).
		Update("spent_usd", decimal.Zero)
	if result.Error != nil {
		return fmt.Errorf("failed to reset spend for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return nil
}

// AppendUsageLog durably appends one audit row. A duplicate request id
// maps to ErrDuplicateLog so retries stay idempotent.
func (s *Store) AppendUsageLog(ctx context.Context, entry *models.UsageLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("request %s: %w", entry.RequestID, ErrDuplicateLog)
		}
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

// HasUsageLog reports whether a usage log exists for the request id.
func (s *Store) HasUsageLog(ctx context.Context, requestID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.UsageLog{}).
		Where("request_id = ?", requestID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check usage log for %s: %w", requestID, err)
	}
	return count > 0, nil
}

// UpsertAccount creates or updates an account keyed by user_id. The
// spent_usd column is never overwritten here; it moves only through
// IncrementSpent and ResetSpent.
func (s *Store) UpsertAccount(ctx context.Context, account *models.Account) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_name", "budget_usd", "budget_duration", "is_active", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.UserID, err)
	}
	return nil
}

// UpsertAPIKey creates or updates a key keyed by api_key.
func (s *Store) UpsertAPIKey(ctx context.Context, key *models.APIKey) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "key_name", "is_active", "allowed_models", "updated_at"}),
	}).Create(key).Error
	if err != nil {
		return fmt.Errorf("failed to upsert api key: %w", err)
	}
	return nil
}

// UpsertModelCost creates or updates a pricing row keyed by model_name.
func (s *Store) UpsertModelCost(ctx context.Context, cost *models.ModelCost) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "model_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"input_cost_per_million_tokens_usd",
			"output_cost_per_million_tokens_usd",
			"cache_read_cost_per_million_tokens_usd",
			"cache_write_cost_per_million_tokens_usd",
			"updated_at",
		}),
	}).Create(cost).Error
	if err != nil {
		return fmt.Errorf("failed to upsert model cost %s: %w", cost.ModelName, err)
	}
	return nil
}

// SeedModelCosts inserts the given pricing rows when the table is empty,
// so a fresh install can price calls immediately.
func (s *Store) SeedModelCosts(ctx context.Context, rows []models.ModelCost) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ModelCost{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count model costs: %w", err)
	}
	if count > 0 {
		return nil
	}
	for i := range rows {
		if err := s.UpsertModelCost(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// UsageSummary aggregates the audit trail for one user.
type UsageSummary struct {
	TotalRequests int64           `json:"total_requests"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCostUSD  decimal.Decimal `json:"total_cost_usd"`
}

// GetUsageSummary sums usage logs for a user over an optional window.
func (s *Store) GetUsageSummary(ctx context.Context, userID string, start, end time.Time) (*UsageSummary, error) {
	query := s.db.WithContext(ctx).
		Model(&models.UsageLog{}).
		Where("user_id = ?", userID)

	if !start.IsZero() {
		query = query.Where("timestamp >= ?", start)
	}
	if !end.IsZero() {
		query = query.Where("timestamp <= ?", end)
	}

	var summary UsageSummary
	err := query.
		Select(
			"COUNT(*) as total_requests",
			"COALESCE(SUM(total_tokens), 0) as total_tokens",
			"COALESCE(SUM(cost_usd), 0) as total_cost_usd",
		).
		Scan(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary for %s: %w", userID, err)
	}
	return &summary, nil
}

// GetRecentUsage returns the newest usage logs for a user.
func (s *Store) GetRecentUsage(ctx context.Context, userID string, limit int) ([]models.UsageLog, error) {
	var logs []models.UsageLog
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent usage for %s: %w", userID, err)
	}
	return logs, nil
}
