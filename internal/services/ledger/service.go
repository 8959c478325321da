// Package ledger is the budget/accounting core: the pre-flight budget
// predicate and the post-flight settlement that debits the account and
// writes the audit row.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/store"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Precheck is the pure budget gate evaluated on the resolver's account
// snapshot. It reads no state; two concurrent requests may both pass and
// overshoot the budget by at most concurrency x largest call cost.
func Precheck(account *models.Account) error {
	if account.OverBudget() {
		return models.NewBudgetExceededError(
			account.SpentUSD.StringFixed(6),
			account.BudgetUSD.StringFixed(6),
		)
	}
	return nil
}

// Settlement carries everything needed to bill one completed call.
type Settlement struct {
	RequestID        string
	Principal        *models.Principal
	ModelName        string
	Endpoint         string
	IPAddress        string
	Usage            models.Usage
	RequestPayload   []byte
	ResponsePayload  []byte
	ProcessingTimeMs float64
}

type Service struct {
	store   *store.Store
	pricing *pricing.Service
}

func NewService(st *store.Store, pr *pricing.Service) *Service {
	return &Service{store: st, pricing: pr}
}

// Settle computes the cost, atomically debits the account, then appends
// the usage log. The increment runs first so a failure between the two
// steps can only lose an audit row, never bill less than was spent; a
// lost row is surfaced on the dead-letter log. A request id that is
// already logged settles as a no-op, so internal retries cannot debit
// twice or write a second row.
func (s *Service) Settle(ctx context.Context, settlement Settlement) error {
	logged, err := s.store.HasUsageLog(ctx, settlement.RequestID)
	if err != nil {
		return fmt.Errorf("failed settlement dedupe check: %w", err)
	}
	if logged {
		fiberlog.Debugf("[%s] ledger: already settled, skipping", settlement.RequestID)
		return nil
	}

	entry := s.buildEntry(settlement)

	switch {
	case settlement.Usage.Unavailable:
		// Stream ended without a usage trailer: audit with a marker, no debit.
		entry.PricingMissing = true
		entry.ErrorMessage = "usage unavailable: stream ended without usage trailer"
		fiberlog.Warnf("[%s] ledger: no usage reported for model %s, settling without debit",
			settlement.RequestID, settlement.ModelName)

	default:
		cost, err := s.pricing.Cost(ctx, settlement.ModelName, settlement.Usage)
		if err != nil {
			if !models.IsPricingMissing(err) {
				return fmt.Errorf("failed to price request: %w", err)
			}
			// The call already happened; skip the debit, keep the audit row.
			entry.PricingMissing = true
			fiberlog.Errorf("[%s] ledger: %v, settling with zero cost", settlement.RequestID, err)
			break
		}
		entry.CostUSD = cost

		if cost.IsPositive() {
			account, err := s.store.IncrementSpent(ctx, settlement.Principal.Account.UserID, cost)
			if err != nil {
				return fmt.Errorf("failed to debit account: %w", err)
			}
			fiberlog.Infof("[%s] ledger: debited $%s from %s (spent $%s of $%s)",
				settlement.RequestID, cost.StringFixed(6), account.UserID,
				account.SpentUSD.StringFixed(6), account.BudgetUSD.StringFixed(6))
		}
	}

	if err := s.store.AppendUsageLog(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateLog) {
			fiberlog.Debugf("[%s] ledger: usage log already present", settlement.RequestID)
			return nil
		}
		s.deadLetter(entry, err)
	}
	return nil
}

func (s *Service) buildEntry(settlement Settlement) *models.UsageLog {
	usage := settlement.Usage
	return &models.UsageLog{
		RequestID:        settlement.RequestID,
		UserID:           settlement.Principal.Account.UserID,
		APIKey:           settlement.Principal.APIKey.Key,
		ModelName:        settlement.ModelName,
		RequestEndpoint:  settlement.Endpoint,
		IPAddress:        settlement.IPAddress,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		TotalTokens:      usage.TotalTokens(),
		IsCacheHit:       usage.CacheReadTokens > 0,
		RequestPayload:   settlement.RequestPayload,
		ResponsePayload:  settlement.ResponsePayload,
		ProcessingTimeMs: settlement.ProcessingTimeMs,
		Timestamp:        time.Now().UTC(),
	}
}

// LogFailedRequest records an audit row for a dispatched call that
// failed upstream, with zero tokens and cost. Calls that never reached
// the upstream are not logged at all.
func (s *Service) LogFailedRequest(ctx context.Context, settlement Settlement, errorMessage string) {
	entry := s.buildEntry(settlement)
	entry.ErrorMessage = errorMessage
	if err := s.store.AppendUsageLog(ctx, entry); err != nil && !errors.Is(err, store.ErrDuplicateLog) {
		s.deadLetter(entry, err)
	}
}

// deadLetter dumps a usage row that could not be persisted. The account
// was already debited at this point; the row must not be lost silently.
func (s *Service) deadLetter(entry *models.UsageLog, cause error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		payload = []byte(fmt.Sprintf("request_id=%s user_id=%s cost_usd=%s",
			entry.RequestID, entry.UserID, entry.CostUSD))
	}
	fiberlog.Errorf("ledger: DEAD-LETTER usage log (cause: %v): %s", cause, payload)
}
