/**
 * @description
 * Settlement orchestration: validates a transaction event, computes its
 * allocation and persists the event, ledger lines, risk pool movement and any
 * recovery deductions in one transaction.
 *
 * Key features:
 * - Idempotent on event_id: a repeat returns the stored event untouched.
 * - Reversals replay the original event and route each negative line to
 *   netting or to a capped deduction depending on the original line's state.
 * - Unbalanced allocations are stored and published as anomalies.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/allocation"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/observability"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
)

var (
	ErrInvalidEvent          = errors.New("invalid settlement event")
	ErrOriginalEventNotFound = errors.New("original event not found")
)

// SettleResult is the outcome of settling one event.
type SettleResult struct {
	Event         *domain.SettlementEvent  `json:"event"`
	Allocation    *domain.AllocationResult `json:"allocation,omitempty"`
	Duplicate     bool                     `json:"duplicate"`
	Deductions    []domain.DeductionResult `json:"deductions,omitempty"`
	RiskPoolEntry *domain.RiskPoolEntry    `json:"risk_pool_entry,omitempty"`
}

// SettlementService ties the engine, ledger and payout processor together.
type SettlementService struct {
	repo     store.Repository
	rates    allocation.RateSource
	ledger   *Ledger
	payouts  *PayoutProcessor
	events   emitter
	logger   *slog.Logger
	metrics  *observability.SettlementMetrics
	idPrefix string
	now      func() time.Time
}

// NewSettlementService creates a settlement service. Event ids generated for
// events without one start with idPrefix.
func NewSettlementService(repo store.Repository, rates allocation.RateSource, ledger *Ledger, payouts *PayoutProcessor, publisher EventPublisher, exchange, idPrefix string, logger *slog.Logger, metrics *observability.SettlementMetrics) *SettlementService {
	return &SettlementService{
		repo:     repo,
		rates:    rates,
		ledger:   ledger,
		payouts:  payouts,
		events:   emitter{publisher: publisher, exchange: exchange, logger: logger},
		logger:   logger,
		metrics:  metrics,
		idPrefix: idPrefix,
		now:      time.Now,
	}
}

// Calculate computes the allocation of event without persisting anything.
func (s *SettlementService) Calculate(ctx context.Context, event domain.TransactionEvent) (*domain.AllocationResult, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	snap := s.rates.Snapshot()
	if !event.Kind.IsReversal() {
		alloc := allocation.CalculateWith(snap, event.Input())
		return &alloc, nil
	}

	original, err := s.loadOriginal(ctx, s.repo, event)
	if err != nil {
		return nil, err
	}
	alloc := allocation.CalculateReversalWith(snap, original.Input(), partialAmount(event, original))
	return &alloc, nil
}

// Settle persists event and everything derived from it.
func (s *SettlementService) Settle(ctx context.Context, event domain.TransactionEvent) (*SettleResult, error) {
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		event.EventID = domain.GenerateEventID(s.idPrefix, s.now())
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := validateEvent(event); err != nil {
		s.metrics.ObserveEvent(string(event.Kind), observability.OutcomeRejected)
		return nil, err
	}

	snap := s.rates.Snapshot()
	result := &SettleResult{}

	err := s.repo.WithinTx(ctx, func(repo store.Repository) error {
		ledger := s.ledger.withRepo(repo)
		payouts := s.payouts.withRepo(repo)

		var (
			alloc    domain.AllocationResult
			original *domain.SettlementEvent
		)
		if event.Kind.IsReversal() {
			var err error
			original, err = s.loadOriginal(ctx, repo, event)
			if err != nil {
				return err
			}
			inheritRecipients(&event, original)
			alloc = allocation.CalculateReversalWith(snap, original.Input(), partialAmount(event, original))
		} else {
			alloc = allocation.CalculateWith(snap, event.Input())
		}
		result.Allocation = &alloc

		record := domain.SettlementEvent{
			TransactionEvent: event,
			PaidAmount:       alloc.PaidAmount,
			PGFee:            alloc.PGFee,
			NetCash:          alloc.NetCash,
			AnchorAmount:     alloc.AnchorAmount,
			Pools:            alloc.Pools,
			Status:           domain.EventStatusProcessed,
			CreatedAt:        s.now(),
		}
		record.GrossAmount = alloc.Input.GrossAmount
		record.CouponAmount = alloc.Input.CouponAmount
		record.RemixChain = alloc.Input.RemixChain
		if !alloc.Validation.BalanceCheck {
			record.Status = domain.EventStatusUnbalanced
		}

		shares, unallocated := ledger.PlanCreatorShares(event.EventID, alloc, ShareOwners{
			RootCreatorID: event.CreatorRootID,
			CuratorID:     event.CuratorID,
		}, snap.HoldDays)
		record.CreatorUnallocated = unallocated
		growth := ledger.PlanGrowthShare(event.EventID, alloc, snap.HoldDays)

		inserted, err := ledger.SaveEvent(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := repo.GetEvent(ctx, event.EventID)
			if err != nil {
				return err
			}
			result.Event = stored
			result.Allocation = nil
			result.Duplicate = true
			return nil
		}
		result.Event = &record

		var deductions []domain.DeductionRequest
		if original != nil {
			deductions, err = s.routeRecovery(ctx, repo, event, original.EventID, shares, growth)
			if err != nil {
				return err
			}
		}

		if err := ledger.SaveCreatorShares(ctx, shares); err != nil {
			return fmt.Errorf("save creator shares: %w", err)
		}
		if err := ledger.SaveGrowthShare(ctx, growth); err != nil {
			return fmt.Errorf("save growth share: %w", err)
		}

		entry, err := ledger.DepositToRiskPool(ctx, event.EventID, alloc.Pools.Risk, "settlement:"+string(event.Kind))
		if err != nil {
			return fmt.Errorf("deposit to risk pool: %w", err)
		}
		result.RiskPoolEntry = entry

		for _, req := range deductions {
			res, err := payouts.deduct(ctx, req, true)
			if err != nil {
				return fmt.Errorf("recovery deduction for %s: %w", req.CreatorID, err)
			}
			result.Deductions = append(result.Deductions, *res)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrOriginalEventNotFound) {
			s.metrics.ObserveEvent(string(event.Kind), observability.OutcomeRejected)
		} else {
			s.metrics.ObserveEvent(string(event.Kind), observability.OutcomeFailed)
		}
		return nil, err
	}

	if result.Duplicate {
		s.metrics.ObserveEvent(string(event.Kind), observability.OutcomeDuplicate)
		s.logger.Info("duplicate settlement event ignored", "event_id", event.EventID)
		return result, nil
	}

	s.afterCommit(ctx, result)
	return result, nil
}

func (s *SettlementService) afterCommit(ctx context.Context, result *SettleResult) {
	event, alloc := result.Event, result.Allocation

	outcome := observability.OutcomeProcessed
	if event.Status == domain.EventStatusUnbalanced {
		outcome = observability.OutcomeUnbalanced
	}
	s.metrics.ObserveEvent(string(event.Kind), outcome)
	s.metrics.ObserveAllocation(alloc.Pools.PlatformActual, alloc.Pools.Creator, alloc.Pools.Growth, alloc.Pools.Risk)
	if result.RiskPoolEntry != nil {
		s.metrics.SetRiskPoolBalance(result.RiskPoolEntry.BalanceAfter)
	}

	if event.Status == domain.EventStatusUnbalanced {
		s.logger.Error("settlement distribution does not balance",
			"event_id", event.EventID,
			"net_cash", alloc.NetCash,
			"total_distributed", alloc.Validation.TotalDistributed,
			"balance_diff", alloc.Validation.BalanceDiff,
		)
		s.events.emit(ctx, RoutingSettlementAnomaly, SettlementAnomalyEvent{
			EventID:          event.EventID,
			EventType:        event.Kind,
			Reason:           AnomalyUnbalanced,
			NetCash:          alloc.NetCash,
			TotalDistributed: alloc.Validation.TotalDistributed,
			BalanceDiff:      alloc.Validation.BalanceDiff,
			DetectedAt:       s.now(),
		})
	}

	s.logger.Info("settlement event recorded",
		"event_id", event.EventID,
		"event_type", event.Kind,
		"net_cash", alloc.NetCash,
		"deductions", len(result.Deductions),
	)
	s.events.emit(ctx, RoutingSettlementRecorded, SettlementRecordedEvent{
		EventID:         event.EventID,
		EventType:       event.Kind,
		OriginalEventID: event.OriginalEventID,
		GrossAmount:     event.GrossAmount,
		NetCash:         event.NetCash,
		AnchorAmount:    event.AnchorAmount,
		Pools:           event.Pools,
		Status:          event.Status,
		OccurredAt:      event.OccurredAt,
	})
	for _, d := range result.Deductions {
		s.events.emit(ctx, RoutingDeductionApplied, deductionEvent(d, &event.EventID))
	}
}

// routeRecovery decides how each negative line is recovered. Lines whose
// original counterpart is already batched or paid are stamped paid and turned
// into deductions; the rest stay pending for netting.
func (s *SettlementService) routeRecovery(ctx context.Context, repo store.Repository, event domain.TransactionEvent, originalID string, shares []domain.CreatorShare, growth *domain.GrowthShare) ([]domain.DeductionRequest, error) {
	owed := make(map[string]int64)

	for i := range shares {
		share := &shares[i]
		if share.Amount >= 0 {
			continue
		}
		status, err := repo.FindCreatorShareStatus(ctx, originalID, share.CreatorID, share.ShareType, share.RemixDepth)
		if err != nil && !errors.Is(err, store.ErrShareNotFound) {
			return nil, fmt.Errorf("find original share: %w", err)
		}
		if alreadyPaidOut(status) {
			markDeduction(&share.Status, &share.Recovery)
			owed[share.CreatorID] += -share.Amount
		}
	}

	if growth != nil && growth.ReferrerID != nil && growth.ReferrerAmount < 0 {
		status, err := repo.FindGrowthShareStatus(ctx, originalID)
		if err != nil && !errors.Is(err, store.ErrShareNotFound) {
			return nil, fmt.Errorf("find original growth share: %w", err)
		}
		if alreadyPaidOut(status) {
			markDeduction(&growth.Status, &growth.Recovery)
			owed[*growth.ReferrerID] += -growth.ReferrerAmount
		}
	}

	payees := make([]string, 0, len(owed))
	for payee := range owed {
		payees = append(payees, payee)
	}
	sort.Strings(payees)

	eventID := event.EventID
	requests := make([]domain.DeductionRequest, 0, len(payees))
	for _, payee := range payees {
		requests = append(requests, domain.DeductionRequest{
			CreatorID: payee,
			Amount:    owed[payee],
			Reason:    fmt.Sprintf("recovery:%s of %s", event.Kind, originalID),
			EventID:   &eventID,
		})
	}
	return requests, nil
}

// loadOriginal locks the reversed payment and checks that this reversal, added
// to the reversals already stored against it, stays within its gross.
func (s *SettlementService) loadOriginal(ctx context.Context, repo store.Repository, event domain.TransactionEvent) (*domain.SettlementEvent, error) {
	originalID := *event.OriginalEventID
	err := repo.LockEvent(ctx, originalID)
	if errors.Is(err, store.ErrEventNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOriginalEventNotFound, originalID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock original event: %w", err)
	}

	original, err := repo.GetEvent(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if original.Kind != domain.EventKindPayment {
		return nil, fmt.Errorf("%w: original event %s is a %s, not a payment", ErrInvalidEvent, original.EventID, original.Kind)
	}

	reversed, err := repo.SumReversedGross(ctx, originalID, event.EventID)
	if err != nil {
		return nil, fmt.Errorf("sum prior reversals: %w", err)
	}
	if reversed+abs64(event.GrossAmount) > abs64(original.GrossAmount) {
		return nil, fmt.Errorf("%w: reversal of %d exceeds the %d left of original gross %d",
			ErrInvalidEvent, abs64(event.GrossAmount), abs64(original.GrossAmount)-reversed, original.GrossAmount)
	}
	return original, nil
}

func validateEvent(event domain.TransactionEvent) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, event.Kind)
	}
	if event.GrossAmount == 0 {
		return fmt.Errorf("%w: gross_amount is required", ErrInvalidEvent)
	}
	if abs64(event.CouponAmount) > abs64(event.GrossAmount) {
		return fmt.Errorf("%w: coupon exceeds gross amount", ErrInvalidEvent)
	}
	if event.Kind.IsReversal() && (event.OriginalEventID == nil || strings.TrimSpace(*event.OriginalEventID) == "") {
		return fmt.Errorf("%w: original_event_id required for reversal events", ErrInvalidEvent)
	}
	return nil
}

// partialAmount returns the reversal amount when it differs from the original gross.
func partialAmount(event domain.TransactionEvent, original *domain.SettlementEvent) *int64 {
	amount := abs64(event.GrossAmount)
	if amount == abs64(original.GrossAmount) {
		return nil
	}
	return &amount
}

// inheritRecipients fills recipients the reversal did not name from the original.
func inheritRecipients(event *domain.TransactionEvent, original *domain.SettlementEvent) {
	if event.CreatorRootID == nil {
		event.CreatorRootID = original.CreatorRootID
	}
	if event.CuratorID == nil {
		event.CuratorID = original.CuratorID
	}
	if event.ReferrerID == nil {
		event.ReferrerID = original.ReferrerID
	}
	if event.TemplateID == nil {
		event.TemplateID = original.TemplateID
	}
	if event.ArtifactID == nil {
		event.ArtifactID = original.ArtifactID
	}
}

func alreadyPaidOut(status string) bool {
	return status == domain.ShareStatusPending || status == domain.ShareStatusPaid
}

func markDeduction(status *string, recovery **string) {
	mode := domain.RecoveryDeduction
	*status = domain.ShareStatusPaid
	*recovery = &mode
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
