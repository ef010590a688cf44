/**
 * @description
 * Payout processor: groups payable lines into monthly batches, confirms them,
 * records completed transfers and applies capped deductions.
 *
 * Key features:
 * - Batch creation and confirmation each run in one transaction.
 * - Lines are reserved at creation; confirmation stamps exactly that set and
 *   cross-checks it against the payout records.
 * - Deductions above the monthly cap are carried as liabilities.
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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/allocation"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/observability"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
)

var (
	ErrDraftBatchOpen   = errors.New("an unconfirmed payout batch already exists")
	ErrBatchNotDraft    = errors.New("payout batch is not in draft status")
	ErrBatchMismatch    = errors.New("stamped share totals do not match payout records")
	ErrPayoutNotPayable = errors.New("payout record is not payable")
	ErrInvalidDeduction = errors.New("invalid deduction request")
)

// PayoutProcessor manages batches, payouts and deductions.
type PayoutProcessor struct {
	repo    store.Repository
	rates   allocation.RateSource
	events  emitter
	logger  *slog.Logger
	loc     *time.Location
	metrics *observability.SettlementMetrics
	now     func() time.Time
}

// NewPayoutProcessor creates a payout processor.
func NewPayoutProcessor(repo store.Repository, rates allocation.RateSource, publisher EventPublisher, exchange string, logger *slog.Logger, loc *time.Location, metrics *observability.SettlementMetrics) *PayoutProcessor {
	return &PayoutProcessor{
		repo:    repo,
		rates:   rates,
		events:  emitter{publisher: publisher, exchange: exchange, logger: logger},
		logger:  logger,
		loc:     loc,
		metrics: metrics,
		now:     time.Now,
	}
}

func (p *PayoutProcessor) withRepo(repo store.Repository) *PayoutProcessor {
	c := *p
	c.repo = repo
	return &c
}

// CreatePayoutBatch reserves every payable line for a new draft batch. Payees
// at or above the minimum get a pending record and keep their lines reserved;
// payees below it hand their lines back and get a deferred record when newly
// released money was carried.
func (p *PayoutProcessor) CreatePayoutBatch(ctx context.Context, batchDate *time.Time) (*domain.PayoutBatch, error) {
	snap := p.rates.Snapshot()
	now := p.now()

	batch := domain.PayoutBatch{
		ID:        uuid.NewString(),
		BatchDate: businessDate(now, p.loc),
		MinPayout: snap.MinPayout,
		Status:    domain.BatchStatusDraft,
		CreatedAt: now,
	}
	if batchDate != nil {
		batch.BatchDate = businessDate(*batchDate, p.loc)
	}

	var carried int64
	err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
		if err := repo.LockPayoutBatches(ctx); err != nil {
			return fmt.Errorf("lock payout batches: %w", err)
		}
		open, err := repo.HasDraftBatch(ctx)
		if err != nil {
			return err
		}
		if open {
			return ErrDraftBatchOpen
		}

		if err := repo.InsertPayoutBatch(ctx, batch); err != nil {
			return err
		}
		balances, err := repo.ReserveBatchLines(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("reserve batch lines: %w", err)
		}

		batchID := batch.ID
		reason := fmt.Sprintf("below minimum payout of %d; carried to the next batch", snap.MinPayout)
		var (
			records   []domain.PayoutRecord
			carryOver []string
		)
		for _, b := range balances {
			rec := domain.PayoutRecord{
				ID:          uuid.NewString(),
				BatchID:     &batchID,
				CreatorID:   b.CreatorID,
				GrossAmount: b.Total,
				ShareCount:  b.LineCount,
				CreatedAt:   now,
			}
			if b.Total >= snap.MinPayout && b.Total > 0 {
				rec.NetAmount = b.Total
				rec.Status = domain.PayoutStatusPending
				batch.TotalCreators++
				batch.TotalAmount += b.Total
				records = append(records, rec)
				continue
			}
			carryOver = append(carryOver, b.CreatorID)
			if b.ReleasedCount > 0 {
				rec.Status = domain.PayoutStatusDeferred
				rec.DeferredReason = &reason
				records = append(records, rec)
			}
		}

		if carried, err = repo.CarryBatchLines(ctx, batch.ID, carryOver); err != nil {
			return err
		}
		if err := repo.InsertPayoutRecords(ctx, records); err != nil {
			return err
		}
		if err := repo.UpdateBatchTotals(ctx, batch.ID, batch.TotalCreators, batch.TotalAmount); err != nil {
			return err
		}
		batch.Records = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.ObserveBatch("created")
	p.logger.Info("payout batch created",
		"batch_id", batch.ID,
		"total_creators", batch.TotalCreators,
		"total_amount", batch.TotalAmount,
		"records", len(batch.Records),
		"carried_lines", carried,
	)
	return &batch, nil
}

// ConfirmBatch moves the lines reserved at creation to pending and confirms the
// batch. Any per-payee total mismatch rolls the confirmation back.
func (p *PayoutProcessor) ConfirmBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error) {
	var confirmed *domain.PayoutBatch
	err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
		batch, err := repo.GetBatch(ctx, batchID, true)
		if err != nil {
			return err
		}
		if batch.Status != domain.BatchStatusDraft {
			return ErrBatchNotDraft
		}

		records, err := repo.ListBatchRecords(ctx, batchID)
		if err != nil {
			return err
		}
		expected := make(map[string]int64)
		for _, rec := range records {
			if rec.Status == domain.PayoutStatusPending {
				expected[rec.CreatorID] = rec.GrossAmount
			}
		}

		stamped, err := repo.StampBatchLines(ctx, batchID)
		if err != nil {
			return err
		}
		if mismatches := compareTotals(expected, stamped); len(mismatches) > 0 {
			return fmt.Errorf("%w: %s", ErrBatchMismatch, strings.Join(mismatches, "; "))
		}

		now := p.now()
		if err := repo.MarkBatchConfirmed(ctx, batchID, now); err != nil {
			return err
		}
		batch.Status = domain.BatchStatusConfirmed
		batch.ConfirmedAt = &now
		batch.Records = records
		confirmed = batch
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBatchMismatch) {
			p.metrics.ObserveBatch("mismatch")
			p.logger.Error("payout batch confirmation rolled back", "batch_id", batchID, "error", err)
		}
		return nil, err
	}

	p.metrics.ObserveBatch("confirmed")
	p.logger.Info("payout batch confirmed", "batch_id", batchID, "total_creators", confirmed.TotalCreators)
	return confirmed, nil
}

// DiscardBatch abandons a draft batch: its records are cancelled and its
// reserved lines return to the payable pool for the next batch.
func (p *PayoutProcessor) DiscardBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error) {
	var (
		discarded *domain.PayoutBatch
		released  int64
	)
	err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
		batch, err := repo.GetBatch(ctx, batchID, true)
		if err != nil {
			return err
		}
		if batch.Status != domain.BatchStatusDraft {
			return ErrBatchNotDraft
		}
		if released, err = repo.DiscardBatch(ctx, batchID); err != nil {
			return err
		}
		records, err := repo.ListBatchRecords(ctx, batchID)
		if err != nil {
			return err
		}
		batch.Status = domain.BatchStatusDiscarded
		batch.Records = records
		discarded = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.ObserveBatch("discarded")
	p.logger.Warn("payout batch discarded", "batch_id", batchID, "released_lines", released)
	return discarded, nil
}

// compareTotals lists every payee whose stamped total differs from its
// pending record, in payee order.
func compareTotals(expected, stamped map[string]int64) []string {
	payees := make(map[string]struct{}, len(expected))
	for payee := range expected {
		payees[payee] = struct{}{}
	}
	for payee := range stamped {
		payees[payee] = struct{}{}
	}
	ordered := make([]string, 0, len(payees))
	for payee := range payees {
		ordered = append(ordered, payee)
	}
	sort.Strings(ordered)

	var mismatches []string
	for _, payee := range ordered {
		if stamped[payee] != expected[payee] {
			mismatches = append(mismatches, fmt.Sprintf("%s expected %d stamped %d", payee, expected[payee], stamped[payee]))
		}
	}
	return mismatches
}

// ProcessPayout records a completed transfer for a pending record of a
// confirmed batch and marks its lines paid. Completing twice is a no-op.
func (p *PayoutProcessor) ProcessPayout(ctx context.Context, payoutID string, info domain.TransferInfo) (*domain.PayoutRecord, error) {
	var (
		record  *domain.PayoutRecord
		already bool
	)
	err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
		rec, err := repo.GetPayout(ctx, payoutID, true)
		if err != nil {
			return err
		}
		if rec.Status == domain.PayoutStatusCompleted {
			record, already = rec, true
			return nil
		}
		if rec.Status != domain.PayoutStatusPending || rec.BatchID == nil {
			return ErrPayoutNotPayable
		}
		batch, err := repo.GetBatch(ctx, *rec.BatchID, false)
		if err != nil {
			return err
		}
		if batch.Status != domain.BatchStatusConfirmed {
			return ErrPayoutNotPayable
		}

		transferredAt := p.now()
		if info.TransferredAt != nil {
			transferredAt = *info.TransferredAt
		}
		if err := repo.CompletePayout(ctx, payoutID, info, transferredAt); err != nil {
			return err
		}
		lines, err := repo.MarkBatchLinesPaid(ctx, *rec.BatchID, rec.CreatorID)
		if err != nil {
			return err
		}
		p.logger.Info("payout completed", "payout_id", payoutID, "creator_id", rec.CreatorID, "net_amount", rec.NetAmount, "lines", lines)

		rec.Status = domain.PayoutStatusCompleted
		rec.TransferReference = optionalString(info.TransferReference)
		rec.BankCode = optionalString(info.BankCode)
		rec.AccountNumber = optionalString(info.AccountNumber)
		rec.AccountHolder = optionalString(info.AccountHolder)
		rec.TransferredAt = &transferredAt
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return record, nil
	}

	p.metrics.ObservePayoutCompleted(record.NetAmount)
	p.events.emit(ctx, RoutingPayoutCompleted, PayoutCompletedEvent{
		PayoutID:          record.ID,
		BatchID:           *record.BatchID,
		CreatorID:         record.CreatorID,
		NetAmount:         record.NetAmount,
		TransferReference: info.TransferReference,
		TransferredAt:     *record.TransferredAt,
	})
	return record, nil
}

// ProcessDeduction claws back up to the payee's remaining monthly cap and
// records the rest as a liability.
func (p *PayoutProcessor) ProcessDeduction(ctx context.Context, req domain.DeductionRequest) (*domain.DeductionResult, error) {
	var result *domain.DeductionResult
	err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
		var err error
		result, err = p.withRepo(repo).deduct(ctx, req, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.events.emit(ctx, RoutingDeductionApplied, deductionEvent(*result, req.EventID))
	return result, nil
}

// deduct applies a capped deduction against p.repo, which must be transactional.
func (p *PayoutProcessor) deduct(ctx context.Context, req domain.DeductionRequest, recordLiability bool) (*domain.DeductionResult, error) {
	req.CreatorID = strings.TrimSpace(req.CreatorID)
	if req.CreatorID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("%w: creator id and a positive amount are required", ErrInvalidDeduction)
	}

	snap := p.rates.Snapshot()
	now := p.now()

	lifetime, err := p.repo.SumLifetimeEarnings(ctx, req.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("sum lifetime earnings: %w", err)
	}
	monthly, err := p.repo.SumDeductionsSince(ctx, req.CreatorID, monthStart(now, p.loc))
	if err != nil {
		return nil, fmt.Errorf("sum monthly deductions: %w", err)
	}

	limit := decimal.NewFromInt(lifetime).Mul(snap.MaxMonthlyDeductionRate).Round(0).IntPart()
	remaining := limit - monthly
	if remaining < 0 {
		remaining = 0
	}
	actual := req.Amount
	if actual > remaining {
		actual = remaining
	}

	result := &domain.DeductionResult{
		CreatorID:       req.CreatorID,
		RequestedAmount: req.Amount,
		ActualDeduction: actual,
		DeferredAmount:  req.Amount - actual,
		MonthlyLimit:    limit,
		RemainingLimit:  remaining - actual,
	}

	if actual > 0 {
		rec := domain.PayoutRecord{
			ID:              uuid.NewString(),
			CreatorID:       req.CreatorID,
			DeductionAmount: actual,
			NetAmount:       -actual,
			Status:          domain.PayoutStatusCompleted,
			DeferredReason:  optionalString(req.Reason),
			EventID:         req.EventID,
			CreatedAt:       now,
		}
		if err := p.repo.InsertPayoutRecords(ctx, []domain.PayoutRecord{rec}); err != nil {
			return nil, fmt.Errorf("record deduction: %w", err)
		}
		result.PayoutID = &rec.ID
	}

	if result.DeferredAmount > 0 && recordLiability {
		if err := p.repo.InsertDeductionLiability(ctx, domain.DeductionLiability{
			ID:                uuid.NewString(),
			CreatorID:         req.CreatorID,
			EventID:           req.EventID,
			Reason:            req.Reason,
			Amount:            result.DeferredAmount,
			OutstandingAmount: result.DeferredAmount,
			CreatedAt:         now,
		}); err != nil {
			return nil, fmt.Errorf("record deduction liability: %w", err)
		}
	}

	outstanding, err := p.repo.ListOutstandingLiabilities(ctx, req.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("list liabilities: %w", err)
	}
	for _, l := range outstanding {
		result.OutstandingLiability += l.OutstandingAmount
	}

	p.metrics.ObserveDeduction(result.ActualDeduction, result.DeferredAmount)
	p.logger.Info("deduction processed",
		"creator_id", req.CreatorID,
		"requested", req.Amount,
		"actual", actual,
		"deferred", result.DeferredAmount,
		"monthly_limit", limit,
	)
	return result, nil
}

// CollectDeferredDeductions applies outstanding liabilities against each
// payee's current cap, settling the oldest liabilities first.
func (p *PayoutProcessor) CollectDeferredDeductions(ctx context.Context) (domain.CollectionResult, error) {
	var result domain.CollectionResult

	creators, err := p.repo.ListCreatorsWithLiabilities(ctx)
	if err != nil {
		return result, fmt.Errorf("list creators with liabilities: %w", err)
	}

	var errs []error
	for _, creatorID := range creators {
		var collected, remaining int64
		err := p.repo.WithinTx(ctx, func(repo store.Repository) error {
			liabilities, err := repo.ListOutstandingLiabilities(ctx, creatorID)
			if err != nil {
				return err
			}
			var owed int64
			for _, l := range liabilities {
				owed += l.OutstandingAmount
			}
			if owed <= 0 {
				return nil
			}

			res, err := p.withRepo(repo).deduct(ctx, domain.DeductionRequest{
				CreatorID: creatorID,
				Amount:    owed,
				Reason:    "deferred deduction collection",
			}, false)
			if err != nil {
				return err
			}

			collected = res.ActualDeduction
			left := collected
			now := p.now()
			for _, l := range liabilities {
				if left <= 0 {
					break
				}
				take := l.OutstandingAmount
				if take > left {
					take = left
				}
				if err := repo.ReduceLiability(ctx, l.ID, take, now); err != nil {
					return err
				}
				left -= take
			}
			remaining = owed - collected
			return nil
		})
		if err != nil {
			p.logger.Error("failed to collect deferred deductions", "creator_id", creatorID, "error", err)
			errs = append(errs, fmt.Errorf("creator %s: %w", creatorID, err))
			continue
		}

		result.Creators++
		result.Collected += collected
		result.Remaining += remaining
		if collected > 0 {
			p.events.emit(ctx, RoutingDeductionApplied, DeductionAppliedEvent{
				CreatorID:       creatorID,
				RequestedAmount: collected + remaining,
				ActualDeduction: collected,
				DeferredAmount:  remaining,
			})
		}
	}

	return result, errors.Join(errs...)
}

// GetBatch returns a batch with its records.
func (p *PayoutProcessor) GetBatch(ctx context.Context, batchID string) (*domain.PayoutBatch, error) {
	batch, err := p.repo.GetBatch(ctx, batchID, false)
	if err != nil {
		return nil, err
	}
	records, err := p.repo.ListBatchRecords(ctx, batchID)
	if err != nil {
		return nil, err
	}
	batch.Records = records
	return batch, nil
}

// ListBatches pages batches; limit defaults to 20, capped at 100.
func (p *PayoutProcessor) ListBatches(ctx context.Context, opts domain.BatchListOptions) ([]domain.PayoutBatch, error) {
	opts.Limit, opts.Offset = clampPage(opts.Limit, opts.Offset, 20, 100)
	batches, err := p.repo.ListBatches(ctx, opts)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []domain.PayoutBatch{}
	}
	return batches, nil
}

func (p *PayoutProcessor) GetPayoutStats(ctx context.Context) (*domain.PayoutStats, error) {
	return p.repo.GetPayoutStats(ctx)
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
