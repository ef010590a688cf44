/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the settlement service. Business logic in internal/app depends on
 * this interface only, so the Postgres implementation can be swapped for fakes in
 * tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

var (
	ErrEventNotFound  = errors.New("settlement event not found")
	ErrShareNotFound  = errors.New("settlement share not found")
	ErrBatchNotFound  = errors.New("payout batch not found")
	ErrPayoutNotFound = errors.New("payout record not found")

	ErrDuplicatePayout = errors.New("payee already has a record in this batch")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTx runs fn against a repository bound to one transaction. Nested
	// calls run as savepoints.
	WithinTx(ctx context.Context, fn func(repo Repository) error) error

	// Rate constants
	LoadRates(ctx context.Context) (map[string]string, error)
	SaveRates(ctx context.Context, values map[string]string, description *string) error

	// Events
	InsertEvent(ctx context.Context, event domain.SettlementEvent) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*domain.SettlementEvent, error)
	LockEvent(ctx context.Context, eventID string) error
	SumReversedGross(ctx context.Context, originalEventID, excludeEventID string) (int64, error)

	// Shares
	InsertCreatorShares(ctx context.Context, shares []domain.CreatorShare) error
	InsertGrowthShare(ctx context.Context, share domain.GrowthShare) error
	FindCreatorShareStatus(ctx context.Context, eventID, creatorID, shareType string, remixDepth *int) (string, error)
	FindGrowthShareStatus(ctx context.Context, eventID string) (string, error)
	ReleaseHeldShares(ctx context.Context, today time.Time, releasedAt time.Time) (domain.ReleaseResult, error)

	// Risk pool
	LockRiskPool(ctx context.Context) error
	LatestRiskPoolBalance(ctx context.Context) (int64, error)
	InsertRiskPoolEntry(ctx context.Context, entry domain.RiskPoolEntry) (*domain.RiskPoolEntry, error)

	// Ledger queries
	GetCreatorSummary(ctx context.Context, creatorID string) (*domain.CreatorSummary, error)
	ListCreatorHistory(ctx context.Context, creatorID string, opts domain.HistoryOptions) ([]domain.CreatorHistoryItem, error)
	GetReferrerSummary(ctx context.Context, referrerID string) (*domain.ReferrerSummary, error)

	// Payout batches
	LockPayoutBatches(ctx context.Context) error
	HasDraftBatch(ctx context.Context) (bool, error)
	InsertPayoutBatch(ctx context.Context, batch domain.PayoutBatch) error
	ReserveBatchLines(ctx context.Context, batchID string) ([]domain.PayeeBalance, error)
	InsertPayoutRecords(ctx context.Context, records []domain.PayoutRecord) error
	CarryBatchLines(ctx context.Context, batchID string, creatorIDs []string) (int64, error)
	UpdateBatchTotals(ctx context.Context, batchID string, totalCreators int, totalAmount int64) error
	GetBatch(ctx context.Context, batchID string, forUpdate bool) (*domain.PayoutBatch, error)
	ListBatches(ctx context.Context, opts domain.BatchListOptions) ([]domain.PayoutBatch, error)
	ListBatchRecords(ctx context.Context, batchID string) ([]domain.PayoutRecord, error)
	MarkBatchConfirmed(ctx context.Context, batchID string, confirmedAt time.Time) error
	StampBatchLines(ctx context.Context, batchID string) (map[string]int64, error)
	DiscardBatch(ctx context.Context, batchID string) (int64, error)

	// Payout records
	GetPayout(ctx context.Context, payoutID string, forUpdate bool) (*domain.PayoutRecord, error)
	CompletePayout(ctx context.Context, payoutID string, info domain.TransferInfo, transferredAt time.Time) error
	MarkBatchLinesPaid(ctx context.Context, batchID, creatorID string) (int64, error)
	GetPayoutStats(ctx context.Context) (*domain.PayoutStats, error)

	// Deductions
	SumLifetimeEarnings(ctx context.Context, creatorID string) (int64, error)
	SumDeductionsSince(ctx context.Context, creatorID string, since time.Time) (int64, error)
	InsertDeductionLiability(ctx context.Context, liability domain.DeductionLiability) error
	ListOutstandingLiabilities(ctx context.Context, creatorID string) ([]domain.DeductionLiability, error)
	ListCreatorsWithLiabilities(ctx context.Context) ([]string, error)
	ReduceLiability(ctx context.Context, liabilityID string, amount int64, at time.Time) error
}
