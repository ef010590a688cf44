/**
 * @description
 * Distribution ledger: turns allocation results into persisted events, creator
 * shares, growth shares and risk pool movements, and answers ledger queries.
 *
 * @dependencies
 * - github.com/google/uuid: Line identifiers.
 * - internal/store: Persistence through the Repository interface.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/observability"
	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/store"
)

// ShareOwners names who receives the creator pool of an event.
type ShareOwners struct {
	RootCreatorID *string
	CuratorID     *string
}

// Ledger persists distributions and serves ledger queries.
type Ledger struct {
	repo    store.Repository
	logger  *slog.Logger
	loc     *time.Location
	metrics *observability.SettlementMetrics
	now     func() time.Time
}

// NewLedger creates a ledger. Business dates are evaluated in loc.
func NewLedger(repo store.Repository, logger *slog.Logger, loc *time.Location, metrics *observability.SettlementMetrics) *Ledger {
	return &Ledger{repo: repo, logger: logger, loc: loc, metrics: metrics, now: time.Now}
}

// withRepo returns a copy bound to repo, typically a transaction.
func (l *Ledger) withRepo(repo store.Repository) *Ledger {
	c := *l
	c.repo = repo
	return &c
}

// SaveEvent writes the event and its pool distribution. A repeat is a no-op
// reporting false.
func (l *Ledger) SaveEvent(ctx context.Context, event domain.SettlementEvent) (bool, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}
	inserted, err := l.repo.InsertEvent(ctx, event)
	if err != nil {
		return false, fmt.Errorf("save event %s: %w", event.EventID, err)
	}
	return inserted, nil
}

// PlanCreatorShares builds the share lines of an allocation. Amounts that have
// no recipient are returned as unallocated.
func (l *Ledger) PlanCreatorShares(eventID string, alloc domain.AllocationResult, owners ShareOwners, holdDays int) ([]domain.CreatorShare, int64) {
	now := l.now()
	holdUntil := businessDate(now, l.loc).AddDate(0, 0, holdDays)

	var (
		shares      []domain.CreatorShare
		unallocated int64
	)
	add := func(creatorID *string, shareType string, amount int64, depth *int) {
		if amount == 0 {
			return
		}
		if creatorID == nil || *creatorID == "" {
			unallocated += amount
			return
		}
		share := domain.CreatorShare{
			ID:         uuid.NewString(),
			EventID:    eventID,
			CreatorID:  *creatorID,
			ShareType:  shareType,
			Amount:     amount,
			RemixDepth: depth,
			HoldUntil:  holdUntil,
			Status:     domain.ShareStatusHeld,
			CreatedAt:  now,
		}
		if amount < 0 {
			recovery := domain.RecoveryNetting
			share.Status = domain.ShareStatusPending
			share.Recovery = &recovery
		}
		shares = append(shares, share)
	}

	split := alloc.CreatorSplit
	add(owners.RootCreatorID, domain.ShareTypeOriginal, split.Original, nil)
	var remixed int64
	for _, rs := range split.RemixShares {
		creatorID := rs.CreatorID
		depth := rs.Depth
		add(&creatorID, domain.ShareTypeRemix, rs.Amount, &depth)
		remixed += rs.Amount
	}
	// Remix pool left over when the chain is empty or shorter than the split.
	unallocated += split.RemixTotal - remixed
	add(owners.CuratorID, domain.ShareTypeCuration, split.Curation, nil)

	return shares, unallocated
}

// PlanGrowthShare builds the growth row of an allocation, or nil when it is empty.
func (l *Ledger) PlanGrowthShare(eventID string, alloc domain.AllocationResult, holdDays int) *domain.GrowthShare {
	g := alloc.GrowthSplit
	if g.ReferrerAmount == 0 && g.CampaignAmount == 0 && g.ReserveAmount == 0 {
		return nil
	}

	now := l.now()
	share := &domain.GrowthShare{
		ID:             uuid.NewString(),
		EventID:        eventID,
		ReferrerID:     g.ReferrerID,
		ReferrerAmount: g.ReferrerAmount,
		CampaignAmount: g.CampaignAmount,
		ReserveAmount:  g.ReserveAmount,
		HoldUntil:      businessDate(now, l.loc).AddDate(0, 0, holdDays),
		Status:         domain.ShareStatusHeld,
		CreatedAt:      now,
	}
	if alloc.Reversal {
		recovery := domain.RecoveryNetting
		share.Status = domain.ShareStatusPending
		share.Recovery = &recovery
	}
	return share
}

// SaveCreatorShares persists planned share lines.
func (l *Ledger) SaveCreatorShares(ctx context.Context, shares []domain.CreatorShare) error {
	return l.repo.InsertCreatorShares(ctx, shares)
}

// SaveGrowthShare persists a planned growth row.
func (l *Ledger) SaveGrowthShare(ctx context.Context, share *domain.GrowthShare) error {
	if share == nil {
		return nil
	}
	return l.repo.InsertGrowthShare(ctx, *share)
}

// DepositToRiskPool appends a risk pool movement under the pool lock. Zero
// amounts are skipped and return nil.
func (l *Ledger) DepositToRiskPool(ctx context.Context, eventID string, amount int64, reason string) (*domain.RiskPoolEntry, error) {
	if amount == 0 {
		return nil, nil
	}

	var entry *domain.RiskPoolEntry
	err := l.repo.WithinTx(ctx, func(repo store.Repository) error {
		if err := repo.LockRiskPool(ctx); err != nil {
			return fmt.Errorf("lock risk pool: %w", err)
		}
		balance, err := repo.LatestRiskPoolBalance(ctx)
		if err != nil {
			return fmt.Errorf("read risk pool balance: %w", err)
		}

		action := domain.RiskPoolDeposit
		if amount < 0 {
			action = domain.RiskPoolWithdraw
		}
		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}

		entry, err = repo.InsertRiskPoolEntry(ctx, domain.RiskPoolEntry{
			EventID:      eventID,
			Amount:       amount,
			Action:       action,
			BalanceAfter: balance + amount,
			Reason:       reasonPtr,
			CreatedAt:    l.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ReleaseHeldShares releases every held line whose hold date has passed.
func (l *Ledger) ReleaseHeldShares(ctx context.Context) (domain.ReleaseResult, error) {
	now := l.now()
	result, err := l.repo.ReleaseHeldShares(ctx, businessDate(now, l.loc), now)
	if err != nil {
		return result, fmt.Errorf("release held shares: %w", err)
	}
	l.logger.Info("released held shares", "creator_shares", result.CreatorShares, "growth_shares", result.GrowthShares)
	return result, nil
}

// GetEvent returns a stored event with its pool distribution.
func (l *Ledger) GetEvent(ctx context.Context, eventID string) (*domain.SettlementEvent, error) {
	return l.repo.GetEvent(ctx, eventID)
}

func (l *Ledger) GetCreatorSummary(ctx context.Context, creatorID string) (*domain.CreatorSummary, error) {
	return l.repo.GetCreatorSummary(ctx, creatorID)
}

// GetCreatorHistory pages a creator's shares; limit defaults to 50, capped at 200.
func (l *Ledger) GetCreatorHistory(ctx context.Context, creatorID string, opts domain.HistoryOptions) ([]domain.CreatorHistoryItem, error) {
	opts.Limit, opts.Offset = clampPage(opts.Limit, opts.Offset, 50, 200)
	items, err := l.repo.ListCreatorHistory(ctx, creatorID, opts)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.CreatorHistoryItem{}
	}
	return items, nil
}

func (l *Ledger) GetReferrerSummary(ctx context.Context, referrerID string) (*domain.ReferrerSummary, error) {
	return l.repo.GetReferrerSummary(ctx, referrerID)
}

// GetRiskPoolBalance returns the latest risk pool balance.
func (l *Ledger) GetRiskPoolBalance(ctx context.Context) (int64, error) {
	balance, err := l.repo.LatestRiskPoolBalance(ctx)
	if err != nil {
		return 0, err
	}
	l.metrics.SetRiskPoolBalance(balance)
	return balance, nil
}
