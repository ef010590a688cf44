/**
 * @description
 * Postgres queries for events, ledger lines, the risk pool and ledger summaries.
 */
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

// InsertEvent writes the event and its pool distribution. It returns false
// without writing anything when the event id already exists.
func (r *PostgresRepository) InsertEvent(ctx context.Context, event domain.SettlementEvent) (bool, error) {
	chain := event.RemixChain
	if chain == nil {
		chain = []string{}
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return false, err
	}
	status := event.Status
	if status == "" {
		status = domain.EventStatusProcessed
	}

	inserted := false
	err = r.WithinTx(ctx, func(repo Repository) error {
		tx := repo.(*PostgresRepository)
		tag, err := tx.db.Exec(ctx, `
			INSERT INTO settlement_events (
				event_id, event_type,
				gross_amount, coupon_amount, paid_amount, pg_fee, net_cash, anchor_amount,
				template_id, artifact_id, creator_root_id, curator_id, remix_chain, referrer_id, buyer_user_id,
				original_event_id, occurred_at, status, created_at
			) VALUES (
				$1, $2,
				$3, $4, $5, $6, $7, $8,
				$9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19
			)
			ON CONFLICT (event_id) DO NOTHING
		`,
			event.EventID, string(event.Kind),
			event.GrossAmount, event.CouponAmount, event.PaidAmount, event.PGFee, event.NetCash, event.AnchorAmount,
			event.TemplateID, event.ArtifactID, event.CreatorRootID, event.CuratorID, chainJSON, event.ReferrerID, event.BuyerUserID,
			event.OriginalEventID, event.OccurredAt, status, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert settlement event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		_, err = tx.db.Exec(ctx, `
			INSERT INTO settlement_pool_distributions (
				event_id, platform_amount, creator_pool_amount, growth_pool_amount, risk_pool_amount,
				platform_actual, creator_unallocated, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`,
			event.EventID, event.Pools.Platform, event.Pools.Creator, event.Pools.Growth, event.Pools.Risk,
			event.Pools.PlatformActual, event.CreatorUnallocated, event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pool distribution: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetEvent retrieves an event joined with its pool distribution.
func (r *PostgresRepository) GetEvent(ctx context.Context, eventID string) (*domain.SettlementEvent, error) {
	var (
		event     domain.SettlementEvent
		kind      string
		chainJSON []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT se.event_id, se.event_type,
		       se.gross_amount, se.coupon_amount, se.paid_amount, se.pg_fee, se.net_cash, se.anchor_amount,
		       se.template_id, se.artifact_id, se.creator_root_id, se.curator_id, se.remix_chain,
		       se.referrer_id, se.buyer_user_id, se.original_event_id, se.occurred_at, se.status, se.created_at,
		       COALESCE(spd.platform_amount, 0), COALESCE(spd.creator_pool_amount, 0),
		       COALESCE(spd.growth_pool_amount, 0), COALESCE(spd.risk_pool_amount, 0),
		       COALESCE(spd.platform_actual, 0), COALESCE(spd.creator_unallocated, 0)
		FROM settlement_events se
		LEFT JOIN settlement_pool_distributions spd ON spd.event_id = se.event_id
		WHERE se.event_id = $1
	`, eventID).Scan(
		&event.EventID, &kind,
		&event.GrossAmount, &event.CouponAmount, &event.PaidAmount, &event.PGFee, &event.NetCash, &event.AnchorAmount,
		&event.TemplateID, &event.ArtifactID, &event.CreatorRootID, &event.CuratorID, &chainJSON,
		&event.ReferrerID, &event.BuyerUserID, &event.OriginalEventID, &event.OccurredAt, &event.Status, &event.CreatedAt,
		&event.Pools.Platform, &event.Pools.Creator,
		&event.Pools.Growth, &event.Pools.Risk,
		&event.Pools.PlatformActual, &event.CreatorUnallocated,
	)
	if err != nil {
		return nil, mapNoRows(err, ErrEventNotFound)
	}

	event.Kind = domain.EventKind(kind)
	if len(chainJSON) > 0 {
		if err := json.Unmarshal(chainJSON, &event.RemixChain); err != nil {
			return nil, fmt.Errorf("decode remix chain of %s: %w", eventID, err)
		}
	}
	return &event, nil
}

// LockEvent holds a row lock on an event until the transaction ends.
func (r *PostgresRepository) LockEvent(ctx context.Context, eventID string) error {
	var id string
	err := r.db.QueryRow(ctx, `
		SELECT event_id FROM settlement_events WHERE event_id = $1 FOR UPDATE
	`, eventID).Scan(&id)
	return mapNoRows(err, ErrEventNotFound)
}

// SumReversedGross totals the absolute gross of the reversals already stored
// against an original event, leaving out excludeEventID.
func (r *PostgresRepository) SumReversedGross(ctx context.Context, originalEventID, excludeEventID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(ABS(gross_amount)), 0)
		FROM settlement_events
		WHERE original_event_id = $1 AND event_id <> $2
	`, originalEventID, excludeEventID).Scan(&total)
	return total, err
}

// InsertCreatorShares writes shares in one batch; existing lines are skipped.
func (r *PostgresRepository) InsertCreatorShares(ctx context.Context, shares []domain.CreatorShare) error {
	if len(shares) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range shares {
		batch.Queue(`
			INSERT INTO settlement_creator_shares (
				id, event_id, creator_id, share_type, share_amount, remix_depth,
				hold_until, payout_status, recovery, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT DO NOTHING
		`, s.ID, s.EventID, s.CreatorID, s.ShareType, s.Amount, s.RemixDepth,
			dateOnly(s.HoldUntil), s.Status, s.Recovery, s.CreatedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range shares {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert creator share: %w", err)
		}
	}
	return nil
}

// InsertGrowthShare writes the growth row of an event.
func (r *PostgresRepository) InsertGrowthShare(ctx context.Context, share domain.GrowthShare) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settlement_growth_shares (
			id, event_id, referrer_id, referrer_amount, campaign_amount, reserve_amount,
			hold_until, payout_status, recovery, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, share.ID, share.EventID, share.ReferrerID, share.ReferrerAmount, share.CampaignAmount, share.ReserveAmount,
		dateOnly(share.HoldUntil), share.Status, share.Recovery, share.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert growth share: %w", err)
	}
	return nil
}

// FindCreatorShareStatus returns the payout status of one share line.
func (r *PostgresRepository) FindCreatorShareStatus(ctx context.Context, eventID, creatorID, shareType string, remixDepth *int) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT payout_status
		FROM settlement_creator_shares
		WHERE event_id = $1 AND creator_id = $2 AND share_type = $3
		  AND COALESCE(remix_depth, 0) = COALESCE($4::INTEGER, 0)
	`, eventID, creatorID, shareType, remixDepth).Scan(&status)
	if err != nil {
		return "", mapNoRows(err, ErrShareNotFound)
	}
	return status, nil
}

// FindGrowthShareStatus returns the payout status of an event's growth row.
func (r *PostgresRepository) FindGrowthShareStatus(ctx context.Context, eventID string) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT payout_status FROM settlement_growth_shares WHERE event_id = $1`, eventID).Scan(&status)
	if err != nil {
		return "", mapNoRows(err, ErrShareNotFound)
	}
	return status, nil
}

// ReleaseHeldShares moves held lines whose hold date is on or before today to released.
func (r *PostgresRepository) ReleaseHeldShares(ctx context.Context, today time.Time, releasedAt time.Time) (domain.ReleaseResult, error) {
	result := domain.ReleaseResult{ReleasedAt: releasedAt}

	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_creator_shares
		SET payout_status = 'released', released_at = $2
		WHERE payout_status = 'held' AND hold_until <= $1
	`, dateOnly(today), releasedAt)
	if err != nil {
		return result, fmt.Errorf("release creator shares: %w", err)
	}
	result.CreatorShares = tag.RowsAffected()

	tag, err = r.db.Exec(ctx, `
		UPDATE settlement_growth_shares
		SET payout_status = 'released', released_at = $2
		WHERE payout_status = 'held' AND hold_until <= $1
	`, dateOnly(today), releasedAt)
	if err != nil {
		return result, fmt.Errorf("release growth shares: %w", err)
	}
	result.GrowthShares = tag.RowsAffected()

	return result, nil
}

// LockRiskPool serializes risk pool writers until the transaction ends.
func (r *PostgresRepository) LockRiskPool(ctx context.Context) error {
	return r.advisoryLock(ctx, riskPoolLockKey)
}

// LatestRiskPoolBalance returns the balance of the newest entry, or zero.
func (r *PostgresRepository) LatestRiskPoolBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `
		SELECT balance_after FROM settlement_risk_pool ORDER BY id DESC LIMIT 1
	`).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// InsertRiskPoolEntry appends a risk pool movement.
func (r *PostgresRepository) InsertRiskPoolEntry(ctx context.Context, entry domain.RiskPoolEntry) (*domain.RiskPoolEntry, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO settlement_risk_pool (event_id, amount, pool_action, balance_after, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.EventID, entry.Amount, entry.Action, entry.BalanceAfter, entry.Reason, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("insert risk pool entry: %w", err)
	}
	return &entry, nil
}

// GetCreatorSummary aggregates every share of a creator.
func (r *PostgresRepository) GetCreatorSummary(ctx context.Context, creatorID string) (*domain.CreatorSummary, error) {
	summary := domain.CreatorSummary{CreatorID: creatorID}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(DISTINCT event_id),
			COALESCE(SUM(share_amount), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE payout_status = 'paid'), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE payout_status IN ('pending', 'held', 'released', 'carried')), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE payout_status = 'held'), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE payout_status IN ('released', 'carried')), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE share_type = 'original'), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE share_type = 'remix'), 0),
			COALESCE(SUM(share_amount) FILTER (WHERE share_type = 'curation'), 0),
			(SELECT COALESCE(SUM(outstanding_amount), 0) FROM settlement_deduction_liabilities WHERE creator_id = $1)
		FROM settlement_creator_shares
		WHERE creator_id = $1
	`, creatorID).Scan(
		&summary.TotalEvents,
		&summary.TotalEarned,
		&summary.TotalPaid,
		&summary.PendingAmount,
		&summary.HeldAmount,
		&summary.ReleasableAmount,
		&summary.OriginalEarned,
		&summary.RemixEarned,
		&summary.CurationEarned,
		&summary.OutstandingLiability,
	)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListCreatorHistory lists a creator's shares, newest event first.
func (r *PostgresRepository) ListCreatorHistory(ctx context.Context, creatorID string, opts domain.HistoryOptions) ([]domain.CreatorHistoryItem, error) {
	query := `
		SELECT scs.id, scs.event_id, scs.creator_id, scs.share_type, scs.share_amount, scs.remix_depth,
		       scs.hold_until, scs.payout_status, scs.payout_batch_id::TEXT, scs.recovery, scs.released_at, scs.created_at,
		       se.event_type, se.occurred_at, se.gross_amount, se.template_id, se.artifact_id
		FROM settlement_creator_shares scs
		JOIN settlement_events se ON se.event_id = scs.event_id
		WHERE scs.creator_id = $1
	`
	args := []any{creatorID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND scs.payout_status = $%d", len(args))
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(" ORDER BY se.occurred_at DESC, scs.share_type, scs.remix_depth LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.CreatorHistoryItem
	for rows.Next() {
		var (
			item domain.CreatorHistoryItem
			kind string
		)
		if err := rows.Scan(
			&item.ID, &item.EventID, &item.CreatorID, &item.ShareType, &item.Amount, &item.RemixDepth,
			&item.HoldUntil, &item.Status, &item.BatchID, &item.Recovery, &item.ReleasedAt, &item.CreatedAt,
			&kind, &item.OccurredAt, &item.GrossAmount, &item.TemplateID, &item.ArtifactID,
		); err != nil {
			return nil, err
		}
		item.EventType = domain.EventKind(kind)
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetReferrerSummary aggregates the growth rows of a referrer.
func (r *PostgresRepository) GetReferrerSummary(ctx context.Context, referrerID string) (*domain.ReferrerSummary, error) {
	summary := domain.ReferrerSummary{ReferrerID: referrerID}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE referrer_amount > 0),
			COALESCE(SUM(referrer_amount), 0),
			COALESCE(SUM(referrer_amount) FILTER (WHERE payout_status = 'paid'), 0),
			COALESCE(SUM(referrer_amount) FILTER (WHERE payout_status IN ('pending', 'held', 'released', 'carried')), 0)
		FROM settlement_growth_shares
		WHERE referrer_id = $1
	`, referrerID).Scan(&summary.TotalReferrals, &summary.TotalEarned, &summary.TotalPaid, &summary.PendingAmount)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
