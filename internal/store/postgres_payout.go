/**
 * @description
 * Postgres queries for payout batches, payout records, deductions and liabilities.
 */
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ys6448761-hue/daily-miracles-app-sub003/internal/domain"
)

// payableLinesFilter selects unreserved lines that can enter a payout batch.
const payableLinesFilter = `
	payout_batch_id IS NULL
	AND (payout_status IN ('released', 'carried') OR (payout_status = 'pending' AND recovery = 'netting'))
`

const batchColumns = `
	id::TEXT, batch_date, min_payout, status, total_creators, total_amount, confirmed_at, created_at
`

const payoutColumns = `
	id::TEXT, batch_id::TEXT, creator_id, gross_amount, deduction_amount, net_amount, status, share_count,
	deferred_reason, event_id, transfer_reference, bank_code, account_number, account_holder,
	transferred_at, created_at
`

// LockPayoutBatches serializes batch creation until the transaction ends.
func (r *PostgresRepository) LockPayoutBatches(ctx context.Context) error {
	return r.advisoryLock(ctx, payoutBatchLockKey)
}

// HasDraftBatch reports whether an unconfirmed batch exists.
func (r *PostgresRepository) HasDraftBatch(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlement_payout_batches WHERE status = 'draft')
	`).Scan(&exists)
	return exists, err
}

// InsertPayoutBatch creates a batch row.
func (r *PostgresRepository) InsertPayoutBatch(ctx context.Context, batch domain.PayoutBatch) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settlement_payout_batches (id, batch_date, min_payout, status, total_creators, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, batch.ID, dateOnly(batch.BatchDate), batch.MinPayout, batch.Status, batch.TotalCreators, batch.TotalAmount, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payout batch: %w", err)
	}
	return nil
}

// ReserveBatchLines claims every payable line for the batch and returns the
// claimed totals per payee ordered by payee. The batch row must exist.
func (r *PostgresRepository) ReserveBatchLines(ctx context.Context, batchID string) ([]domain.PayeeBalance, error) {
	queries := []string{`
		UPDATE settlement_creator_shares
		SET payout_batch_id = $1
		WHERE ` + payableLinesFilter + `
		RETURNING creator_id, share_amount, payout_status
	`, `
		UPDATE settlement_growth_shares
		SET payout_batch_id = $1
		WHERE referrer_id IS NOT NULL AND referrer_amount <> 0 AND ` + payableLinesFilter + `
		RETURNING referrer_id, referrer_amount, payout_status
	`}

	byPayee := make(map[string]*domain.PayeeBalance)
	for _, query := range queries {
		err := r.collectLines(ctx, query, batchID, func(payee string, amount int64, status string) {
			b, ok := byPayee[payee]
			if !ok {
				b = &domain.PayeeBalance{CreatorID: payee}
				byPayee[payee] = b
			}
			b.Total += amount
			b.LineCount++
			if status == domain.ShareStatusReleased {
				b.ReleasedCount++
			}
		})
		if err != nil {
			return nil, fmt.Errorf("reserve batch lines: %w", err)
		}
	}

	balances := make([]domain.PayeeBalance, 0, len(byPayee))
	for _, b := range byPayee {
		balances = append(balances, *b)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].CreatorID < balances[j].CreatorID })
	return balances, nil
}

// collectLines runs a line UPDATE ... RETURNING payee, amount, status and
// hands each returned row to fn.
func (r *PostgresRepository) collectLines(ctx context.Context, query, batchID string, fn func(payee string, amount int64, status string)) error {
	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			payee  string
			amount int64
			status string
		)
		if err := rows.Scan(&payee, &amount, &status); err != nil {
			return err
		}
		fn(payee, amount, status)
	}
	return rows.Err()
}

// InsertPayoutRecords writes payout records in one batch.
func (r *PostgresRepository) InsertPayoutRecords(ctx context.Context, records []domain.PayoutRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO settlement_payouts (
				id, batch_id, creator_id, gross_amount, deduction_amount, net_amount, status,
				share_count, deferred_reason, event_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, rec.ID, rec.BatchID, rec.CreatorID, rec.GrossAmount, rec.DeductionAmount, rec.NetAmount, rec.Status,
			rec.ShareCount, rec.DeferredReason, rec.EventID, rec.CreatedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicatePayout
			}
			return fmt.Errorf("insert payout record: %w", err)
		}
	}
	return nil
}

// CarryBatchLines hands the reserved lines of the given payees back to the
// payable pool, moving released lines to carried.
func (r *PostgresRepository) CarryBatchLines(ctx context.Context, batchID string, creatorIDs []string) (int64, error) {
	if len(creatorIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_creator_shares
		SET payout_batch_id = NULL,
		    payout_status = CASE WHEN payout_status = 'released' THEN 'carried' ELSE payout_status END
		WHERE payout_batch_id = $1 AND creator_id = ANY($2)
	`, batchID, creatorIDs)
	if err != nil {
		return 0, fmt.Errorf("carry creator shares: %w", err)
	}
	carried := tag.RowsAffected()

	tag, err = r.db.Exec(ctx, `
		UPDATE settlement_growth_shares
		SET payout_batch_id = NULL,
		    payout_status = CASE WHEN payout_status = 'released' THEN 'carried' ELSE payout_status END
		WHERE payout_batch_id = $1 AND referrer_id = ANY($2)
	`, batchID, creatorIDs)
	if err != nil {
		return 0, fmt.Errorf("carry growth shares: %w", err)
	}
	return carried + tag.RowsAffected(), nil
}

// UpdateBatchTotals writes the payee count and amount of a batch.
func (r *PostgresRepository) UpdateBatchTotals(ctx context.Context, batchID string, totalCreators int, totalAmount int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE settlement_payout_batches SET total_creators = $2, total_amount = $3 WHERE id = $1
	`, batchID, totalCreators, totalAmount)
	return err
}

// GetBatch retrieves a batch, optionally locking its row.
func (r *PostgresRepository) GetBatch(ctx context.Context, batchID string, forUpdate bool) (*domain.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM settlement_payout_batches WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	batch, err := scanBatch(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		return nil, mapNoRows(err, ErrBatchNotFound)
	}
	return batch, nil
}

// ListBatches lists batches, newest first.
func (r *PostgresRepository) ListBatches(ctx context.Context, opts domain.BatchListOptions) ([]domain.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM settlement_payout_batches`
	args := []any{}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += ` WHERE status = $1`
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY batch_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.PayoutBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

// ListBatchRecords returns the records of a batch ordered by payee.
func (r *PostgresRepository) ListBatchRecords(ctx context.Context, batchID string) ([]domain.PayoutRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM settlement_payouts
		WHERE batch_id = $1
		ORDER BY creator_id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PayoutRecord
	for rows.Next() {
		rec, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// MarkBatchConfirmed flips a batch to confirmed.
func (r *PostgresRepository) MarkBatchConfirmed(ctx context.Context, batchID string, confirmedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_payout_batches SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1 AND status = 'draft'
	`, batchID, confirmedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// StampBatchLines moves every line reserved by the batch to pending and
// returns the stamped total per payee.
func (r *PostgresRepository) StampBatchLines(ctx context.Context, batchID string) (map[string]int64, error) {
	queries := []string{`
		UPDATE settlement_creator_shares
		SET payout_status = 'pending'
		WHERE payout_batch_id = $1
		RETURNING creator_id, share_amount, payout_status
	`, `
		UPDATE settlement_growth_shares
		SET payout_status = 'pending'
		WHERE payout_batch_id = $1
		RETURNING referrer_id, referrer_amount, payout_status
	`}

	totals := make(map[string]int64)
	for _, query := range queries {
		err := r.collectLines(ctx, query, batchID, func(payee string, amount int64, _ string) {
			totals[payee] += amount
		})
		if err != nil {
			return nil, fmt.Errorf("stamp batch lines: %w", err)
		}
	}
	return totals, nil
}

// DiscardBatch marks a draft batch discarded, cancels its records and returns
// its reserved lines to the payable pool unchanged.
func (r *PostgresRepository) DiscardBatch(ctx context.Context, batchID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_payout_batches SET status = 'discarded'
		WHERE id = $1 AND status = 'draft'
	`, batchID)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrBatchNotFound
	}

	if _, err := r.db.Exec(ctx, `
		UPDATE settlement_payouts SET status = 'cancelled' WHERE batch_id = $1
	`, batchID); err != nil {
		return 0, fmt.Errorf("cancel batch records: %w", err)
	}

	tag, err = r.db.Exec(ctx, `
		UPDATE settlement_creator_shares SET payout_batch_id = NULL WHERE payout_batch_id = $1
	`, batchID)
	if err != nil {
		return 0, fmt.Errorf("unreserve creator shares: %w", err)
	}
	released := tag.RowsAffected()

	tag, err = r.db.Exec(ctx, `
		UPDATE settlement_growth_shares SET payout_batch_id = NULL WHERE payout_batch_id = $1
	`, batchID)
	if err != nil {
		return 0, fmt.Errorf("unreserve growth shares: %w", err)
	}
	return released + tag.RowsAffected(), nil
}

// GetPayout retrieves a payout record, optionally locking its row.
func (r *PostgresRepository) GetPayout(ctx context.Context, payoutID string, forUpdate bool) (*domain.PayoutRecord, error) {
	query := `SELECT ` + payoutColumns + ` FROM settlement_payouts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rec, err := scanPayout(r.db.QueryRow(ctx, query, payoutID))
	if err != nil {
		return nil, mapNoRows(err, ErrPayoutNotFound)
	}
	return rec, nil
}

// CompletePayout records the transfer outcome on a payout record.
func (r *PostgresRepository) CompletePayout(ctx context.Context, payoutID string, info domain.TransferInfo, transferredAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_payouts
		SET status = 'completed',
		    transfer_reference = NULLIF($2, ''),
		    bank_code = NULLIF($3, ''),
		    account_number = NULLIF($4, ''),
		    account_holder = NULLIF($5, ''),
		    transferred_at = $6
		WHERE id = $1
	`, payoutID, info.TransferReference, info.BankCode, info.AccountNumber, info.AccountHolder, transferredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

// MarkBatchLinesPaid moves a payee's lines in a batch to paid.
func (r *PostgresRepository) MarkBatchLinesPaid(ctx context.Context, batchID, creatorID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_creator_shares SET payout_status = 'paid'
		WHERE payout_batch_id = $1 AND creator_id = $2 AND payout_status = 'pending'
	`, batchID, creatorID)
	if err != nil {
		return 0, fmt.Errorf("mark creator shares paid: %w", err)
	}
	paid := tag.RowsAffected()

	tag, err = r.db.Exec(ctx, `
		UPDATE settlement_growth_shares SET payout_status = 'paid'
		WHERE payout_batch_id = $1 AND referrer_id = $2 AND payout_status = 'pending'
	`, batchID, creatorID)
	if err != nil {
		return 0, fmt.Errorf("mark growth shares paid: %w", err)
	}
	return paid + tag.RowsAffected(), nil
}

// GetPayoutStats summarizes batch payout records by status.
func (r *PostgresRepository) GetPayoutStats(ctx context.Context) (*domain.PayoutStats, error) {
	var stats domain.PayoutStats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'deferred'),
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'pending'), 0),
			COALESCE(SUM(gross_amount) FILTER (WHERE status = 'deferred'), 0)
		FROM settlement_payouts
		WHERE batch_id IS NOT NULL
	`).Scan(
		&stats.CompletedCount, &stats.PendingCount, &stats.DeferredCount,
		&stats.TotalPaid, &stats.PendingAmount, &stats.DeferredAmount,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// SumLifetimeEarnings totals every creator share and referrer amount of a payee.
func (r *PostgresRepository) SumLifetimeEarnings(ctx context.Context, creatorID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(share_amount), 0) FROM settlement_creator_shares WHERE creator_id = $1)
			+ (SELECT COALESCE(SUM(referrer_amount), 0) FROM settlement_growth_shares WHERE referrer_id = $1)
	`, creatorID).Scan(&total)
	return total, err
}

// SumDeductionsSince totals completed deductions of a payee created at or after since.
func (r *PostgresRepository) SumDeductionsSince(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(deduction_amount), 0)
		FROM settlement_payouts
		WHERE creator_id = $1 AND status = 'completed' AND created_at >= $2
	`, creatorID, since).Scan(&total)
	return total, err
}

// InsertDeductionLiability records an uncollected deduction shortfall.
func (r *PostgresRepository) InsertDeductionLiability(ctx context.Context, liability domain.DeductionLiability) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settlement_deduction_liabilities (id, creator_id, event_id, reason, amount, outstanding_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, liability.ID, liability.CreatorID, liability.EventID, liability.Reason, liability.Amount, liability.OutstandingAmount, liability.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deduction liability: %w", err)
	}
	return nil
}

// ListOutstandingLiabilities returns a payee's open liabilities, oldest first.
func (r *PostgresRepository) ListOutstandingLiabilities(ctx context.Context, creatorID string) ([]domain.DeductionLiability, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::TEXT, creator_id, event_id, reason, amount, outstanding_amount, created_at, settled_at
		FROM settlement_deduction_liabilities
		WHERE creator_id = $1 AND outstanding_amount > 0
		ORDER BY created_at, id
		FOR UPDATE
	`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var liabilities []domain.DeductionLiability
	for rows.Next() {
		var l domain.DeductionLiability
		if err := rows.Scan(&l.ID, &l.CreatorID, &l.EventID, &l.Reason, &l.Amount, &l.OutstandingAmount, &l.CreatedAt, &l.SettledAt); err != nil {
			return nil, err
		}
		liabilities = append(liabilities, l)
	}
	return liabilities, rows.Err()
}

// ListCreatorsWithLiabilities returns payees that still owe deductions.
func (r *PostgresRepository) ListCreatorsWithLiabilities(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT creator_id FROM settlement_deduction_liabilities
		WHERE outstanding_amount > 0
		ORDER BY creator_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReduceLiability subtracts a collected amount, stamping settled_at when it reaches zero.
func (r *PostgresRepository) ReduceLiability(ctx context.Context, liabilityID string, amount int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE settlement_deduction_liabilities
		SET outstanding_amount = GREATEST(outstanding_amount - $2, 0),
		    settled_at = CASE WHEN outstanding_amount - $2 <= 0 THEN $3 ELSE settled_at END
		WHERE id = $1
	`, liabilityID, amount, at)
	return err
}

func scanBatch(row pgx.Row) (*domain.PayoutBatch, error) {
	var b domain.PayoutBatch
	err := row.Scan(&b.ID, &b.BatchDate, &b.MinPayout, &b.Status, &b.TotalCreators, &b.TotalAmount, &b.ConfirmedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanPayout(row pgx.Row) (*domain.PayoutRecord, error) {
	var p domain.PayoutRecord
	err := row.Scan(
		&p.ID, &p.BatchID, &p.CreatorID, &p.GrossAmount, &p.DeductionAmount, &p.NetAmount, &p.Status, &p.ShareCount,
		&p.DeferredReason, &p.EventID, &p.TransferReference, &p.BankCode, &p.AccountNumber, &p.AccountHolder,
		&p.TransferredAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
