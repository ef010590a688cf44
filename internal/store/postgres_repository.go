/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx/v5.
 */
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Advisory lock keys serializing read-modify-write sequences.
const (
	riskPoolLockKey    int64 = 0x5354_4c52_4953_4b00
	payoutBatchLockKey int64 = 0x5354_4c42_4154_4300
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresRepository is the concrete implementation of the Repository interface.
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn inside a transaction, or a savepoint when already in one.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema files in name order.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := r.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// LoadRates returns every persisted constant override.
func (r *PostgresRepository) LoadRates(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM settlement_constants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, rows.Err()
}

// SaveRates upserts constant overrides in one transaction.
func (r *PostgresRepository) SaveRates(ctx context.Context, values map[string]string, description *string) error {
	return r.WithinTx(ctx, func(repo Repository) error {
		tx := repo.(*PostgresRepository)
		for key, value := range values {
			_, err := tx.db.Exec(ctx, `
				INSERT INTO settlement_constants (key, value, description, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (key) DO UPDATE SET
					value = EXCLUDED.value,
					description = COALESCE(EXCLUDED.description, settlement_constants.description),
					updated_at = NOW()
			`, key, value, description)
			if err != nil {
				return fmt.Errorf("upsert constant %s: %w", key, err)
			}
		}
		return nil
	})
}

func (r *PostgresRepository) advisoryLock(ctx context.Context, key int64) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapNoRows converts pgx.ErrNoRows into the given domain error.
func mapNoRows(err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return err
}

// dateOnly truncates t to midnight UTC, the form DATE columns are compared in.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
