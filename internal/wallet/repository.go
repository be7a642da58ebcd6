package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call-billing/internal/apperr"
	"call-billing/pkg/utils"
)

// Repository persists wallets and ledger entries.
//
// Apply must insert the entry and move the balance in one transaction, and do
// neither when the idempotency key is already present.
type Repository interface {
	EnsureWallet(ctx context.Context, userID string, now time.Time) (Wallet, error)
	Apply(ctx context.Context, e Entry) (ApplyResult, error)
	ListEntries(ctx context.Context, userID string, f EntryFilter, limit int) ([]Entry, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
}

// NOTE: PostgresRepo assumes the wallets and wallet_ledger tables from
// internal/migrations, with UNIQUE (user_id, reason, reference_id) on the
// ledger.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

var _ Repository = (*PostgresRepo)(nil)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureWallet(ctx context.Context, q execQuerier, userID string, now time.Time) error {
	const stmt = `
INSERT INTO wallets (user_id, balance_cents, created_at, updated_at)
VALUES ($1, 0, $2, $2)
ON CONFLICT (user_id) DO NOTHING
`
	_, err := q.ExecContext(ctx, stmt, userID, now)
	return err
}

func getWallet(ctx context.Context, q execQuerier, userID string) (Wallet, error) {
	const stmt = `
SELECT user_id, balance_cents, created_at, updated_at
FROM wallets
WHERE user_id = $1
`
	var w Wallet
	if err := q.QueryRowContext(ctx, stmt, userID).Scan(
		&w.UserID,
		&w.BalanceCents,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, apperr.ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func (r *PostgresRepo) EnsureWallet(ctx context.Context, userID string, now time.Time) (Wallet, error) {
	if err := ensureWallet(ctx, r.db, userID, now); err != nil {
		return Wallet{}, apperr.Storage("wallet.ensure", err)
	}
	w, err := getWallet(ctx, r.db, userID)
	if err != nil {
		return Wallet{}, apperr.Storage("wallet.get", err)
	}
	return w, nil
}

func (r *PostgresRepo) Apply(ctx context.Context, e Entry) (ApplyResult, error) {
	var out ApplyResult

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureWallet(ctx, tx, e.UserID, e.CreatedAt); err != nil {
			return fmt.Errorf("ensure wallet: %w", err)
		}

		const insert = `
INSERT INTO wallet_ledger (id, user_id, delta_cents, reason, reference_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (user_id, reason, reference_id) DO NOTHING
RETURNING id
`
		var id string
		err := tx.QueryRowContext(ctx, insert,
			e.ID,
			e.UserID,
			e.DeltaCents,
			e.Reason,
			e.ReferenceID,
			e.CreatedAt,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Key already present: report the stored entry, leave the balance alone.
			existing, err := findEntry(ctx, tx, e.UserID, e.Reason, e.ReferenceID)
			if err != nil {
				return fmt.Errorf("find entry: %w", err)
			}
			w, err := getWallet(ctx, tx, e.UserID)
			if err != nil {
				return fmt.Errorf("get wallet: %w", err)
			}
			out = ApplyResult{Applied: false, BalanceCents: w.BalanceCents, Entry: existing}
			return nil
		case err != nil:
			return fmt.Errorf("insert entry: %w", err)
		}

		const update = `
UPDATE wallets
SET balance_cents = balance_cents + $2, updated_at = $3
WHERE user_id = $1
RETURNING balance_cents
`
		var balance int64
		if err := tx.QueryRowContext(ctx, update, e.UserID, e.DeltaCents, e.CreatedAt).Scan(&balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		out = ApplyResult{Applied: true, BalanceCents: balance, Entry: e}
		return nil
	})
	if err != nil {
		return ApplyResult{}, apperr.Storage("wallet.apply", err)
	}
	return out, nil
}

func findEntry(ctx context.Context, tx *sql.Tx, userID string, reason Reason, referenceID string) (Entry, error) {
	const q = `
SELECT id, user_id, delta_cents, reason, reference_id, created_at
FROM wallet_ledger
WHERE user_id = $1 AND reason = $2 AND reference_id = $3
`
	var e Entry
	err := tx.QueryRowContext(ctx, q, userID, reason, referenceID).Scan(
		&e.ID,
		&e.UserID,
		&e.DeltaCents,
		&e.Reason,
		&e.ReferenceID,
		&e.CreatedAt,
	)
	return e, err
}

func (r *PostgresRepo) ListEntries(ctx context.Context, userID string, f EntryFilter, limit int) ([]Entry, error) {
	q := `
SELECT id, user_id, delta_cents, reason, reference_id, created_at
FROM wallet_ledger
WHERE user_id = $1 AND ($2 = '' OR reason = $2)
ORDER BY created_at DESC, id
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, userID, string(f.Reason), limit)
	if err != nil {
		return nil, apperr.Storage("wallet.list_entries", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeltaCents, &e.Reason, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, apperr.Storage("wallet.list_entries_scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("wallet.list_entries_rows", err)
	}
	return out, nil
}

func (r *PostgresRepo) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta_cents), 0) FROM wallet_ledger WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, apperr.Storage("wallet.sum_entries", err)
	}
	return sum, nil
}
