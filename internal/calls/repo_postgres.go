package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"call-billing/internal/apperr"
)

// NOTE: PostgresStore assumes the call_records table from internal/migrations,
// with call_id as primary key.

const recordColumns = `call_id, user_id, to_number, from_number, status, duration_seconds,
       started_at, ended_at, recording_url, transcript, summary, pathway_id,
       cost_cents, billed, created_at, updated_at`

// PostgresStore is the database/sql (pgx stdlib) implementation of Store.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

var _ Store = (*PostgresStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var (
		r        CallRecord
		duration sql.NullInt64
		endedAt  sql.NullTime
		cost     sql.NullInt64
	)
	if err := row.Scan(
		&r.CallID,
		&r.UserID,
		&r.ToNumber,
		&r.FromNumber,
		&r.Status,
		&duration,
		&r.StartedAt,
		&endedAt,
		&r.RecordingURL,
		&r.Transcript,
		&r.Summary,
		&r.PathwayID,
		&cost,
		&r.Billed,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if duration.Valid {
		d := duration.Int64
		r.DurationSeconds = &d
	}
	if endedAt.Valid {
		e := endedAt.Time
		r.EndedAt = &e
	}
	if cost.Valid {
		c := cost.Int64
		r.CostCents = &c
	}
	return r, nil
}

// Upsert merges r into call_records in one statement. Incoming empty strings
// and NULLs keep the stored value; billed and cost_cents are never written.
func (s *PostgresStore) Upsert(ctx context.Context, r CallRecord) (CallRecord, error) {
	if err := validateUpsert(r); err != nil {
		return CallRecord{}, err
	}
	const q = `
INSERT INTO call_records (
  call_id, user_id, to_number, from_number, status, duration_seconds,
  started_at, ended_at, recording_url, transcript, summary, pathway_id,
  billed, cost_cents, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,false,NULL,$13,$13
)
ON CONFLICT (call_id) DO UPDATE SET
  to_number        = COALESCE(NULLIF(EXCLUDED.to_number, ''), call_records.to_number),
  from_number      = COALESCE(NULLIF(EXCLUDED.from_number, ''), call_records.from_number),
  status           = CASE
                       WHEN EXCLUDED.status = 'in-progress' AND call_records.status <> 'in-progress'
                         THEN call_records.status
                       ELSE EXCLUDED.status
                     END,
  duration_seconds = CASE
                       WHEN EXCLUDED.duration_seconds IS NULL THEN call_records.duration_seconds
                       WHEN call_records.duration_seconds IS NULL THEN EXCLUDED.duration_seconds
                       ELSE GREATEST(call_records.duration_seconds, EXCLUDED.duration_seconds)
                     END,
  started_at       = EXCLUDED.started_at,
  ended_at         = COALESCE(EXCLUDED.ended_at, call_records.ended_at),
  recording_url    = COALESCE(NULLIF(EXCLUDED.recording_url, ''), call_records.recording_url),
  transcript       = COALESCE(NULLIF(EXCLUDED.transcript, ''), call_records.transcript),
  summary          = COALESCE(NULLIF(EXCLUDED.summary, ''), call_records.summary),
  pathway_id       = COALESCE(NULLIF(EXCLUDED.pathway_id, ''), call_records.pathway_id),
  updated_at       = EXCLUDED.updated_at
RETURNING ` + recordColumns

	now := s.clock().UTC()
	row := s.db.QueryRowContext(ctx, q,
		r.CallID,
		r.UserID,
		r.ToNumber,
		r.FromNumber,
		r.Status,
		nullInt64(r.DurationSeconds),
		r.StartedAt.UTC(),
		nullTime(r.EndedAt),
		r.RecordingURL,
		r.Transcript,
		r.Summary,
		r.PathwayID,
		now,
	)
	out, err := scanRecord(row)
	if err != nil {
		return CallRecord{}, apperr.Storage("calls.upsert", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE call_id = $1`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, apperr.ErrNotFound
		}
		return CallRecord{}, apperr.Storage("calls.get", err)
	}
	return r, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string, f Filter, limit, offset int) ([]CallRecord, int, error) {
	if userID == "" {
		return nil, 0, apperr.Invalid("user_id required")
	}
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	limit, offset, err := NormalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}

	where, args := buildListWhere(userID, f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Storage("calls.list_count", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM call_records WHERE %s ORDER BY started_at DESC, call_id LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, apperr.Storage("calls.list", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, apperr.Storage("calls.list_scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Storage("calls.list_rows", err)
	}
	return out, total, nil
}

// buildListWhere renders the WHERE clause and positional args for ListForUser.
func buildListWhere(userID string, f Filter) (string, []any) {
	conds := []string{"user_id = $1"}
	args := []any{userID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PhoneNumber != "" {
		args = append(args, f.PhoneNumber)
		conds = append(conds, fmt.Sprintf("(to_number = $%d OR from_number = $%d)", len(args), len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		conds = append(conds, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		conds = append(conds, fmt.Sprintf("started_at <= $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// Unbilled pages through eligible rows by call_id. Each page is fully read
// before yielding so no connection is held while the caller works.
func (s *PostgresStore) Unbilled(ctx context.Context, cutoff time.Time) iter.Seq2[CallRecord, error] {
	return func(yield func(CallRecord, error) bool) {
		after := ""
		for {
			batch, err := s.unbilledBatch(ctx, cutoff, after, unbilledBatch)
			if err != nil {
				yield(CallRecord{}, err)
				return
			}
			for _, r := range batch {
				if !yield(r, nil) {
					return
				}
			}
			if len(batch) < unbilledBatch {
				return
			}
			after = batch[len(batch)-1].CallID
		}
	}
}

func (s *PostgresStore) unbilledBatch(ctx context.Context, cutoff time.Time, after string, n int) ([]CallRecord, error) {
	q := `SELECT ` + recordColumns + `
FROM call_records
WHERE billed = false
  AND status = 'completed'
  AND duration_seconds IS NOT NULL
  AND COALESCE(ended_at, started_at) < $1
  AND call_id > $2
ORDER BY call_id
LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, cutoff.UTC(), after, n)
	if err != nil {
		return nil, apperr.Storage("calls.unbilled", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0, n)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Storage("calls.unbilled_scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("calls.unbilled_rows", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkBilled(ctx context.Context, callID string, costCents int64) error {
	const q = `
UPDATE call_records
SET billed = true, cost_cents = $2, updated_at = $3
WHERE call_id = $1 AND billed = false
`
	res, err := s.db.ExecContext(ctx, q, callID, costCents, s.clock().UTC())
	if err != nil {
		return apperr.Storage("calls.mark_billed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Storage("calls.mark_billed", err)
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either already billed (fine) or unknown call.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_records WHERE call_id = $1)`, callID).Scan(&exists); err != nil {
		return apperr.Storage("calls.mark_billed_exists", err)
	}
	if !exists {
		return apperr.ErrNotFound
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
