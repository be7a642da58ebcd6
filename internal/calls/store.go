package calls

import (
	"context"
	"iter"
	"strings"
	"time"

	"call-billing/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100

	// unbilledBatch is the keyset page size used by Unbilled.
	unbilledBatch = 200
)

// Store persists call records.
//
// Upsert must be an atomic per-call_id merge, never read-then-write.
// Failures are returned wrapped in apperr.ErrStorage.
type Store interface {
	Upsert(ctx context.Context, r CallRecord) (CallRecord, error)
	Get(ctx context.Context, callID string) (CallRecord, error)
	ListForUser(ctx context.Context, userID string, f Filter, limit, offset int) ([]CallRecord, int, error)

	// Unbilled yields completed, unbilled records with a final duration whose
	// end (or start) is before cutoff. The sequence is finite and lazy.
	Unbilled(ctx context.Context, cutoff time.Time) iter.Seq2[CallRecord, error]

	// MarkBilled sets billed=true and cost_cents if the record is not billed yet.
	MarkBilled(ctx context.Context, callID string, costCents int64) error
}

// Filter narrows ListForUser. Zero values mean "no filter".
type Filter struct {
	Status      CallStatus
	PhoneNumber string
	From        time.Time
	To          time.Time
}

// Validate rejects malformed filters.
func (f Filter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return apperr.Invalid("unknown status %q", f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return apperr.Invalid("end date before start date")
	}
	return nil
}

func (f Filter) matches(r CallRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.PhoneNumber != "" && r.ToNumber != f.PhoneNumber && r.FromNumber != f.PhoneNumber {
		return false
	}
	if !f.From.IsZero() && r.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.StartedAt.After(f.To) {
		return false
	}
	return true
}

// NormalizePage applies the default limit, clamps to MaxLimit and rejects a
// negative offset.
func NormalizePage(limit, offset int) (int, int, error) {
	if limit < 0 {
		return 0, 0, apperr.Invalid("limit must be >= 0, got %d", limit)
	}
	if offset < 0 {
		return 0, 0, apperr.Invalid("offset must be >= 0, got %d", offset)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit, offset, nil
}

// validateUpsert checks the fields every stored record must carry.
func validateUpsert(r CallRecord) error {
	if strings.TrimSpace(r.CallID) == "" {
		return apperr.Invalid("call_id required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return apperr.Invalid("user_id required")
	}
	if !r.Status.Valid() {
		return apperr.Invalid("unknown status %q", r.Status)
	}
	if r.StartedAt.IsZero() {
		return apperr.Invalid("started_at required")
	}
	if r.DurationSeconds != nil && *r.DurationSeconds < 0 {
		return apperr.Invalid("duration_seconds must be >= 0")
	}
	return nil
}

// merge folds incoming into existing the same way the Postgres upsert does:
// non-empty incoming fields win, user_id and billing fields stay, a finished
// status is not reopened and a duration never shrinks.
func merge(existing, incoming CallRecord, now time.Time) CallRecord {
	out := existing
	if incoming.ToNumber != "" {
		out.ToNumber = incoming.ToNumber
	}
	if incoming.FromNumber != "" {
		out.FromNumber = incoming.FromNumber
	}
	// A late in-progress event never reopens a finished call.
	if !(incoming.Status == CallStatusInProgress && existing.Status != CallStatusInProgress) {
		out.Status = incoming.Status
	}
	if incoming.DurationSeconds != nil {
		if out.DurationSeconds == nil || *incoming.DurationSeconds > *out.DurationSeconds {
			d := *incoming.DurationSeconds
			out.DurationSeconds = &d
		}
	}
	out.StartedAt = incoming.StartedAt
	if incoming.EndedAt != nil {
		e := *incoming.EndedAt
		out.EndedAt = &e
	}
	if incoming.RecordingURL != "" {
		out.RecordingURL = incoming.RecordingURL
	}
	if incoming.Transcript != "" {
		out.Transcript = incoming.Transcript
	}
	if incoming.Summary != "" {
		out.Summary = incoming.Summary
	}
	if incoming.PathwayID != "" {
		out.PathwayID = incoming.PathwayID
	}
	out.UpdatedAt = now
	return out
}
