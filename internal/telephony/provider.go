package telephony

import (
	"context"
	"iter"
	"math"
	"strings"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/calls"
)

// Provider is the narrow pull interface the ingestion cycle uses.
//
// Rules:
//   - No provider HTTP calls outside this package.
//   - Failures are wrapped in apperr.ErrUpstream.
type Provider interface {
	// FetchCallsSince lazily pages through calls updated at or after cursor,
	// in ascending ChangedAt order. A zero cursor fetches from the beginning.
	FetchCallsSince(ctx context.Context, cursor time.Time) iter.Seq2[RawCallEvent, error]

	// FetchCallDetail returns one call. An unknown id is apperr.ErrNotFound.
	FetchCallDetail(ctx context.Context, callID string) (RawCallEvent, error)
}

// RawCallEvent is a call as the provider reports it.
type RawCallEvent struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`

	// DurationSeconds may be fractional and is absent until the call ends.
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	RecordingURL string `json:"recording_url,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Summary      string `json:"summary,omitempty"`
	PathwayID    string `json:"pathway_id,omitempty"`
}

// ChangedAt is the instant the ingestion cursor advances to.
func (e RawCallEvent) ChangedAt() time.Time {
	switch {
	case e.UpdatedAt != nil:
		return e.UpdatedAt.UTC()
	case e.EndedAt != nil:
		return e.EndedAt.UTC()
	case e.StartedAt != nil:
		return e.StartedAt.UTC()
	}
	return time.Time{}
}

// NeedsDetail reports whether a completed event lacks the final duration.
func (e RawCallEvent) NeedsDetail() bool {
	s, err := normalizeStatus(e.Status)
	return err == nil && s == calls.CallStatusCompleted && e.DurationSeconds == nil
}

var statusAliases = map[string]calls.CallStatus{
	"queued":      calls.CallStatusInProgress,
	"initiated":   calls.CallStatusInProgress,
	"ringing":     calls.CallStatusInProgress,
	"started":     calls.CallStatusInProgress,
	"in-progress": calls.CallStatusInProgress,
	"in_progress": calls.CallStatusInProgress,
	"completed":   calls.CallStatusCompleted,
	"complete":    calls.CallStatusCompleted,
	"ended":       calls.CallStatusCompleted,
	"failed":      calls.CallStatusFailed,
	"busy":        calls.CallStatusFailed,
	"canceled":    calls.CallStatusFailed,
	"cancelled":   calls.CallStatusFailed,
	"error":       calls.CallStatusFailed,
	"no-answer":   calls.CallStatusNoAnswer,
	"no_answer":   calls.CallStatusNoAnswer,
}

func normalizeStatus(raw string) (calls.CallStatus, error) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", apperr.Invalid("unknown provider status %q", raw)
	}
	return s, nil
}

// Normalize converts the event into a CallRecord. Malformed events (missing
// ids, unknown status, negative duration) fail with apperr.ErrInvalidInput.
func (e RawCallEvent) Normalize() (calls.CallRecord, error) {
	callID := strings.TrimSpace(e.CallID)
	if callID == "" {
		return calls.CallRecord{}, apperr.Invalid("event without call_id")
	}
	userID := strings.TrimSpace(e.UserID)
	if userID == "" {
		return calls.CallRecord{}, apperr.Invalid("call %s without user_id", callID)
	}
	status, err := normalizeStatus(e.Status)
	if err != nil {
		return calls.CallRecord{}, err
	}
	if e.StartedAt == nil || e.StartedAt.IsZero() {
		return calls.CallRecord{}, apperr.Invalid("call %s without started_at", callID)
	}

	r := calls.CallRecord{
		CallID:       callID,
		UserID:       userID,
		ToNumber:     strings.TrimSpace(e.To),
		FromNumber:   strings.TrimSpace(e.From),
		Status:       status,
		StartedAt:    e.StartedAt.UTC(),
		RecordingURL: e.RecordingURL,
		Transcript:   e.Transcript,
		Summary:      e.Summary,
		PathwayID:    e.PathwayID,
	}
	if e.DurationSeconds != nil {
		d := *e.DurationSeconds
		if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return calls.CallRecord{}, apperr.Invalid("call %s has bad duration %v", callID, d)
		}
		// Partial seconds count as a full second.
		secs := int64(math.Ceil(d))
		r.DurationSeconds = &secs
	}
	if e.EndedAt != nil && !e.EndedAt.IsZero() {
		end := e.EndedAt.UTC()
		r.EndedAt = &end
	}
	return r, nil
}
