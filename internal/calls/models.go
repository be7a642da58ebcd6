package calls

import "time"

// CallRecord is the normalized representation of one phone call fetched from
// the telephony provider.
//
// CallID is the natural key. Re-ingesting the same CallID merges fields into
// the existing row. Billed and CostCents are owned by the reconciler:
// Billed == true implies CostCents != nil and a call-cost ledger entry exists.
type CallRecord struct {
	CallID string `json:"call_id" db:"call_id"`
	UserID string `json:"user_id" db:"user_id"`

	// ToNumber and FromNumber are E.164 where possible.
	ToNumber   string `json:"to_number" db:"to_number"`
	FromNumber string `json:"from_number" db:"from_number"`

	Status CallStatus `json:"status" db:"status"`

	// DurationSeconds is nil until the call ends.
	DurationSeconds *int64 `json:"duration_seconds" db:"duration_seconds"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string `json:"transcript,omitempty" db:"transcript"`
	Summary      string `json:"summary,omitempty" db:"summary"`

	// PathwayID references a call-flow definition owned by another system.
	PathwayID string `json:"pathway_id,omitempty" db:"pathway_id"`

	CostCents *int64 `json:"cost_cents" db:"cost_cents"`
	Billed    bool   `json:"billed" db:"billed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
)

// Valid reports whether s is one of the known statuses.
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInProgress, CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// Billable reports whether the record is final and can be reconciled.
func (r CallRecord) Billable() bool {
	return r.Status == CallStatusCompleted && r.DurationSeconds != nil && !r.Billed
}

// billableAt is the instant a record is compared against the unbilled cutoff.
func (r CallRecord) billableAt() time.Time {
	if r.EndedAt != nil {
		return *r.EndedAt
	}
	return r.StartedAt
}
