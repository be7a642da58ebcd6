package audit

import "time"

// Event is an immutable, append-only audit record.
//
// Events are never updated or deleted. UserID is the wallet owner the event
// concerns; actor fields are set only for operator-initiated actions.
type Event struct {
	ID     string    `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	Type   EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CallID      string `json:"call_id,omitempty" db:"call_id"`
	ReferenceID string `json:"reference_id,omitempty" db:"reference_id"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is a JSON object (JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWalletAdjustment EventType = "wallet_adjustment"
	EventTypeWalletOverdraft  EventType = "wallet_overdraft"
	EventTypeDurationAnomaly  EventType = "duration_anomaly"
)
