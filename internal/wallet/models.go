package wallet

import "time"

// Wallet is a per-user prepaid balance.
//
// BalanceCents is a materialized sum of the user's ledger entries. It is only
// changed in the same transaction that inserts an entry.
type Wallet struct {
	UserID       string    `json:"user_id" db:"user_id"`
	BalanceCents int64     `json:"balance_cents" db:"balance_cents"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Entry is an immutable append-only ledger row.
//
// (UserID, Reason, ReferenceID) is the idempotency key. For call-cost entries
// ReferenceID is the call_id.
type Entry struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// DeltaCents is signed: debits are negative.
	DeltaCents  int64     `json:"delta_cents" db:"delta_cents"`
	Reason      Reason    `json:"reason" db:"reason"`
	ReferenceID string    `json:"reference_id" db:"reference_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Reason string

const (
	ReasonCallCost   Reason = "call-cost"
	ReasonTopUp      Reason = "top-up"
	ReasonAdjustment Reason = "adjustment"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonCallCost, ReasonTopUp, ReasonAdjustment:
		return true
	default:
		return false
	}
}

// ApplyResult is returned by ApplyEntry.
//
// Applied is false when the idempotency key already existed; Entry is then the
// previously stored entry and BalanceCents the current balance.
type ApplyResult struct {
	Applied      bool  `json:"applied"`
	BalanceCents int64 `json:"balance_cents"`
	Entry        Entry `json:"entry"`
}

// EntryFilter narrows ListEntries. An empty Reason lists all entries.
type EntryFilter struct {
	Reason Reason
}
