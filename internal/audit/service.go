package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information.
//
// Audit is internal-only and best-effort: callers log a failed Append and
// carry on, a money operation is never rolled back because of it.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.UserID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// WalletAdjustment describes an operator top-up or adjustment.
type WalletAdjustment struct {
	UserID       string
	ActorUserID  string
	ActorRole    string
	IPAddress    string
	EntryID      string
	DeltaCents   int64
	BalanceCents int64
	Note         string
}

func (s *Service) LogWalletAdjustment(ctx context.Context, a WalletAdjustment) error {
	return s.Append(ctx, Event{
		UserID:      a.UserID,
		Type:        EventTypeWalletAdjustment,
		ActorUserID: a.ActorUserID,
		ActorRole:   a.ActorRole,
		IPAddress:   a.IPAddress,
		ReferenceID: a.EntryID,
		Message:     a.Note,
		Metadata: metadata(map[string]any{
			"delta_cents":   a.DeltaCents,
			"balance_cents": a.BalanceCents,
		}),
	})
}

// LogOverdraft records a debit that left a wallet below zero.
func (s *Service) LogOverdraft(ctx context.Context, userID, referenceID string, deltaCents, balanceCents int64) error {
	return s.Append(ctx, Event{
		UserID:      userID,
		Type:        EventTypeWalletOverdraft,
		ReferenceID: referenceID,
		Message:     "wallet balance below zero",
		Metadata: metadata(map[string]any{
			"delta_cents":   deltaCents,
			"balance_cents": balanceCents,
		}),
	})
}

// LogDurationAnomaly records a provider event reporting a shorter duration
// than the one already stored for the call.
func (s *Service) LogDurationAnomaly(ctx context.Context, userID, callID string, storedSeconds, incomingSeconds int64) error {
	return s.Append(ctx, Event{
		UserID:  userID,
		Type:    EventTypeDurationAnomaly,
		CallID:  callID,
		Message: "provider reported a shorter duration",
		Metadata: metadata(map[string]any{
			"stored_seconds":   storedSeconds,
			"incoming_seconds": incomingSeconds,
		}),
	})
}

func metadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
