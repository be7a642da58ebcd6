package wallet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/audit"

	"github.com/google/uuid"
)

const (
	DefaultEntryLimit = 50
	MaxEntryLimit     = 100
)

// Service provides wallet operations.
//
// Money invariants:
//   - No balance change without a ledger entry, in the same transaction.
//   - The ledger is append-only.
//   - At most one entry per (user_id, reason, reference_id).
//
// Insufficient funds never blocks a debit: calls are billed after the fact,
// so an overdraft is logged and audited instead.
type Service struct {
	repo  Repository
	audit *audit.Service
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, auditSvc *audit.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:  repo,
		audit: auditSvc,
		log:   log.With("component", "wallet"),
		clock: time.Now,
	}
}

// GetBalance returns the user's wallet, creating an empty one on first use.
func (s *Service) GetBalance(ctx context.Context, userID string) (Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return Wallet{}, apperr.Invalid("user_id required")
	}
	return s.repo.EnsureWallet(ctx, userID, s.clock().UTC())
}

// ApplyEntry posts deltaCents to the user's wallet once per idempotency key.
func (s *Service) ApplyEntry(ctx context.Context, userID string, deltaCents int64, reason Reason, referenceID string) (ApplyResult, error) {
	if err := validateEntry(userID, deltaCents, reason, referenceID); err != nil {
		return ApplyResult{}, err
	}

	e := Entry{
		ID:          uuid.NewString(),
		UserID:      userID,
		DeltaCents:  deltaCents,
		Reason:      reason,
		ReferenceID: referenceID,
		CreatedAt:   s.clock().UTC(),
	}
	res, err := s.repo.Apply(ctx, e)
	if err != nil {
		return ApplyResult{}, err
	}

	if res.Applied && deltaCents < 0 && res.BalanceCents < 0 {
		s.log.Warn("wallet overdraft",
			"user_id", userID,
			"reason", string(reason),
			"reference_id", referenceID,
			"delta_cents", deltaCents,
			"balance_cents", res.BalanceCents,
		)
		if s.audit != nil {
			if err := s.audit.LogOverdraft(ctx, userID, referenceID, deltaCents, res.BalanceCents); err != nil {
				s.log.Error("audit overdraft failed", "user_id", userID, "err", err)
			}
		}
	}
	return res, nil
}

func validateEntry(userID string, deltaCents int64, reason Reason, referenceID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Invalid("user_id required")
	}
	if strings.TrimSpace(referenceID) == "" {
		return apperr.Invalid("reference_id required")
	}
	switch reason {
	case ReasonCallCost:
		// Zero is allowed so a free call is still recorded as billed.
		if deltaCents > 0 {
			return apperr.Invalid("call-cost delta must be <= 0, got %d", deltaCents)
		}
	case ReasonTopUp:
		if deltaCents <= 0 {
			return apperr.Invalid("top-up delta must be > 0, got %d", deltaCents)
		}
	case ReasonAdjustment:
		if deltaCents == 0 {
			return apperr.Invalid("adjustment delta must be non-zero")
		}
	default:
		return apperr.Invalid("unknown reason %q", reason)
	}
	return nil
}

// ListEntries returns the newest entries first. limit 0 means
// DefaultEntryLimit; larger than MaxEntryLimit is clamped.
func (s *Service) ListEntries(ctx context.Context, userID string, f EntryFilter, limit int) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Invalid("user_id required")
	}
	if f.Reason != "" && !f.Reason.Valid() {
		return nil, apperr.Invalid("unknown reason %q", f.Reason)
	}
	switch {
	case limit < 0:
		return nil, apperr.Invalid("limit must be >= 0, got %d", limit)
	case limit == 0:
		limit = DefaultEntryLimit
	case limit > MaxEntryLimit:
		limit = MaxEntryLimit
	}
	return s.repo.ListEntries(ctx, userID, f, limit)
}

// SumEntries is the ledger sum for userID; it always equals the balance.
func (s *Service) SumEntries(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperr.Invalid("user_id required")
	}
	return s.repo.SumEntries(ctx, userID)
}

// AdjustRequest is an operator-initiated top-up or adjustment.
// ReferenceID is the caller's idempotency key.
type AdjustRequest struct {
	UserID      string `json:"-"`
	DeltaCents  int64  `json:"delta_cents"`
	Reason      Reason `json:"reason"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`

	ActorUserID string `json:"-"`
	ActorRole   string `json:"-"`
	IPAddress   string `json:"-"`
}

// Adjust applies an operator adjustment and audits it. A replayed request
// returns Applied=false and is not audited again.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (ApplyResult, error) {
	if req.ActorUserID == "" || req.ActorRole == "" {
		return ApplyResult{}, apperr.Invalid("actor required")
	}
	if req.Reason != ReasonTopUp && req.Reason != ReasonAdjustment {
		return ApplyResult{}, apperr.Invalid("reason must be top-up or adjustment")
	}
	if strings.TrimSpace(req.Note) == "" {
		return ApplyResult{}, apperr.Invalid("note required")
	}

	res, err := s.ApplyEntry(ctx, req.UserID, req.DeltaCents, req.Reason, req.ReferenceID)
	if err != nil {
		return ApplyResult{}, err
	}
	if !res.Applied {
		return res, nil
	}

	s.log.Info("wallet adjusted",
		"user_id", req.UserID,
		"actor_user_id", req.ActorUserID,
		"reason", string(req.Reason),
		"delta_cents", req.DeltaCents,
		"balance_cents", res.BalanceCents,
	)
	if s.audit != nil {
		err := s.audit.LogWalletAdjustment(ctx, audit.WalletAdjustment{
			UserID:       req.UserID,
			ActorUserID:  req.ActorUserID,
			ActorRole:    req.ActorRole,
			IPAddress:    req.IPAddress,
			EntryID:      res.Entry.ID,
			DeltaCents:   req.DeltaCents,
			BalanceCents: res.BalanceCents,
			Note:         req.Note,
		})
		if err != nil {
			s.log.Error("audit adjustment failed", "user_id", req.UserID, "err", err)
		}
	}
	return res, nil
}
