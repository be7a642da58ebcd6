package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"call-billing/internal/apperr"
)

type entryKey struct {
	userID      string
	reason      Reason
	referenceID string
}

// MemoryRepo is an in-memory Repository for tests and local runs. One mutex
// stands in for the Postgres transaction and unique constraint.
type MemoryRepo struct {
	mu      sync.Mutex
	wallets map[string]Wallet
	entries []Entry
	byKey   map[entryKey]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		wallets: map[string]Wallet{},
		byKey:   map[entryKey]int{},
	}
}

var _ Repository = (*MemoryRepo)(nil)

func (r *MemoryRepo) ensureLocked(userID string, now time.Time) Wallet {
	w, ok := r.wallets[userID]
	if !ok {
		w = Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
		r.wallets[userID] = w
	}
	return w
}

func (r *MemoryRepo) EnsureWallet(ctx context.Context, userID string, now time.Time) (Wallet, error) {
	if err := ctx.Err(); err != nil {
		return Wallet{}, apperr.Storage("wallet.ensure", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(userID, now), nil
}

func (r *MemoryRepo) Apply(ctx context.Context, e Entry) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, apperr.Storage("wallet.apply", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.ensureLocked(e.UserID, e.CreatedAt)
	k := entryKey{e.UserID, e.Reason, e.ReferenceID}
	if i, ok := r.byKey[k]; ok {
		return ApplyResult{Applied: false, BalanceCents: w.BalanceCents, Entry: r.entries[i]}, nil
	}

	r.byKey[k] = len(r.entries)
	r.entries = append(r.entries, e)
	w.BalanceCents += e.DeltaCents
	w.UpdatedAt = e.CreatedAt
	r.wallets[e.UserID] = w
	return ApplyResult{Applied: true, BalanceCents: w.BalanceCents, Entry: e}, nil
}

func (r *MemoryRepo) ListEntries(ctx context.Context, userID string, f EntryFilter, limit int) ([]Entry, error) {
	r.mu.Lock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.UserID != userID || (f.Reason != "" && e.Reason != f.Reason) {
			continue
		}
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) SumEntries(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, e := range r.entries {
		if e.UserID == userID {
			sum += e.DeltaCents
		}
	}
	return sum, nil
}
