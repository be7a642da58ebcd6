package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"call-billing/internal/apperr"
	"call-billing/internal/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *audit.MemoryRepo) {
	auditRepo := audit.NewMemoryRepo()
	return NewService(NewMemoryRepo(), audit.NewService(auditRepo), nil), auditRepo
}

func TestService_GetBalanceCreatesWallet(t *testing.T) {
	svc, _ := newTestService()

	w, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.BalanceCents)
	assert.Equal(t, "u1", w.UserID)

	_, err = svc.GetBalance(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestService_ApplyEntryIsIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.ApplyEntry(ctx, "u1", -100, ReasonCallCost, "call-1")
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, int64(-100), first.BalanceCents)

	second, err := svc.ApplyEntry(ctx, "u1", -100, ReasonCallCost, "call-1")
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, int64(-100), second.BalanceCents)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	entries, err := svc.ListEntries(ctx, "u1", EntryFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_ApplyEntryReplayReturnsStoredDelta(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.ApplyEntry(ctx, "u1", -33, ReasonCallCost, "call-1")
	require.NoError(t, err)

	// A replay with a different amount keeps the original entry.
	res, err := svc.ApplyEntry(ctx, "u1", -44, ReasonCallCost, "call-1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(-33), res.Entry.DeltaCents)
	assert.Equal(t, int64(-33), res.BalanceCents)
}

func TestService_ApplyEntryConcurrentSameKey(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ApplyEntry(ctx, "u1", -100, ReasonCallCost, "call-1")
			if !assert.NoError(t, err) {
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	w, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), w.BalanceCents)
}

func TestService_BalanceEqualsSumOfEntries(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("call-%d", i%10)
			_, err := svc.ApplyEntry(ctx, "u1", -int64(i%10+1), ReasonCallCost, ref)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	_, err := svc.ApplyEntry(ctx, "u1", 1000, ReasonTopUp, "payment-1")
	require.NoError(t, err)

	w, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	sum, err := svc.SumEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sum, w.BalanceCents)
	assert.Equal(t, int64(1000-55), w.BalanceCents)
}

func TestService_ApplyEntryValidates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		user   string
		delta  int64
		reason Reason
		ref    string
	}{
		{"missing user", "", -1, ReasonCallCost, "c"},
		{"missing ref", "u", -1, ReasonCallCost, ""},
		{"positive call cost", "u", 5, ReasonCallCost, "c"},
		{"non-positive top-up", "u", 0, ReasonTopUp, "p"},
		{"zero adjustment", "u", 0, ReasonAdjustment, "a"},
		{"unknown reason", "u", 1, Reason("refund"), "r"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplyEntry(ctx, tc.user, tc.delta, tc.reason, tc.ref)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}

	res, err := svc.ApplyEntry(ctx, "u", 0, ReasonCallCost, "free-call")
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestService_OverdraftIsAudited(t *testing.T) {
	svc, auditRepo := newTestService()
	ctx := context.Background()

	_, err := svc.ApplyEntry(ctx, "u1", 20, ReasonTopUp, "p1")
	require.NoError(t, err)
	_, err = svc.ApplyEntry(ctx, "u1", -11, ReasonCallCost, "c1")
	require.NoError(t, err)
	assert.Empty(t, auditRepo.EventsOfType(audit.EventTypeWalletOverdraft))

	res, err := svc.ApplyEntry(ctx, "u1", -33, ReasonCallCost, "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(-24), res.BalanceCents)

	evs := auditRepo.EventsOfType(audit.EventTypeWalletOverdraft)
	require.Len(t, evs, 1)
	assert.Equal(t, "c2", evs[0].ReferenceID)

	// Replays do not audit again.
	_, err = svc.ApplyEntry(ctx, "u1", -33, ReasonCallCost, "c2")
	require.NoError(t, err)
	assert.Len(t, auditRepo.EventsOfType(audit.EventTypeWalletOverdraft), 1)
}

func TestService_ListEntriesFiltersAndClamps(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		_, err := svc.ApplyEntry(ctx, "u1", -1, ReasonCallCost, fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	_, err := svc.ApplyEntry(ctx, "u1", 500, ReasonTopUp, "p1")
	require.NoError(t, err)

	all, err := svc.ListEntries(ctx, "u1", EntryFilter{}, 1000)
	require.NoError(t, err)
	assert.Len(t, all, MaxEntryLimit)

	topUps, err := svc.ListEntries(ctx, "u1", EntryFilter{Reason: ReasonTopUp}, 10)
	require.NoError(t, err)
	require.Len(t, topUps, 1)
	assert.Equal(t, int64(500), topUps[0].DeltaCents)

	_, err = svc.ListEntries(ctx, "u1", EntryFilter{}, -1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.ListEntries(ctx, "u1", EntryFilter{Reason: "bogus"}, 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestService_AdjustAuditsOnce(t *testing.T) {
	svc, auditRepo := newTestService()
	ctx := context.Background()

	req := AdjustRequest{
		UserID:      "u1",
		DeltaCents:  500,
		Reason:      ReasonTopUp,
		ReferenceID: "ticket-42",
		Note:        "manual top-up",
		ActorUserID: "admin-1",
		ActorRole:   "admin",
		IPAddress:   "10.0.0.1",
	}
	res, err := svc.Adjust(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(500), res.BalanceCents)

	res, err = svc.Adjust(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	evs := auditRepo.EventsOfType(audit.EventTypeWalletAdjustment)
	require.Len(t, evs, 1)
	assert.Equal(t, "admin-1", evs[0].ActorUserID)
	assert.Equal(t, res.Entry.ID, evs[0].ReferenceID)
}

func TestService_AdjustValidates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	base := AdjustRequest{UserID: "u1", DeltaCents: 100, Reason: ReasonTopUp, ReferenceID: "k", Note: "n", ActorUserID: "a", ActorRole: "admin"}

	r := base
	r.ActorUserID = ""
	_, err := svc.Adjust(ctx, r)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	r = base
	r.Reason = ReasonCallCost
	r.DeltaCents = -1
	_, err = svc.Adjust(ctx, r)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	r = base
	r.Note = ""
	_, err = svc.Adjust(ctx, r)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	r = base
	r.DeltaCents = -100
	_, err = svc.Adjust(ctx, r)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "top-up must be positive")

	r = base
	r.Reason = ReasonAdjustment
	r.DeltaCents = -100
	res, err := svc.Adjust(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), res.BalanceCents)
}
