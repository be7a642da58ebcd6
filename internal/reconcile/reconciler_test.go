package reconcile

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/audit"
	"call-billing/internal/calls"
	"call-billing/internal/pricing"
	"call-billing/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	policy = pricing.Policy{RatePerMinuteCents: 11, MinimumBillableSeconds: 30, RoundUpPartialMinutes: true}
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func seconds(n int64) *int64 { return &n }

type fixture struct {
	store  *calls.MemoryStore
	ledger *wallet.Service
	rec    *Reconciler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := calls.NewMemoryStore()
	ledger := wallet.NewService(wallet.NewMemoryRepo(), audit.NewService(audit.NewMemoryRepo()), nil)
	return fixture{store: store, ledger: ledger, rec: New(store, ledger, policy, nil, time.Second)}
}

func (f fixture) completed(t *testing.T, callID, userID string, dur int64) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), calls.CallRecord{
		CallID:          callID,
		UserID:          userID,
		Status:          calls.CallStatusCompleted,
		StartedAt:       t0,
		DurationSeconds: seconds(dur),
	})
	require.NoError(t, err)
}

func TestRun_BillsOnceEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completed(t, "call-1", "u1", 40)

	res, err := f.rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Billed: 1, BilledCents: 11}, res)

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-11), w.BalanceCents)

	r, err := f.store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, r.Billed)
	assert.Equal(t, int64(11), *r.CostCents)

	res, err = f.rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	w, err = f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-11), w.BalanceCents)
}

func TestRun_RespectsCutoff(t *testing.T) {
	f := newFixture(t)
	f.completed(t, "call-1", "u1", 40)

	res, err := f.rec.Run(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
}

func TestRun_ConcurrentRunsBillOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, d := range []int64{40, 125, 61, 0} {
		f.completed(t, "call-"+string(rune('a'+i)), "u1", d)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Run(ctx, t0.Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-(11 + 33 + 22 + 11)), w.BalanceCents)

	sum, err := f.ledger.SumEntries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, w.BalanceCents, sum)
}

// flakyStore fails MarkBilled a set number of times.
type flakyStore struct {
	*calls.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) MarkBilled(ctx context.Context, callID string, costCents int64) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return apperr.Storage("calls.mark_billed", errors.New("connection reset"))
	}
	s.mu.Unlock()
	return s.MemoryStore.MarkBilled(ctx, callID, costCents)
}

func TestRun_HealsAfterMarkBilledFailure(t *testing.T) {
	base := calls.NewMemoryStore()
	store := &flakyStore{MemoryStore: base, failures: 1}
	ledger := wallet.NewService(wallet.NewMemoryRepo(), nil, nil)
	rec := New(store, ledger, policy, nil, time.Second)
	ctx := context.Background()

	_, err := base.Upsert(ctx, calls.CallRecord{CallID: "call-1", UserID: "u1", Status: calls.CallStatusCompleted, StartedAt: t0, DurationSeconds: seconds(125)})
	require.NoError(t, err)

	res, err := rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	r, err := base.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.False(t, r.Billed)

	res, err = rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Healed: 1}, res)

	r, err = base.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.True(t, r.Billed)
	assert.Equal(t, int64(33), *r.CostCents)

	w, err := ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-33), w.BalanceCents)
}

func TestRun_HealUsesChargedAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completed(t, "call-1", "u1", 40)

	// An earlier run charged a different amount before crashing.
	_, err := f.ledger.ApplyEntry(ctx, "u1", -50, wallet.ReasonCallCost, "call-1")
	require.NoError(t, err)

	res, err := f.rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Healed)

	r, err := f.store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), *r.CostCents)
}

type failingLedger struct{}

func (failingLedger) ApplyEntry(context.Context, string, int64, wallet.Reason, string) (wallet.ApplyResult, error) {
	return wallet.ApplyResult{}, apperr.Storage("wallet.apply", errors.New("db down"))
}

func TestRun_LedgerFailureIsCountedAndContinues(t *testing.T) {
	store := calls.NewMemoryStore()
	rec := New(store, failingLedger{}, policy, nil, time.Second)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Upsert(ctx, calls.CallRecord{CallID: id, UserID: "u", Status: calls.CallStatusCompleted, StartedAt: t0, DurationSeconds: seconds(10)})
		require.NoError(t, err)
	}

	res, err := rec.Run(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 3, Failed: 3}, res)
}

type brokenSeqStore struct{ calls.Store }

func (brokenSeqStore) Unbilled(context.Context, time.Time) iter.Seq2[calls.CallRecord, error] {
	return func(yield func(calls.CallRecord, error) bool) {
		yield(calls.CallRecord{}, apperr.Storage("calls.unbilled", errors.New("timeout")))
	}
}

func TestRun_SequenceFailureIsReturned(t *testing.T) {
	rec := New(brokenSeqStore{calls.NewMemoryStore()}, failingLedger{}, policy, nil, time.Second)
	_, err := rec.Run(context.Background(), t0)
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

// stalledStore never produces a page until its context ends.
type stalledStore struct{ calls.Store }

func (stalledStore) Unbilled(ctx context.Context, _ time.Time) iter.Seq2[calls.CallRecord, error] {
	return func(yield func(calls.CallRecord, error) bool) {
		<-ctx.Done()
		yield(calls.CallRecord{}, apperr.Storage("calls.unbilled", ctx.Err()))
	}
}

func TestRun_StalledScanTimesOut(t *testing.T) {
	rec := New(stalledStore{calls.NewMemoryStore()}, failingLedger{}, policy, nil, 50*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := rec.Run(context.Background(), t0)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, apperr.ErrStorage)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked on a stalled scan")
	}
}

// slowLedger takes longer than the storage timeout per entry but still applies
// it.
type slowLedger struct {
	delay time.Duration
	inner Ledger
}

func (l slowLedger) ApplyEntry(ctx context.Context, userID string, delta int64, reason wallet.Reason, ref string) (wallet.ApplyResult, error) {
	time.Sleep(l.delay)
	return l.inner.ApplyEntry(context.WithoutCancel(ctx), userID, delta, reason, ref)
}

func TestRun_SlowBillingDoesNotTripScanTimeout(t *testing.T) {
	f := newFixture(t)
	f.completed(t, "call-1", "u1", 40)
	f.completed(t, "call-2", "u1", 40)

	rec := New(f.store, slowLedger{delay: 80 * time.Millisecond, inner: f.ledger}, policy, nil, 50*time.Millisecond)
	res, err := rec.Run(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Billed)
}
