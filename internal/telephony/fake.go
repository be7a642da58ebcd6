package telephony

import (
	"context"
	"iter"
	"sync"
	"time"

	"call-billing/internal/apperr"
)

// Fake is an in-memory Provider for tests and local runs.
//
// Events are returned in insertion order, filtered to ChangedAt >= cursor;
// add them in ascending ChangedAt order.
// If Gate is set, FetchCallsSince blocks on it (or ctx) before yielding.
type Fake struct {
	mu       sync.Mutex
	events   []RawCallEvent
	details  map[string]RawCallEvent
	fetchErr error
	// failAfter yields this many events before returning fetchErr.
	failAfter int

	Gate chan struct{}

	fetches int
	cursors []time.Time
}

func NewFake(events ...RawCallEvent) *Fake {
	return &Fake{events: events, details: map[string]RawCallEvent{}}
}

var _ Provider = (*Fake)(nil)

func (f *Fake) Add(events ...RawCallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// SetDetail sets what FetchCallDetail returns for e.CallID.
func (f *Fake) SetDetail(e RawCallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[e.CallID] = e
}

// FailWith makes the next fetches fail after yielding n events. A nil err
// clears the failure.
func (f *Fake) FailWith(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
	f.failAfter = n
}

// Fetches returns how many times FetchCallsSince ran and the cursors it got.
func (f *Fake) Fetches() (int, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, append([]time.Time(nil), f.cursors...)
}

func (f *Fake) FetchCallsSince(ctx context.Context, cursor time.Time) iter.Seq2[RawCallEvent, error] {
	return func(yield func(RawCallEvent, error) bool) {
		f.mu.Lock()
		f.fetches++
		f.cursors = append(f.cursors, cursor)
		gate := f.Gate
		events := make([]RawCallEvent, 0, len(f.events))
		for _, e := range f.events {
			if cursor.IsZero() || !e.ChangedAt().Before(cursor) {
				events = append(events, e)
			}
		}
		fetchErr, failAfter := f.fetchErr, f.failAfter
		f.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(RawCallEvent{}, apperr.Upstream("fake.fetch_calls", ctx.Err()))
				return
			}
		}

		for i, e := range events {
			if fetchErr != nil && i >= failAfter {
				break
			}
			if !yield(e, nil) {
				return
			}
		}
		if fetchErr != nil {
			yield(RawCallEvent{}, apperr.Upstream("fake.fetch_calls", fetchErr))
		}
	}
}

func (f *Fake) FetchCallDetail(ctx context.Context, callID string) (RawCallEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.details[callID]; ok {
		return e, nil
	}
	return RawCallEvent{}, apperr.ErrNotFound
}
