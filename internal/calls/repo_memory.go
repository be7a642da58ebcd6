package calls

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"call-billing/internal/apperr"
)

// MemoryStore is an in-memory Store for tests and local runs.
// It applies the same merge rules as PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]CallRecord{}, clock: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Upsert(ctx context.Context, r CallRecord) (CallRecord, error) {
	if err := validateUpsert(r); err != nil {
		return CallRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return CallRecord{}, apperr.Storage("calls.upsert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	existing, ok := s.records[r.CallID]
	if !ok {
		r.Billed = false
		r.CostCents = nil
		r.CreatedAt = now
		r.UpdatedAt = now
		s.records[r.CallID] = clone(r)
		return clone(r), nil
	}
	out := merge(existing, r, now)
	s.records[r.CallID] = out
	return clone(out), nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callID]
	if !ok {
		return CallRecord{}, apperr.ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string, f Filter, limit, offset int) ([]CallRecord, int, error) {
	if userID == "" {
		return nil, 0, apperr.Invalid("user_id required")
	}
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	limit, offset, err := NormalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	matched := make([]CallRecord, 0)
	for _, r := range s.records {
		if r.UserID != userID || !f.matches(r) {
			continue
		}
		matched = append(matched, clone(r))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].CallID < matched[j].CallID
	})

	total := len(matched)
	if offset >= total {
		return []CallRecord{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

// Unbilled walks the store in call_id order, one locked batch at a time, so
// callers may write to the store while iterating.
func (s *MemoryStore) Unbilled(ctx context.Context, cutoff time.Time) iter.Seq2[CallRecord, error] {
	return func(yield func(CallRecord, error) bool) {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(CallRecord{}, apperr.Storage("calls.unbilled", err))
				return
			}
			batch := s.unbilledBatch(cutoff, after, unbilledBatch)
			for _, r := range batch {
				if !yield(r, nil) {
					return
				}
			}
			if len(batch) < unbilledBatch {
				return
			}
			after = batch[len(batch)-1].CallID
		}
	}
}

func (s *MemoryStore) unbilledBatch(cutoff time.Time, after string, n int) []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id, r := range s.records {
		if id <= after || !r.Billable() || !r.billableAt().Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]CallRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.records[id]))
	}
	return out
}

func (s *MemoryStore) MarkBilled(ctx context.Context, callID string, costCents int64) error {
	if err := ctx.Err(); err != nil {
		return apperr.Storage("calls.mark_billed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[callID]
	if !ok {
		return apperr.ErrNotFound
	}
	if r.Billed {
		return nil
	}
	c := costCents
	r.CostCents = &c
	r.Billed = true
	r.UpdatedAt = s.clock().UTC()
	s.records[callID] = r
	return nil
}

// clone detaches pointer fields so callers cannot mutate stored rows.
func clone(r CallRecord) CallRecord {
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		r.DurationSeconds = &d
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		r.EndedAt = &e
	}
	if r.CostCents != nil {
		c := *r.CostCents
		r.CostCents = &c
	}
	return r
}
