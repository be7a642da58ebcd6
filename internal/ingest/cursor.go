package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"call-billing/internal/apperr"

	"github.com/redis/go-redis/v9"
)

// CursorStore persists the ingestion cursor: the newest provider change time
// seen in a fully successful fetch. A zero time means "from the beginning".
type CursorStore interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, cursor time.Time) error
}

func formatCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseCursor(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, apperr.Invalid("bad cursor %q", s)
	}
	return t.UTC(), nil
}

type MemoryCursorStore struct {
	mu     sync.Mutex
	cursor time.Time
}

func NewMemoryCursorStore() *MemoryCursorStore { return &MemoryCursorStore{} }

func (m *MemoryCursorStore) Load(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *MemoryCursorStore) Save(ctx context.Context, cursor time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor.UTC()
	return nil
}

// RedisCursorStore keeps the cursor as an RFC 3339 string under one key so
// every process in a fleet resumes from the same point.
type RedisCursorStore struct {
	rdb redis.Cmdable
	key string
}

func NewRedisCursorStore(rdb redis.Cmdable, key string) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb, key: key}
}

func (r *RedisCursorStore) Load(ctx context.Context) (time.Time, error) {
	s, err := r.rdb.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperr.Storage("cursor.load", err)
	}
	return parseCursor(s)
}

func (r *RedisCursorStore) Save(ctx context.Context, cursor time.Time) error {
	return apperr.Storage("cursor.save", r.rdb.Set(ctx, r.key, formatCursor(cursor), 0).Err())
}
