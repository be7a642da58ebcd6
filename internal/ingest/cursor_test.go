package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"call-billing/internal/apperr"
	"call-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorFormatRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 30, 0, 123456789, time.FixedZone("x", 3600))

	s := formatCursor(ts)
	assert.Equal(t, "2025-03-01T09:30:00.123456789Z", s)

	back, err := parseCursor(s)
	require.NoError(t, err)
	assert.True(t, back.Equal(ts))

	assert.Equal(t, "", formatCursor(time.Time{}))
	zero, err := parseCursor("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = parseCursor("yesterday")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	cs := NewMemoryCursorStore()

	c, err := cs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	ts := time.Now().Truncate(time.Millisecond)
	require.NoError(t, cs.Save(ctx, ts))
	c, err = cs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, c.Equal(ts))
}

// Runs against a real Redis when TEST_REDIS_ADDR is set.
func TestRedisCursorAndLease(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), prefix+":cursor", prefix+":lease") })

	cs := NewRedisCursorStore(rdb, prefix+":cursor")
	c, err := cs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	ts := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, cs.Save(ctx, ts))
	c, err = cs.Load(ctx)
	require.NoError(t, err)
	assert.True(t, c.Equal(ts))

	a := NewRedisLease(rdb, prefix+":lease", time.Minute)
	b := NewRedisLease(rdb, prefix+":lease", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	// b does not own the key, so its release leaves a's lease in place.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
