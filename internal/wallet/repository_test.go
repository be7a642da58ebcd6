package wallet

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"call-billing/internal/migrations"
	"call-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real database when TEST_DATABASE_URL is set.
func newPostgresRepo(t *testing.T) *PostgresRepo {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Apply(ctx, db))
	return NewPostgresRepo(db)
}

func TestPostgresRepo_ApplyConcurrentSameKey(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	userID := "it-" + uuid.NewString()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.Apply(ctx, Entry{
				ID:          uuid.NewString(),
				UserID:      userID,
				DeltaCents:  -100,
				Reason:      ReasonCallCost,
				ReferenceID: "call-1",
				CreatedAt:   time.Now().UTC(),
			})
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

	w, err := repo.EnsureWallet(ctx, userID, time.Now().UTC())
	require.NoError(t, err)
	sum, err := repo.SumEntries(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), w.BalanceCents)
	assert.Equal(t, sum, w.BalanceCents)

	entries, err := repo.ListEntries(ctx, userID, EntryFilter{Reason: ReasonCallCost}, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
