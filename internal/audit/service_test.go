package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AppendRequiresUserAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	assert.ErrorIs(t, svc.Append(context.Background(), Event{Type: EventTypeWalletOverdraft}), ErrInvalidEvent)
	assert.ErrorIs(t, svc.Append(context.Background(), Event{UserID: "u"}), ErrInvalidEvent)
}

func TestService_AppendFillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	require.NoError(t, svc.Append(context.Background(), Event{UserID: "u", Type: EventTypeWalletOverdraft}))
	evs := repo.Events()
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0].ID)
	assert.False(t, evs[0].CreatedAt.IsZero())
}

func TestService_LogWalletAdjustment(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	err := svc.LogWalletAdjustment(context.Background(), WalletAdjustment{
		UserID:       "u1",
		ActorUserID:  "admin-1",
		ActorRole:    "admin",
		IPAddress:    "1.2.3.4",
		EntryID:      "entry-1",
		DeltaCents:   500,
		BalanceCents: 489,
		Note:         "goodwill credit",
	})
	require.NoError(t, err)

	evs := repo.EventsOfType(EventTypeWalletAdjustment)
	require.Len(t, evs, 1)
	assert.Equal(t, "1.2.3.4", evs[0].IPAddress)
	assert.Equal(t, "admin-1", evs[0].ActorUserID)

	var md map[string]int64
	require.NoError(t, json.Unmarshal([]byte(evs[0].Metadata), &md))
	assert.Equal(t, int64(500), md["delta_cents"])
	assert.Equal(t, int64(489), md["balance_cents"])
}

func TestService_LogDurationAnomaly(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	require.NoError(t, svc.LogDurationAnomaly(context.Background(), "u1", "call-1", 120, 30))

	evs := repo.EventsOfType(EventTypeDurationAnomaly)
	require.Len(t, evs, 1)
	assert.Equal(t, "call-1", evs[0].CallID)
	assert.Empty(t, repo.EventsOfType(EventTypeWalletOverdraft))
}
