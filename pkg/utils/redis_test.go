package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseScriptsInitialized(t *testing.T) {
	require.NotNil(t, leaseAcquireScript)
	require.NotNil(t, leaseReleaseScript)
	assert.NotEqual(t, leaseAcquireScript.Hash(), leaseReleaseScript.Hash())
}

func TestAcquireLease_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()

	_, err := AcquireLease(ctx, nil, "k", "t", time.Second)
	assert.ErrorIs(t, err, errNilRedis)
	assert.ErrorIs(t, ReleaseLease(ctx, nil, "k", "t"), errNilRedis)
}

func TestRedisConfig_Defaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	assert.Equal(t, 10, c.PoolSize)
	assert.Equal(t, 2*time.Second, c.PingTimeout)

	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
