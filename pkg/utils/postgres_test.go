package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	assert.Equal(t, 20, c.MaxOpenConns)
	assert.Equal(t, 20, c.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, c.ConnMaxLifetime)
	assert.Equal(t, 5*time.Second, c.PingTimeout)

	c = PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 10}.withDefaults()
	assert.Equal(t, 4, c.MaxIdleConns, "idle capped at open")
}

func TestOpenPostgres_RejectsMalformedDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "host=localhost port=notaport", PostgresPoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres config")
}
