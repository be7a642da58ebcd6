package apperr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorage_WrapsAndKeepsCause(t *testing.T) {
	err := Storage("calls.upsert", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "calls.upsert")
}

func TestStorage_NilAndAlreadyClassified(t *testing.T) {
	assert.NoError(t, Storage("op", nil))

	nf := ErrNotFound
	assert.Same(t, nf, Storage("op", nf))

	inner := Storage("inner", errors.New("conn reset"))
	assert.Equal(t, inner, Storage("outer", inner))
}

func TestInvalid_NotRetryable(t *testing.T) {
	err := Invalid("duration %d is negative", -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "-1")
}

func TestUpstream(t *testing.T) {
	err := Upstream("provider.fetch", errors.New("status 503"))
	assert.ErrorIs(t, err, ErrUpstream)
	assert.True(t, IsRetryable(err))
	assert.Nil(t, Upstream("x", nil))
}
