// Package apperr holds the error taxonomy shared by the ingestion and billing
// packages. Callers wrap one of the sentinels with %w and inspect with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks bad durations, malformed filters or requests.
	// Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorage marks a transient storage failure. Ingestion and
	// reconciliation retry on the next cycle.
	ErrStorage = errors.New("storage error")

	// ErrUpstream marks a telephony provider failure (timeout, non-2xx).
	// It aborts only the current cycle.
	ErrUpstream = errors.New("upstream provider error")

	ErrNotFound = errors.New("not found")
)

// Invalid wraps ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Storage wraps a driver error as a StorageError for op.
// A nil err returns nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Upstream wraps a provider failure for op.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}

// IsRetryable reports whether the operation can be retried on a later cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrUpstream)
}
