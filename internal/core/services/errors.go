package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a code is absent, expired, or orphaned.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrTooLarge indicates a payload above the configured limit.
	ErrTooLarge = errors.New("payload too large")
	// ErrStorage indicates a disk or database failure.
	ErrStorage = errors.New("storage failure")
	// ErrIntegrity indicates a live record whose blob is missing.
	ErrIntegrity = errors.New("integrity anomaly")
	// ErrKeyspaceExhausted indicates code generation kept colliding.
	ErrKeyspaceExhausted = errors.New("code keyspace exhausted")
)

// StorageFailure tags err as ErrStorage unless it already carries one of the
// caller-facing sentinels.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrConflict, ErrStorage, ErrKeyspaceExhausted} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
