package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable means there are no snapshots for the requested
	// contract/date. Callers treat it as "skip", not as a failure.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrOrderingViolation is a caller contract violation: snapshots handed
	// to the change detector were unsorted, duplicated or mismatched.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrResolutionDegraded marks a business date that came from tier 3 or 4.
	ErrResolutionDegraded = errors.New("business date resolution degraded")

	// ErrPersistenceFailure wraps any failed durable read or write.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrInvalidContract is returned for malformed contract keys. Not retriable.
	ErrInvalidContract = errors.New("invalid contract")

	// ErrInvalidQuote is returned for structurally broken quotes.
	ErrInvalidQuote = errors.New("invalid quote")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// PersistenceError is a failed storage operation on a single key.
// It always matches ErrPersistenceFailure with errors.Is.
type PersistenceError struct {
	Op  string // e.g. "append", "archive_upsert"
	Key string // contract id, or contract id + date
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence failure [%s]: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence failure [%s %s]: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// NewPersistenceError wraps err unless it is nil.
func NewPersistenceError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}

// OrderingError pinpoints the snapshot that broke the ordering contract.
type OrderingError struct {
	Index  int
	Reason string
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("ordering violation at index %d: %s", e.Index, e.Reason)
}

func (e *OrderingError) Is(target error) bool {
	return target == ErrOrderingViolation
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
