package domain

import (
	"errors"
	"testing"
)

func TestPersistenceError(t *testing.T) {
	baseErr := errors.New("disk full")

	t.Run("matches sentinel", func(t *testing.T) {
		err := NewPersistenceError("append", "NIFTY|24500|CE|2026-10-29", baseErr)

		if !errors.Is(err, ErrPersistenceFailure) {
			t.Error("Expected error to match ErrPersistenceFailure")
		}
		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}

		want := "persistence failure [append NIFTY|24500|CE|2026-10-29]: disk full"
		if err.Error() != want {
			t.Errorf("Error message = %q, want %q", err.Error(), want)
		}
	})

	t.Run("nil passthrough", func(t *testing.T) {
		if NewPersistenceError("append", "k", nil) != nil {
			t.Error("Expected nil for nil cause")
		}
	})

	t.Run("errors.As", func(t *testing.T) {
		err := error(NewPersistenceError("archive_upsert", "k", baseErr))
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			t.Fatal("Expected errors.As to find PersistenceError")
		}
		if pe.Op != "archive_upsert" {
			t.Errorf("Op = %q, want archive_upsert", pe.Op)
		}
	})
}

func TestOrderingError(t *testing.T) {
	err := error(&OrderingError{Index: 3, Reason: "position 7 not greater than 9"})

	if !errors.Is(err, ErrOrderingViolation) {
		t.Error("Expected OrderingError to match ErrOrderingViolation")
	}
	if errors.Is(err, ErrPersistenceFailure) {
		t.Error("OrderingError must not match ErrPersistenceFailure")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "market.timezone", Err: baseErr}

	expected := "config error [market.timezone]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, baseErr) {
		t.Error("Expected ConfigError to unwrap")
	}
}
