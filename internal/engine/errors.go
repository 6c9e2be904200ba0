package engine

import (
	"errors"
	"fmt"
)

// Error classes. Callers branch on class, not message text: validation and
// capacity failures are synchronous rejections with no state touched,
// conflicts are retryable, dependency failures flip safe mode, and invariant
// violations freeze the affected scope.
var (
	ErrValidation         = errors.New("validation error")
	ErrCapacity           = errors.New("capacity error")
	ErrStateConflict      = errors.New("state conflict")
	ErrExternalDependency = errors.New("external dependency error")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Capacity error codes.
var (
	ErrNoMatchingTier          = fmt.Errorf("%w: no matching tier", ErrCapacity)
	ErrInsufficientTierCapital = fmt.Errorf("%w: insufficient tier capital", ErrCapacity)
)

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

func dependencyErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExternalDependency, fmt.Sprintf(format, args...))
}

func invariantErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
