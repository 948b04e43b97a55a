// Package apperr defines the error kinds shared by the analytics core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInsufficientData = errors.New("insufficient data")
	ErrModelNotTrained  = errors.New("model not trained")
	ErrNoDataForMachine = errors.New("no data for machine")
	ErrPersistence      = errors.New("persistence failure")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("already exists")
)

// Kind classifies an error independently of any transport.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindInsufficientData
	KindModelNotTrained
	KindNoDataForMachine
	KindPersistence
	KindNotFound
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindInsufficientData:
		return "InsufficientData"
	case KindModelNotTrained:
		return "ModelNotTrained"
	case KindNoDataForMachine:
		return "NoDataForMachine"
	case KindPersistence:
		return "PersistenceFailure"
	case KindNotFound:
		return "NotFound"
	case KindDuplicate:
		return "Duplicate"
	default:
		return "Internal"
	}
}

// KindOf reports the kind of err. Caller-facing kinds take precedence over
// ErrPersistence so a wrapped not-found from a store still reads as NotFound.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrModelNotTrained):
		return KindModelNotTrained
	case errors.Is(err, ErrNoDataForMachine):
		return KindNoDataForMachine
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

// Persistence wraps a storage error so it matches both ErrPersistence and cause.
func Persistence(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, cause)
}

// Invalid builds an ErrInvalidInput with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
