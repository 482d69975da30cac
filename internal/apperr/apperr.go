// Package apperr defines the error kinds shared by the escrow core and maps
// them to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("actor not allowed for this operation")
	ErrInvalidState         = errors.New("operation not legal in current state")
	ErrStateConflict        = errors.New("state changed by a concurrent operation")
	ErrAmountMismatch       = errors.New("confirmed amount does not match transaction amount")
	ErrConfirmationTimeout  = errors.New("payment confirmation timed out")
	ErrNegotiationExhausted = errors.New("counter-offer limit reached")
	ErrDuplicateDispute     = errors.New("transaction already has an unresolved dispute")
	ErrAlreadyResolved      = errors.New("dispute already resolved")
	ErrOfferExpired         = errors.New("offer expired")
	ErrDuplicate            = errors.New("record already exists")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)

// StateError reports an operation rejected because of the entity's current
// state. It matches ErrInvalidState, and ErrStateConflict as well when
// Conflict is set.
type StateError struct {
	Entity   string `json:"entity"`
	ID       string `json:"id"`
	Op       string `json:"operation"`
	Current  string `json:"currentState"`
	Conflict bool   `json:"conflict"`
}

func (e *StateError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("%s %s: cannot %s, already %s", e.Entity, e.ID, e.Op, e.Current)
	}
	return fmt.Sprintf("%s %s: cannot %s while %s", e.Entity, e.ID, e.Op, e.Current)
}

// Is lets errors.Is match the sentinel kinds.
func (e *StateError) Is(target error) bool {
	if target == ErrInvalidState {
		return true
	}
	return e.Conflict && target == ErrStateConflict
}

// InvalidState builds a StateError for an illegal transition.
func InvalidState(entity, id, op, current string) error {
	return &StateError{Entity: entity, ID: id, Op: op, Current: current}
}

// Conflict builds a StateError for a transition lost to a concurrent writer.
func Conflict(entity, id, op, current string) error {
	return &StateError{Entity: entity, ID: id, Op: op, Current: current, Conflict: true}
}

// Validation wraps a validation failure so it matches ErrValidation.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{err: err}
}

// Validationf is Validation with a formatted message.
func Validationf(format string, args ...any) error {
	return &validationError{err: fmt.Errorf(format, args...)}
}

type validationError struct {
	err error
}

func (e *validationError) Error() string        { return e.err.Error() }
func (e *validationError) Unwrap() []error      { return []error{ErrValidation, e.err} }
func (e *validationError) Details() error       { return e.err }
func (e *validationError) Is(target error) bool { return target == ErrValidation }

// Storage wraps a backend failure so it matches ErrStorageUnavailable.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// CurrentState extracts the current state from a StateError, if any.
func CurrentState(err error) (string, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.Current, true
	}
	return "", false
}
