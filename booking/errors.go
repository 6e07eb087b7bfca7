/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  Every business failure carries a Kind with a stable code and a human
  readable message. Callers branch on the kind (errors.Is against the
  sentinels, or KindOf) and show the message.

ERROR CATEGORIES:
  1. Business errors - *Error with one of the Kinds below
  2. Store errors    - ErrRecordNotFound, ErrUniqueViolation, ErrRowChanged
                       returned by Store implementations and translated by
                       the service
  3. Internal        - anything else; logged and surfaced as KindInternal

USAGE:
  if errors.Is(err, booking.ErrSlotTaken) {
      // offer alternate slots
  }
  if errors.Is(err, booking.ErrInsufficientFunds) {
      // prompt a top-up
  }

SEE ALSO:
  - service.go: Produces these errors
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package booking

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind is the stable reason code of a business error.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindSlotTaken         Kind = "SLOT_TAKEN"
	KindForbidden         Kind = "FORBIDDEN"
	KindTransient         Kind = "TRANSIENT_ERROR"
	KindInternal          Kind = "INTERNAL"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSlotTaken         = errors.New("slot taken")
	ErrForbidden         = errors.New("forbidden")
	ErrTransient         = errors.New("transient error")
	ErrInternal          = errors.New("internal error")
)

// Store sentinels. Store implementations return these (optionally wrapped).
var (
	// ErrRecordNotFound is returned by lookups that match no row.
	ErrRecordNotFound = errors.New("record not found")

	// ErrUniqueViolation is returned when a write breaks a unique constraint,
	// most importantly uk_provider_appointment_time_active.
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrRowChanged is returned by a conditional write whose row no longer
	// matches what the caller read.
	ErrRowChanged = errors.New("row changed since read")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindInsufficientFunds:
		return ErrInsufficientFunds
	case KindSlotTaken:
		return ErrSlotTaken
	case KindForbidden:
		return ErrForbidden
	case KindTransient:
		return ErrTransient
	default:
		return ErrInternal
	}
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is a classified business error.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func invalid(format string, args ...any) *Error {
	return newError(KindInvalidRequest, format, args...)
}

func forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func insufficientFunds(format string, args ...any) *Error {
	return newError(KindInsufficientFunds, format, args...)
}

func slotTaken(format string, args ...any) *Error {
	return newError(KindSlotTaken, format, args...)
}

func transient(format string, args ...any) *Error {
	return newError(KindTransient, format, args...)
}

func internal(err error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human readable message of a classified error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidRequest, KindInsufficientFunds, KindSlotTaken, KindForbidden:
		return true
	default:
		return false
	}
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordNotFound)
}
