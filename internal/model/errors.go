package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable classification the API layer can switch on without
// matching message text.
type ErrorKind string

const (
	KindCapacityExhausted         ErrorKind = "capacity_exhausted"
	KindAlreadyEnrolled           ErrorKind = "already_enrolled"
	KindDuplicateRequest          ErrorKind = "duplicate_request"
	KindReservationExpired        ErrorKind = "reservation_expired"
	KindInconsistentLedgerState   ErrorKind = "inconsistent_ledger_state"
	KindPaymentTransitionConflict ErrorKind = "payment_transition_conflict"
	KindInvalidRequest            ErrorKind = "invalid_request"
	KindNotFound                  ErrorKind = "not_found"
	KindRequestInProgress         ErrorKind = "request_in_progress"
	KindIdempotencyKeyReused      ErrorKind = "idempotency_key_reused"
	KindForbidden                 ErrorKind = "forbidden"
	KindInternal                  ErrorKind = "internal"
)

// Error carries a kind alongside a human readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a kinded error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a kinded error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
