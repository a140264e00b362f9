package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable error category exposed at the API
// boundary. Internal wrapping detail never crosses the boundary.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindIntegrityViolation Kind = "integrity_violation"
	KindDuplicateEvent     Kind = "duplicate_event"
	KindInvalidCursor      Kind = "invalid_cursor"
	KindSelectionExpired   Kind = "selection_expired"
	KindCapabilityDenied   Kind = "capability_denied"
	KindRateLimited        Kind = "rate_limited"
	KindSchemaValidation   Kind = "schema_validation"
	KindUpstreamError      Kind = "upstream_error"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
)

// Error carries a Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the Kind from err. The second return is false when err does
// not carry a *Error anywhere in its chain.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

var (
	ErrNotFound          = NewError(KindNotFound, "not found")
	ErrDuplicateEvent    = NewError(KindDuplicateEvent, "idempotency key collides with a committed event")
	ErrInvalidCursor     = NewError(KindInvalidCursor, "cursor token is malformed or out of range")
	ErrSelectionExpired  = NewError(KindSelectionExpired, "selection has expired")
	ErrCapabilityDenied  = NewError(KindCapabilityDenied, "capability denied")
	ErrStoreUnavailable  = NewError(KindStoreUnavailable, "storage unavailable")
	ErrTerminalJob       = NewError(KindConflict, "job is already in a terminal state")
	ErrIntegrityViolated = NewError(KindIntegrityViolation, "integrity chain mismatch")
)
