package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for callers.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindAuthorization Kind = "authorization"
	KindPersistence   Kind = "persistence"
	KindInternal      Kind = "internal"
)

// Error is a rejection with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

var (
	ErrInvalidInput      = &Error{Kind: KindValidation, Code: "invalid_input"}
	ErrSessionNotFound   = &Error{Kind: KindNotFound, Code: "session_not_found"}
	ErrRecordNotFound    = &Error{Kind: KindNotFound, Code: "record_not_found"}
	ErrRequestNotFound   = &Error{Kind: KindNotFound, Code: "correction_not_found"}
	ErrCatalogNotFound   = &Error{Kind: KindNotFound, Code: "catalog_not_found"}
	ErrNotEnrolled       = &Error{Kind: KindNotFound, Code: "not_enrolled"}
	ErrSessionNotOpen    = &Error{Kind: KindStateConflict, Code: "session_not_open"}
	ErrSessionLocked     = &Error{Kind: KindStateConflict, Code: "session_locked"}
	ErrSessionExists     = &Error{Kind: KindStateConflict, Code: "session_exists"}
	ErrInvalidTransition = &Error{Kind: KindStateConflict, Code: "invalid_transition"}
	ErrLowerPriority     = &Error{Kind: KindStateConflict, Code: "lower_priority_source"}
	ErrStaleOffline      = &Error{Kind: KindStateConflict, Code: "stale_offline_submission"}
	ErrDuplicatePending  = &Error{Kind: KindStateConflict, Code: "duplicate_pending"}
	ErrAgeExceeded       = &Error{Kind: KindStateConflict, Code: "age_exceeded"}
	ErrNotPending        = &Error{Kind: KindStateConflict, Code: "not_pending"}
	ErrInvalidQRToken    = &Error{Kind: KindStateConflict, Code: "invalid_qr_token"}
	ErrForbidden         = &Error{Kind: KindAuthorization, Code: "forbidden"}
	ErrPersistence       = &Error{Kind: KindPersistence, Code: "persistence"}
	ErrQRSigning         = &Error{Kind: KindInternal, Code: "qr_signing_failed"}
)

// reject copies a sentinel with a human reason.
func reject(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// persistence wraps a store failure; engine errors pass through untouched.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindPersistence, Code: ErrPersistence.Code, Message: op, Err: err}
}

// KindOf classifies any error; unknown errors count as persistence failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// CodeOf returns the stable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrPersistence.Code
}

// store-level sentinels, translated by the service.
var (
	errNoRows   = errors.New("no rows")
	errConflict = errors.New("unique constraint conflict")
)
