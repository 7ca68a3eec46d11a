package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error kinds
var (
	ErrValidation         = errors.New("validation failed")
	ErrAuth               = errors.New("authentication failed")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrTransientExternal  = errors.New("transient external failure")
	ErrPermanentExternal  = errors.New("permanent external failure")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuth               Kind = "auth"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
	KindTransientExternal  Kind = "transient_external"
	KindPermanentExternal  Kind = "permanent_external"
	KindInvariantViolation Kind = "invariant_violation"
	KindInternal           Kind = "internal"
)

// Job exit codes.
const (
	ExitSuccess   = 0
	ExitRetryable = 1
	ExitTerminal  = 2
)

// Error is a structured error carrying its kind, the failing operation and
// the subject (site name, subscription id) it applies to.
type Error struct {
	Kind    Kind
	Op      string // e.g. "provision.new_site", "lifecycle.charge"
	Subject string
	Message string // safe to surface to callers
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s failed on %s: %s", e.Op, e.Subject, msg)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s failed: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransientExternal:
		return e.Kind == KindTransientExternal
	case ErrPermanentExternal:
		return e.Kind == KindPermanentExternal
	case ErrInvariantViolation:
		return e.Kind == KindInvariantViolation
	}
	return errors.Is(e.Err, target)
}

// New creates a new Error with a caller-facing message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a new Error around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithSubject records the site or subscription the error applies to.
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// Validation reports bad input. No state has been changed.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// Auth reports a missing or mismatched secret or role.
func Auth(op, message string) *Error {
	return New(KindAuth, op, message)
}

// Conflict reports a uniqueness violation.
func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, fmt.Sprintf(format, args...))
}

// NotFound reports a missing record.
func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

// Transient wraps a failure that is worth retrying.
func Transient(op string, err error) *Error {
	return Wrap(KindTransientExternal, op, err)
}

// Permanent wraps an external failure that retrying will not fix.
func Permanent(op string, err error) *Error {
	return Wrap(KindPermanentExternal, op, err)
}

// Invariant reports a contract violation that needs a human.
func Invariant(op string, err error) *Error {
	return Wrap(KindInvariantViolation, op, err)
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransientExternal
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsAuth reports whether err is an auth error.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error to the status code a handler should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientExternal:
		return http.StatusBadGateway
	case KindPermanentExternal:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to return in an HTTP body.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindAuth, KindConflict, KindNotFound:
			if e.Message != "" {
				return e.Message
			}
		}
	}
	return "internal error"
}

// ExitCode maps a job error to its exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if IsRetryable(err) {
		return ExitRetryable
	}
	return ExitTerminal
}
