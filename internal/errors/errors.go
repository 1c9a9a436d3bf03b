// Package errors defines the typed application errors shared by the session,
// dispatch and rule components, and the helpers used to classify them.
package errors

import (
	"errors"
	"fmt"
)

// Standard error codes for the application.
const (
	CodeUnknown             = "UNKNOWN"
	CodeNotFound            = "NOT_FOUND"
	CodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeSessionNotConnected = "SESSION_NOT_CONNECTED"
	CodeSendFailed          = "SEND_FAILED"
	CodeGenerationFailed    = "GENERATION_FAILED"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeValidation          = "VALIDATION"
	CodeDatabase            = "DATABASE"
	CodeConfig              = "CONFIG"
	CodeUnauthorized        = "UNAUTHORIZED"
)

// Sentinels for errors.Is checks. Matching is done by code, so any *Error
// carrying the same code satisfies errors.Is against these.
var (
	ErrNotFound            = &Error{code: CodeNotFound, message: "not found"}
	ErrCapacityExceeded    = &Error{code: CodeCapacityExceeded, message: "instance capacity exceeded"}
	ErrQuotaExceeded       = &Error{code: CodeQuotaExceeded, message: "quota exceeded"}
	ErrSessionNotConnected = &Error{code: CodeSessionNotConnected, message: "session not connected"}
	ErrSendFailed          = &Error{code: CodeSendFailed, message: "send failed"}
	ErrGenerationFailed    = &Error{code: CodeGenerationFailed, message: "generation failed"}
	ErrInvalidTransition   = &Error{code: CodeInvalidTransition, message: "invalid transition"}
	ErrValidation          = &Error{code: CodeValidation, message: "validation failed"}
	ErrUnauthorized        = &Error{code: CodeUnauthorized, message: "unauthorized"}
)

// ApplicationError is the interface that all our custom errors implement.
type ApplicationError interface {
	error
	Code() string
	Transient() bool
	Unwrap() error
}

// Error is a coded application error with an optional cause.
type Error struct {
	code      string
	message   string
	transient bool
	err       error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *Error) Code() string {
	return e.code
}

// Transient reports whether the failure is expected to clear on its own,
// such as a timeout talking to an external collaborator.
func (e *Error) Transient() bool {
	return e.transient
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// Code returns the code of the first ApplicationError in err's chain,
// or CodeUnknown if it doesn't carry one.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}

	return CodeUnknown
}

// IsTransient reports whether err is a transient application error.
func IsTransient(err error) bool {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Transient()
	}
	return false
}

func newError(code, message string, cause error) *Error {
	return &Error{code: code, message: message, err: cause}
}

func NewNotFound(what, id string) error {
	return newError(CodeNotFound, fmt.Sprintf("%s %q not found", what, id), nil)
}

func NewCapacityExceeded(count, limit int) error {
	return newError(CodeCapacityExceeded, fmt.Sprintf("instance limit reached (%d of %d)", count, limit), nil)
}

func NewQuotaExceeded(category string) error {
	return newError(CodeQuotaExceeded, fmt.Sprintf("no %s credits left", category), nil)
}

func NewSessionNotConnected(instanceID string, cause error) error {
	return newError(CodeSessionNotConnected, fmt.Sprintf("instance %q is not connected", instanceID), cause)
}

// NewSendFailed wraps a chat platform rejection. Timeouts are flagged transient.
func NewSendFailed(cause error, transient bool) error {
	e := newError(CodeSendFailed, "send failed", cause)
	e.transient = transient
	return e
}

func NewGenerationFailed(cause error, transient bool) error {
	e := newError(CodeGenerationFailed, "text generation failed", cause)
	e.transient = transient
	return e
}

func NewInvalidTransition(message string) error {
	return newError(CodeInvalidTransition, message, nil)
}

func NewValidationError(message string, cause error) error {
	return newError(CodeValidation, message, cause)
}

func NewDatabaseError(message string, cause error) error {
	return newError(CodeDatabase, message, cause)
}

func NewConfigError(message string, cause error) error {
	return newError(CodeConfig, message, cause)
}

func NewUnauthorizedError(message string) error {
	return newError(CodeUnauthorized, message, nil)
}
