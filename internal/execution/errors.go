package execution

import (
	"errors"
	"fmt"
)

// ErrorClass is the classification string surfaced to callers instead of raw
// exit codes.
type ErrorClass string

const (
	ClassCompile        ErrorClass = "CompileError"
	ClassRuntime        ErrorClass = "RuntimeError"
	ClassTimeout        ErrorClass = "TimeoutError"
	ClassViolation      ErrorClass = "SandboxViolation"
	ClassThrottled      ErrorClass = "Throttled"
	ClassInternal       ErrorClass = "InternalError"
	ClassInvalidRequest ErrorClass = "InvalidRequest"
	ClassCancelled      ErrorClass = "Cancelled"
)

// Format renders the short "<Class>: <message>" form used in responses.
func (c ErrorClass) Format(message string) string {
	if message == "" {
		return string(c)
	}
	return string(c) + ": " + message
}

// Recoverable reports whether the failure was caused by the learner or by load
// rather than by the engine itself.
func (c ErrorClass) Recoverable() bool {
	return c != ClassInternal
}

var (
	ErrThrottled = &Error{Class: ClassThrottled, Message: "server at capacity, retry later"}
	ErrCancelled = &Error{Class: ClassCancelled, Message: "execution cancelled"}
)

// Error is a classified failure. Message is safe to show to learners; Err is
// the internal cause and is only ever logged.
type Error struct {
	Class   ErrorClass
	Message string
	Err     error
}

func NewError(class ErrorClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return e.Class.Format(e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class so that errors.Is(err, ErrThrottled) works for any
// throttling error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

// ClassOf extracts the classification of err, defaulting to InternalError.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// PublicMessage returns the learner-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Class == ClassInternal {
			return "internal error, the incident has been logged"
		}
		return e.Message
	}
	return "internal error, the incident has been logged"
}
