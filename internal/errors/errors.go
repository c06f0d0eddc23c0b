// Package errors provides the structured error type shared by the monitoring
// engine, its health checks and the CLI.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig    = "CONFIG"
	ErrProbe     = "PROBE"
	ErrTimeout   = "TIMEOUT"
	ErrHealth    = "HEALTH"
	ErrAuth      = "AUTH"
	ErrProtocol  = "PROTOCOL"
	ErrLifecycle = "LIFECYCLE"
	ErrExport    = "EXPORT"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrProbe code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrProbe,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Timeout builds a TIMEOUT error for an operation that exceeded its bound.
// The cause is context.DeadlineExceeded so errors.Is keeps working.
func Timeout(what string, after fmt.Stringer) *Error {
	return &Error{
		Code:    ErrTimeout,
		Message: fmt.Sprintf("%s timed out after %s", what, after),
		Cause:   context.DeadlineExceeded,
	}
}

// Error implements the error interface with the multi-line operator format.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Short returns a single-line rendering suitable for Sample.Error and
// HealthReport.LastError, where the multi-line format would be noise.
func (e *Error) Short() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var hubErr *Error
	if errors.As(err, &hubErr) {
		return hubErr.Code == code
	}
	return false
}

// Summary flattens any error to one line. Structured errors use Short.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var hubErr *Error
	if errors.As(err, &hubErr) {
		return hubErr.Short()
	}
	return err.Error()
}
