// Package direrr provides the driver's error taxonomy.
package direrr

import (
	"errors"
	"fmt"
)

// Code identifies one of the driver's error categories.
type Code string

const (
	CodeConfiguration  Code = "CONFIGURATION"
	CodeCompile        Code = "CONTENT_COMPILE"
	CodeRuntime        Code = "CONTENT_RUNTIME"
	CodePermission     Code = "PERMISSION_DENIED"
	CodeNotFound       Code = "NOT_FOUND"
	CodeProtocol       Code = "PROTOCOL"
	CodeFatal          Code = "FATAL"
)

// DriverError is a structured error carrying a taxonomy code.
type DriverError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DriverError) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the receiver.
func (e *DriverError) WithDetail(key string, value any) *DriverError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string, err error) *DriverError {
	return &DriverError{Code: code, Message: message, Err: err}
}

// Configuration is fatal at startup (§7).
func Configuration(message string, err error) *DriverError {
	return newErr(CodeConfiguration, message, err)
}

// ContentCompile is reported to the originating builder; no state change.
func ContentCompile(path string, err error) *DriverError {
	return newErr(CodeCompile, "content unit failed to compile", err).WithDetail("path", path)
}

// ContentRuntime is logged, surfaced to the master's on_runtime_error, and
// the process continues.
func ContentRuntime(originID string, err error) *DriverError {
	e := newErr(CodeRuntime, "content raised a runtime error", err)
	if originID != "" {
		e.WithDetail("origin", originID)
	}
	return e
}

// PermissionDenied is audit-logged and returned to the caller.
func PermissionDenied(subject, action, target string) *DriverError {
	return newErr(CodePermission, "permission denied", nil).
		WithDetail("subject", subject).
		WithDetail("action", action).
		WithDetail("target", target)
}

// NotFound covers objects, players, and files.
func NotFound(kind, id string) *DriverError {
	return newErr(CodeNotFound, fmt.Sprintf("%s not found", kind), nil).WithDetail("id", id)
}

// Protocol covers malformed frames; the frame is dropped, a counter
// increments, and the session continues unless a threshold is exceeded.
func Protocol(reason string) *DriverError {
	return newErr(CodeProtocol, reason, nil)
}

// Fatal covers Registry or Scheduler invariant violations: log, attempt
// on_shutdown, terminate.
func Fatal(message string, err error) *DriverError {
	return newErr(CodeFatal, message, err)
}

// As extracts a *DriverError from an error chain.
func As(err error) (*DriverError, bool) {
	var de *DriverError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Is reports whether err is a DriverError of the given code.
func Is(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}
