// Package errors defines the transfer error taxonomy. Every error carries a
// Code that decides how the scheduler treats the owning task, and optionally
// the integrated system it originated from so operators can be alerted.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code classifies an error for retry and escalation decisions.
type Code string

const (
	// CodeValidation is a malformed request or location; the task fails immediately.
	CodeValidation Code = "VALIDATION"
	// CodeAuthentication is an invalid or expired credential; never retried.
	CodeAuthentication Code = "AUTHENTICATION"
	// CodeUnsupported is a capability the selected backend cannot provide.
	CodeUnsupported Code = "UNSUPPORTED_OPERATION"
	// CodeTransient is a retryable transport failure.
	CodeTransient Code = "TRANSIENT_TRANSPORT"
	// CodeStallTimeout is raised by the scheduler for stuck transfers.
	CodeStallTimeout Code = "STALL_TIMEOUT"
	// CodeNotFound is a missing task or path.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict is an optimistic concurrency version mismatch.
	CodeConflict Code = "CONFLICT"
	// CodeBusy means a bounded resource is saturated; try again next cycle.
	CodeBusy Code = "BUSY"
	// CodeInternal is an unexpected internal failure.
	CodeInternal Code = "INTERNAL"
)

// IntegratedSystem identifies the external system an error came from.
type IntegratedSystem string

const (
	SystemNone            IntegratedSystem = ""
	SystemObjectStore     IntegratedSystem = "OBJECT_STORE"
	SystemManagedEndpoint IntegratedSystem = "MANAGED_ENDPOINT"
	SystemAccelerated     IntegratedSystem = "ACCELERATED_UDP"
	SystemDrive           IntegratedSystem = "CONSUMER_DRIVE"
	SystemPosix           IntegratedSystem = "POSIX_BRIDGE"
	SystemDatabase        IntegratedSystem = "DATABASE"
	SystemSecrets         IntegratedSystem = "SECRETS_MANAGER"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	System  IntegratedSystem
	Cause   error
	stack   []uintptr
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	if e.System != SystemNone {
		b.WriteString(string(e.System))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors with the same code so callers can use errors.Is with the
// sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// WithSystem attributes the error to an integrated system.
func (e *Error) WithSystem(system IntegratedSystem) *Error {
	e.System = system
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation     = &Error{Code: CodeValidation}
	ErrAuthentication = &Error{Code: CodeAuthentication}
	ErrUnsupported    = &Error{Code: CodeUnsupported}
	ErrTransient      = &Error{Code: CodeTransient}
	ErrStallTimeout   = &Error{Code: CodeStallTimeout}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrConflict       = &Error{Code: CodeConflict}
	ErrBusy           = &Error{Code: CodeBusy}
)

// New creates an error with the given code and captures the call stack.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, stack: callers()}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, stack: callers()}
}

func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

func Authentication(system IntegratedSystem, cause error) *Error {
	return Wrap(CodeAuthentication, cause, "authentication failed").WithSystem(system)
}

// Unsupported reports a capability the backend cannot provide.
func Unsupported(system IntegratedSystem, operation string) *Error {
	return Newf(CodeUnsupported, "operation %s is not supported", operation).WithSystem(system)
}

func Transient(system IntegratedSystem, cause error, message string) *Error {
	return Wrap(CodeTransient, cause, message).WithSystem(system)
}

func NotFound(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

func Busy(format string, args ...any) *Error {
	return Newf(CodeBusy, format, args...)
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// SystemOf returns the integrated system the error is attributed to.
func SystemOf(err error) IntegratedSystem {
	var e *Error
	for cur := err; cur != nil; {
		if !errors.As(cur, &e) {
			return SystemNone
		}
		if e.System != SystemNone {
			return e.System
		}
		cur = e.Cause
	}
	return SystemNone
}

// IsRetryable reports whether the scheduler may retry the operation.
// Untyped errors are classified by message like network failures usually are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeTransient
	}
	return looksTransient(err)
}

// IsPermanent reports whether the error must fail the task without retry.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeAuthentication, CodeUnsupported, CodeStallTimeout, CodeNotFound:
		return true
	}
	return false
}

// Trace renders the stack captured when the error was created.
func Trace(err error) string {
	var e *Error
	if !errors.As(err, &e) || len(e.stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.stack)
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

func callers() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

func looksTransient(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
