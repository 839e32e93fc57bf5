// Package poolerrors provides structured error handling for the session pool with
// error categorization, structured details, and captured stack traces.
//
// # Overview
//
// Every error surfaced by the pool carries an ErrorType. Callers only ever need
// to distinguish three of them:
//   - ErrorTypeAlreadyClosed: the session or handle was used after Close
//   - ErrorTypeCascadeClose: one or more child resources failed to close
//   - ErrorTypePoolExhausted: no capacity was available before the deadline
//
// Validation and abandonment failures are handled inside the pool and normally
// only appear in logs.
//
// # Basic Usage
//
//	if poolerrors.IsType(err, poolerrors.ErrorTypePoolExhausted) {
//	    // back off and retry later
//	}
//
//	// Sentinels work with errors.Is
//	if errors.Is(err, poolerrors.ErrAlreadyClosed) {
//	    // stale handle
//	}
package poolerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeAlreadyClosed represents use of a closed session, handle, command or cursor
	ErrorTypeAlreadyClosed ErrorType = "already_closed"
	// ErrorTypeValidationFailed represents a failed session validation
	ErrorTypeValidationFailed ErrorType = "validation_failed"
	// ErrorTypeCascadeClose represents failures while closing child resources
	ErrorTypeCascadeClose ErrorType = "cascade_close"
	// ErrorTypeAbandonedReclaim represents a failure to destroy a reclaimed session
	ErrorTypeAbandonedReclaim ErrorType = "abandoned_reclaim"
	// ErrorTypePoolExhausted represents a borrow that could not obtain capacity
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	// ErrorTypePoolClosed represents use of a closed pool
	ErrorTypePoolClosed ErrorType = "pool_closed"
	// ErrorTypeDriver represents errors returned by the native driver
	ErrorTypeDriver ErrorType = "driver"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

var (
	// ErrAlreadyClosed matches any error of type ErrorTypeAlreadyClosed.
	ErrAlreadyClosed = &Error{Type: ErrorTypeAlreadyClosed, Message: "already closed"}
	// ErrValidationFailed matches any error of type ErrorTypeValidationFailed.
	ErrValidationFailed = &Error{Type: ErrorTypeValidationFailed, Message: "validation failed"}
	// ErrPoolExhausted matches any error of type ErrorTypePoolExhausted.
	ErrPoolExhausted = &Error{Type: ErrorTypePoolExhausted, Message: "pool exhausted"}
	// ErrPoolClosed matches any error of type ErrorTypePoolClosed.
	ErrPoolClosed = &Error{Type: ErrorTypePoolClosed, Message: "pool closed"}
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same type. This lets the
// package sentinels match any error of their category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context. If the error is
// already a structured Error its stack is preserved. Returns nil for nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if the error (or anything it wraps) is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) && e.Type == errType {
		return true
	}
	var ce *CascadeError
	return errType == ErrorTypeCascadeClose && errors.As(err, &ce)
}

// CaptureStack returns the caller's stack, skipping skip frames above the caller.
func CaptureStack(skip int) []StackFrame {
	return captureStack(skip + 2)
}

// FormatStack renders frames one per line in "function\n\tfile:line" form.
func FormatStack(frames []StackFrame) string {
	var b strings.Builder
	for _, f := range frames {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
	}
	return b.String()
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
