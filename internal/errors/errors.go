// Package errors provides the error taxonomy for hydrocal calibration campaigns.
//
// Every error carries a Kind that decides how far it may travel: configuration
// errors abort the campaign at startup, everything else is contained by the
// component that raised it.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error by the way the campaign must react to it.
type Kind int

const (
	// KindUnknown is the zero value for errors created without a kind.
	KindUnknown Kind = iota
	// KindConfiguration errors are fatal and must stop the campaign before
	// any evaluation runs.
	KindConfiguration
	// KindEvaluation errors fail a single evaluation, which is then scored
	// with the sentinel objective.
	KindEvaluation
	// KindLedger errors are logged; the evaluation result is still returned.
	KindLedger
	// KindCleanup errors are logged and ignored.
	KindCleanup
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindEvaluation:
		return "evaluation"
	case KindLedger:
		return "ledger"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Error represents an error with context and stack trace.
type Error struct {
	// Kind decides how the error propagates
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Message != "" {
		builder.WriteString(e.Message)
	}

	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString("operation=")
		builder.WriteString(e.Operation)
	}

	if e.Component != "" {
		if builder.Len() > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString("component=")
		builder.WriteString(e.Component)
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithKind sets the error kind.
func (e *Error) WithKind(kind Kind) *Error {
	e.Kind = kind
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// E builds a kinded error for op in component. err may be nil when the
// message alone describes the failure.
func E(kind Kind, component, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Err:       err,
		Operation: op,
		Component: component,
		Stack:     getStackTrace(),
	}
}

// Configuration is shorthand for a KindConfiguration error with a formatted message.
func Configuration(component, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      KindConfiguration,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Stack:     getStackTrace(),
	}
}

// Wrap wraps an error with additional context. The kind of an existing
// *Error is preserved.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}

	var kind Kind
	var inner *Error
	if stderrors.As(err, &inner) {
		kind = inner.Kind
	}

	return &Error{
		Kind:    kind,
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain that has
// one set, or KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind != KindUnknown {
			return e.Kind
		}
		err = stderrors.Unwrap(err)
	}
	return KindUnknown
}

// IsConfiguration reports whether err must abort the campaign.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	if err == nil || target == nil {
		return false
	}
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
