// Package apperr provides a standardized error type for use across the
// bridge node's internal packages.
//
// Error is the base error type that captures component, operation, and
// optional status code and details. It implements the error and Unwrap
// interfaces for seamless integration with the standard errors package.
//
// Usage:
//
//	err := apperr.New("overlay", "Join", someErr)
//	err = err.WithStatusCode(400).WithDetails(map[string]any{"topic": name})
package apperr

import "fmt"

// Error is a structured error type that provides consistent context
// about where and why an error occurred.
type Error struct {
	// Component identifies the package that produced the error
	// (e.g. "identity", "overlay", "ktp", "httpapi", "a2a").
	Component string

	// Operation describes what was being done when the error occurred.
	Operation string

	// StatusCode is an optional HTTP status code associated with the error.
	StatusCode int

	// Details holds optional structured metadata about the error.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// New creates an Error with the given component, operation, and cause.
func New(component, operation string, cause error) *Error {
	return &Error{
		Component: component,
		Operation: operation,
		Cause:     cause,
	}
}

// Error returns a human-readable representation of the error.
func (e *Error) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Operation)

	if e.StatusCode != 0 {
		base += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}

	return base
}

// Unwrap returns the underlying cause, enabling use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithStatusCode sets the status code and returns the error for chaining.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithDetails sets the details map and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}
