package errors

import (
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryRuntime Category = "runtime"
	CategoryCLI     Category = "cli"
)

// TetherError is a coded error with an explanation and a fix suggestion.
type TetherError struct {
	// Code is a unique error identifier (e.g., "T101").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation, usually specific to the call site.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// DocURL is a link to documentation about this error.
	DocURL string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *TetherError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *TetherError) Unwrap() error {
	return e.Wrapped
}

// WithDetail adds a detailed explanation to the error.
func (e *TetherError) WithDetail(d string) *TetherError {
	e.Detail = d
	return e
}

// WithDetailf adds a formatted explanation to the error.
func (e *TetherError) WithDetailf(format string, args ...any) *TetherError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *TetherError) WithSuggestion(s string) *TetherError {
	e.Suggestion = s
	return e
}

// Wrap wraps another error.
func (e *TetherError) Wrap(err error) *TetherError {
	e.Wrapped = err
	return e
}

// New creates a TetherError from a registered error code.
func New(code string) *TetherError {
	template, ok := registry[code]
	if !ok {
		return &TetherError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &TetherError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		DocURL:   template.DocURL,
	}
}

// Newf creates a TetherError with a formatted message and no code.
func Newf(category Category, format string, args ...any) *TetherError {
	return &TetherError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err in a TetherError with the given code unless it
// already is one.
func FromError(err error, code string) *TetherError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TetherError); ok {
		return te
	}
	return New(code).Wrap(err)
}

// Explain returns the registered explanation for code.
func Explain(code string) string {
	return registry[code].Detail
}
