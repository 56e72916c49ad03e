// Package util provides logging helpers and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for gateway failure modes
var (
	ErrQueueFull         = errors.New("request queue full")
	ErrLinkClosed        = errors.New("link closed")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrNotFound          = errors.New("resource not found")
	ErrAddressNotAllowed = errors.New("address not allowed")
	ErrInvalidQuery      = errors.New("query rejected")
	ErrValidationFailed  = errors.New("validation failed")
)

// AllowListError reports a homebase address rejected by the allow-list.
type AllowListError struct {
	Address string
}

func (e *AllowListError) Error() string {
	return fmt.Sprintf("address %q is not in homebase_allowed_ips", e.Address)
}

func (e *AllowListError) Unwrap() error {
	return ErrAddressNotAllowed
}

// NewAllowListError creates an allow-list rejection error
func NewAllowListError(address string) *AllowListError {
	return &AllowListError{Address: address}
}

// QueryError reports a browser SQL query rejected by the read-only guard.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string {
	return "query rejected: " + e.Reason
}

func (e *QueryError) Unwrap() error {
	return ErrInvalidQuery
}

// NewQueryError creates a query rejection error
func NewQueryError(reason string) *QueryError {
	return &QueryError{Reason: reason}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
