package api

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"
)

// DateLayout is the calendar date format used across payloads and records.
const DateLayout = "2006-01-02"

// FieldIssue describes one invalid or missing field.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed or incomplete input. It is
// never retried.
type ValidationError struct {
	Issues []FieldIssue
}

// NewValidationError builds a ValidationError from the given issues.
func NewValidationError(issues ...FieldIssue) *ValidationError {
	return &ValidationError{Issues: issues}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConfigError reports a missing or invalid credential or identifier.
// Retrying cannot help, so it is fatal.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as fatal for the retry policy. It returns nil
// when err is nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
// Validation, configuration and explicitly marked errors are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *ValidationError
		ce *ConfigError
		nr *nonRetryableError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &nr):
		return false
	}
	return true
}

// issues accumulates field problems while validating a payload.
type issues []FieldIssue

func (v *issues) add(field, msg string) {
	*v = append(*v, FieldIssue{Field: field, Message: msg})
}

func (v *issues) required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
		return false
	}
	return true
}

func (v *issues) email(field, value string) {
	if !v.required(field, value) {
		return
	}
	if _, err := mail.ParseAddress(value); err != nil || !strings.Contains(value, "@") {
		v.add(field, "must be a valid email address")
	}
}

func (v *issues) date(field, value string) {
	if !v.required(field, value) {
		return
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		v.add(field, "must be a date in YYYY-MM-DD format")
	}
}

func (v *issues) oneOf(field, value string, allowed ...string) {
	if !v.required(field, value) {
		return
	}
	if !slices.Contains(allowed, value) {
		v.add(field, "must be one of "+strings.Join(allowed, ", "))
	}
}

func (v issues) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Issues: v}
}

// Validator is the exported face of the field checks used by payloads, for
// request bodies validated outside this package.
type Validator struct {
	v issues
}

func (x *Validator) Add(field, msg string)             { x.v.add(field, msg) }
func (x *Validator) Required(field, value string) bool { return x.v.required(field, value) }
func (x *Validator) Email(field, value string)         { x.v.email(field, value) }
func (x *Validator) Date(field, value string)          { x.v.date(field, value) }

func (x *Validator) OneOf(field, value string, allowed ...string) {
	x.v.oneOf(field, value, allowed...)
}

// Err returns the accumulated ValidationError, or nil.
func (x *Validator) Err() error { return x.v.err() }
