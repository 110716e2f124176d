package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cadencely/models"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to
	// another tenant.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict means a conditional update lost to another
	// writer. Callers inside the engine treat it as success elsewhere.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidTransition is re-exported for callers that only import engine.
	ErrInvalidTransition = models.ErrInvalidTransition
)

// ValidationError reports malformed input, one message per field.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConfigurationError means the operation cannot run against the current
// shape of the data, e.g. enrolling into a sequence with no steps.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// GenerationFailure wraps any error from the content generator. The
// execution stays in pending_review with the message recorded.
type GenerationFailure struct {
	ExecutionID uint
	Err         error
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("content generation failed for execution %d: %v", e.ExecutionID, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// DispatchFailure wraps a channel error. The execution is marked failed and
// is never retried automatically.
type DispatchFailure struct {
	ExecutionID uint
	Channel     models.Channel
	Err         error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("%s dispatch failed for execution %d: %v", e.Channel, e.ExecutionID, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }
