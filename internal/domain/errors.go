package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested record does not exist remotely.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCancelled indicates that an operation was superseded or aborted.
	ErrCancelled = errors.New("cancelled")

	// ErrTransient indicates a network or server failure that may succeed on retry.
	ErrTransient = errors.New("transient network failure")

	// ErrCacheCorruption indicates a persisted cache record failed its integrity check.
	ErrCacheCorruption = errors.New("cache corruption")

	// ErrPartialEnrichment indicates that some enrichment batches failed.
	ErrPartialEnrichment = errors.New("partial enrichment failure")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a record missing on the remote side.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ExternalAPIError provides details about a failed remote call. It always
// matches ErrTransient and additionally unwraps to its cause, if any.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the transient sentinel and the underlying cause.
func (e *ExternalAPIError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Cause}
}

// CorruptionError describes a cache file that failed verification.
type CorruptionError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache record %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *CorruptionError) Unwrap() error {
	return ErrCacheCorruption
}

// PartialEnrichmentError reports how many enrichment batches failed.
// Enrichment never fails as a whole; this is informational.
type PartialEnrichmentError struct {
	Failed int
	Total  int
	Last   error
}

// Error implements the error interface.
func (e *PartialEnrichmentError) Error() string {
	return fmt.Sprintf("enrichment: %d of %d batches failed: %v", e.Failed, e.Total, e.Last)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *PartialEnrichmentError) Unwrap() error {
	return ErrPartialEnrichment
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewCorruptionError creates a new CorruptionError.
func NewCorruptionError(path, reason string) *CorruptionError {
	return &CorruptionError{
		Path:   path,
		Reason: reason,
	}
}

// IsCancellation reports whether err stems from an aborted or superseded request.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
