// Package errors provides the saga core's error taxonomy, categorization,
// and retry support.
//
// The package implements a layered error handling approach:
//   - Categorization: classify an error so the Executor knows whether to
//     retry, compensate, or terminate the saga.
//   - Retry: handle transient failures with exponential backoff and jitter.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled by the Executor.
type Category int

const (
	// CategoryTransient indicates a retry will likely help.
	// Examples: connection resets, lock contention, statement timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retrying won't help; the step failed and,
	// if authoritative, the saga must compensate.
	CategoryPermanent

	// CategoryTimeout indicates a step exceeded its allotted timeout. Treated
	// as permanent for the current attempt: the attempt is abandoned, but the
	// retry policy (if any attempts remain) may still re-invoke the step.
	CategoryTimeout

	// CategoryDerived indicates failure of a non-authoritative (derived) step.
	// Reported in the result envelope; never triggers compensation.
	CategoryDerived

	// CategoryCompensationFailure indicates a compensation action itself
	// failed. Always terminal: the saga moves to failed and is never retried
	// or absorbed.
	CategoryCompensationFailure

	// CategoryCancelled indicates the operation was abandoned due to context
	// cancellation. Treated as a permanent failure at the next suspension
	// point.
	CategoryCancelled
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryTimeout:
		return "timeout"
	case CategoryDerived:
		return "derived"
	case CategoryCompensationFailure:
		return "compensation_failure"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and the step/saga
// context in which it occurred.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted, e.g.
	// "step insert_record".
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Timeout creates a timeout error.
func Timeout(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTimeout, context)
}

// Derived creates a derived-step failure.
func Derived(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryDerived, context)
}

// CompensationFailure creates a compensation-failure error. The Executor
// never retries or absorbs this category.
func CompensationFailure(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCompensationFailure, context)
}

// Cancelled creates a cancellation error.
func Cancelled(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCancelled, context)
}

// Categorize determines how an error should be handled. Errors that already
// carry a category (via errors.As to *CategorizedError) keep it; well-known
// sentinel errors (context.Canceled, context.DeadlineExceeded) are mapped
// explicitly; anything else defaults to permanent (fail safe: an
// unrecognized error should not be retried indefinitely).
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsTerminal reports whether the error must end the saga in failed, with no
// further retry or compensation absorption possible.
func IsTerminal(err error) bool {
	return Categorize(err) == CategoryCompensationFailure
}
