// Package apperr holds the error categories surfaced to callers of the settlement core.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Categories. Handlers map these to status codes with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrAuthorization     = errors.New("not authorized")
	ErrStateConflict     = errors.New("state conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrIntegrityRejected = errors.New("proof rejected by integrity check")
	ErrNotFound          = errors.New("not found")
)

// Specific conflicts. Each wraps its category.
var (
	ErrAlreadyJoined       = fmt.Errorf("%w: already joined this pact", ErrStateConflict)
	ErrAlreadySubmitted    = fmt.Errorf("%w: proof already submitted", ErrStateConflict)
	ErrAlreadyVoted        = fmt.Errorf("%w: already voted on this proof", ErrStateConflict)
	ErrAlreadyDisputed     = fmt.Errorf("%w: already disputed this proof", ErrStateConflict)
	ErrAlreadyResolved     = fmt.Errorf("%w: dispute already resolved", ErrStateConflict)
	ErrAlreadyDistributing = fmt.Errorf("%w: payout distribution already in progress", ErrStateConflict)
	ErrAlreadyCompleted    = fmt.Errorf("%w: pact already completed", ErrStateConflict)
)

// Validationf builds a validation error with a readable reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbiddenf builds an authorization error with a readable reason.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// Conflictf builds a state conflict error with a readable reason.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not-found error naming the missing entity.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// RateLimitedError is returned when an identity exhausted its window for an action.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %d seconds", e.Action, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up so a client never retries too early.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// IntegrityError carries the score that caused a proof to be refused.
type IntegrityError struct {
	Score  int
	Issues []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("proof rejected by integrity check: score %d below floor", e.Score)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityRejected }
