package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inaiurai/idleclaim/internal/breaker"
	"github.com/inaiurai/idleclaim/internal/repository"
)

var (
	// ErrValidation is returned for a missing or malformed account id.
	ErrValidation = errors.New("invalid account id")
	// ErrNotFound is returned when the account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrPersistence wraps storage failures the caller may retry later.
	ErrPersistence = errors.New("temporarily unavailable")
	// ErrBreakerOpen is matched by *BreakerOpenError.
	ErrBreakerOpen = errors.New("try again later")
	// ErrConcurrentClaim is returned when another claim for the same account
	// committed during both attempts of this one.
	ErrConcurrentClaim = errors.New("claim already in progress")
)

// BreakerOpenError is returned when a breaker rejects the call. No storage
// was touched.
type BreakerOpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("%s: breaker open, retry after %s", e.Operation, e.RetryAfter)
}

func (e *BreakerOpenError) Is(target error) bool { return target == ErrBreakerOpen }

// CountsAsFailure decides which errors trip the claim and status breakers.
// Client errors and caller cancellation are neutral: they neither count as
// failures nor prove storage healthy.
func CountsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrStaleWrite),
		errors.Is(err, ErrConcurrentClaim),
		errors.Is(err, repository.ErrDuplicateEmail),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// translate maps store and breaker errors onto the exported kinds.
func (c *Coordinator) translate(ctx context.Context, b *breaker.Breaker, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, breaker.ErrOpen):
		return &BreakerOpenError{Operation: b.Name(), RetryAfter: retryAfter(b)}
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConcurrentClaim):
		return ErrConcurrentClaim
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// retryAfter is never below one second; a half-open breaker rejects only
// while its trial is in flight.
func retryAfter(b *breaker.Breaker) time.Duration {
	d := b.RetryIn()
	if d < time.Second {
		d = time.Second
	}
	return d.Round(time.Second)
}
