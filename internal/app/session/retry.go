package session

import (
	"context"
	"errors"
	"time"

	"github.com/nebulachat/voicecore/internal/core"
)

// IsIdentityConflict is the retryable-error predicate for the join loop:
// only gateway identity collisions are worth a derived-identity retry.
func IsIdentityConflict(err error) bool {
	return errors.Is(err, core.ErrIdentityConflict)
}

// RetryPolicy bounds the identity-conflict recovery loop. Only errors the
// predicate accepts are retried; anything else fails the attempt
// immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(error) bool
}

// LinearBackoff returns base multiplied by the attempt number.
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Do runs op up to MaxAttempts times, sleeping Backoff(attempt) after each
// retryable failure. It returns the first non-retryable error, or the last
// error once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(attempt)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
