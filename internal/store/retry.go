package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"agentarena/broker/internal/logging"
)

// RetryPolicy bounds how transient store failures are retried.
type RetryPolicy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy mirrors the broker's configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, MinBackoff: 50 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// withRetry runs the operation with exponential backoff up to the bounded
// attempt count. A duplicate-key conflict from an idempotent upsert is treated
// as success so concurrent membership writes never surface an error. Record
// absence is not transient and aborts immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := s.retry.normalised()
	backoff := policy.MinBackoff

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Two code paths raced to create the same row; the row exists,
			// which is exactly the desired outcome.
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		s.retries.Add(1)
		if attempt == policy.Attempts {
			break
		}
		s.log.Warn("store operation failed, retrying",
			logging.String("op", op),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", backoff),
			logging.Error(err),
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	s.log.Error("store operation failed permanently", logging.String("op", op), logging.Error(lastErr))
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
