package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/metrics"
)

// RetryPolicy is a bounded fixed-delay retry, used for every hub call that
// may race the hub's chain indexer
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Jitter      time.Duration // upper bound of a random extra delay, 0 = none
}

// DefaultRetryPolicy is 6 attempts 5 seconds apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 6, Delay: 5 * time.Second}
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

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

func (p RetryPolicy) delay() time.Duration {
	if p.Jitter <= 0 {
		return p.Delay
	}
	return p.Delay + time.Duration(rand.Int64N(int64(p.Jitter)))
}

// attemptFunc reports done=false with a nil error for "not yet" answers
type attemptFunc func(ctx context.Context, attempt int) (done bool, err error)

// retry runs fn until it is done, fails with a non-transient error, or the
// policy runs out of attempts
func (s *Sequencer) retry(ctx context.Context, operation string, fn attemptFunc) error {
	attempts := s.retryPolicy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := fn(ctx, attempt)
		switch {
		case err == nil && done:
			return nil
		case err != nil && !hub.IsTransient(err):
			return err
		case err != nil:
			last = err
		default:
			last = ErrStillIndexing
		}

		if attempt == attempts {
			break
		}

		reason := retryReason(last)
		metrics.RecordHubRetry(operation, reason)
		wait := s.retryPolicy.delay()
		s.logger.DebugContext(ctx, "hub call not ready, retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("reason", reason),
			slog.Duration("delay", wait))

		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}

	metrics.RecordHubRetryExhausted(operation)
	return fmt.Errorf("hub %s: %w after %d attempts: %w", operation, ErrRetriesExhausted, attempts, last)
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrStillIndexing):
		return "indexing"
	case errors.Is(err, hub.ErrNotReady), errors.Is(err, hub.ErrNotFound):
		return "not_ready"
	case errors.Is(err, hub.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, hub.ErrServer):
		return "server_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network"
	}
}
