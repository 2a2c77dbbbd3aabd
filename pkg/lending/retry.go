package lending

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"library_lending/pkg/storage"
)

const (
	defaultMaxAttempts  = 4
	defaultBaseDelay    = 5 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
}

// retryOnConflict runs fn until it succeeds, fails with anything other than a
// storage conflict, or runs out of attempts. Backoff doubles from baseDelay and
// carries jitter. The last error is returned as is.
func retryOnConflict(ctx context.Context, cfg retryConfig, fn func(ctx context.Context) error) (attempts int, err error) {
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // jitter only
			timer := time.NewTimer(delay + time.Duration(jitter))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			}
		}

		err = fn(ctx)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			return attempt + 1, err
		}
	}
	return cfg.maxAttempts, err
}
