// Package retry implements bounded exponential backoff for the two
// operations that deserve it: session creation and prompt dispatch.
// Arbitrary requests are never retried.
package retry

import (
	"context"
	"strings"
	"time"

	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// fatalPatterns are matched case-insensitively against error text before
// each retry. A match aborts immediately regardless of remaining attempts.
var fatalPatterns = []string{
	"rate limit",
	"usage limit",
	"authentication",
	"unauthorized",
	"forbidden",
	"invalid key",
	"suspended",
}

// Config controls the backoff schedule.
type Config struct {
	// MaxAttempts is the attempt ceiling, including the first try.
	MaxAttempts int

	// BackoffBase is the delay before attempt 2; attempt n waits
	// BackoffBase * 2^(n-2).
	BackoffBase time.Duration

	// Sleep is overridable for tests. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the production schedule: 3 attempts with delays
// of 2s then 4s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// IsFatal reports whether the error text matches a pattern that must
// never be retried. Structured fatal and auth errors count too.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if bridgeerrors.IsFatal(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, exhausts the attempt ceiling, hits a fatal
// error, or the context is cancelled. The returned error is the last
// attempt's error; intermediate failures are logged, never surfaced.
func Do(ctx context.Context, cfg Config, log *logger.Logger, operation string, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsFatal(lastErr) {
			log.Warn("operation failed with non-retryable error",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BackoffBase << (attempt - 1)
		log.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
