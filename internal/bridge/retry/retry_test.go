package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	bridgeerrors "github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// fakeSleep records requested delays without actually waiting.
func fakeSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	var delays []time.Duration
	cfg := Config{MaxAttempts: 3, BackoffBase: 2 * time.Second, Sleep: fakeSleep(&delays)}

	calls := 0
	err := Do(context.Background(), cfg, logger.Default(), "session", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || len(delays) != 0 {
		t.Errorf("expected 1 call and no sleeps, got %d calls %v", calls, delays)
	}
}

func TestDoBackoffScheduleThenSuccess(t *testing.T) {
	var delays []time.Duration
	cfg := Config{MaxAttempts: 3, BackoffBase: 2 * time.Second, Sleep: fakeSleep(&delays)}

	calls := 0
	err := Do(context.Background(), cfg, logger.Default(), "session", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	cfg := Config{MaxAttempts: 3, BackoffBase: time.Second, Sleep: fakeSleep(&delays)}

	calls := 0
	wantErr := errors.New("connection reset")
	err := Do(context.Background(), cfg, logger.Default(), "session", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if calls != 3 || len(delays) != 2 {
		t.Errorf("expected 3 attempts and 2 sleeps, got %d/%d", calls, len(delays))
	}
}

func TestDoStopsOnFatalPattern(t *testing.T) {
	fatals := []string{
		"Unauthorized: bad token",
		"you hit your usage limit",
		"Rate Limit exceeded, slow down",
		"account suspended pending review",
		"invalid key provided",
		"403 Forbidden",
		"authentication failed",
	}
	for _, msg := range fatals {
		t.Run(msg, func(t *testing.T) {
			var delays []time.Duration
			cfg := Config{MaxAttempts: 5, BackoffBase: time.Second, Sleep: fakeSleep(&delays)}

			calls := 0
			err := Do(context.Background(), cfg, logger.Default(), "prompt", func(ctx context.Context) error {
				calls++
				return errors.New(msg)
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if calls != 1 {
				t.Errorf("fatal error must stop after attempt 1, got %d attempts", calls)
			}
			if len(delays) != 0 {
				t.Errorf("fatal error must not sleep, got %v", delays)
			}
		})
	}
}

func TestDoStopsOnStructuredFatal(t *testing.T) {
	var delays []time.Duration
	cfg := Config{MaxAttempts: 3, BackoffBase: time.Second, Sleep: fakeSleep(&delays)}

	calls := 0
	err := Do(context.Background(), cfg, logger.Default(), "session", func(ctx context.Context) error {
		calls++
		return bridgeerrors.AuthenticationRequired("please log in first")
	})
	if err == nil || calls != 1 {
		t.Fatalf("structured auth error must stop after attempt 1, got %d attempts err=%v", calls, err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		},
	}
	err := Do(context.Background(), cfg, logger.Default(), "session", func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsFatalIsCaseInsensitive(t *testing.T) {
	if !IsFatal(errors.New("USAGE LIMIT reached")) {
		t.Error("uppercase pattern should match")
	}
	if IsFatal(errors.New("connection reset by peer")) {
		t.Error("transient error should not be fatal")
	}
	if IsFatal(nil) {
		t.Error("nil error is never fatal")
	}
}
