package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scootdev/stitch/common/stats"
)

func TestRetryThenSucceed(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:           3,
		BaseDelay:             10 * time.Millisecond,
		UseExponentialBackoff: true,
		BackoffMultiplier:     2.0,
		UseJitter:             false,
	}
	r := NewRetrier("flaky", cfg, stats.NilStatsReceiver())

	attempts := 0
	var attemptTimes []time.Time
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		attemptTimes = append(attemptTimes, time.Now())
		if attempts < 3 {
			return errors.New("transient blip")
		}
		return nil
	})

	if err != nil {
		t.Fatal("Expected success after three attempts, got", err)
	}
	if attempts != 3 {
		t.Error("Expected 3 attempts, got", attempts)
	}

	// Sleeps of 10ms then 20ms, modulo scheduler slop.
	gap1 := attemptTimes[1].Sub(attemptTimes[0])
	gap2 := attemptTimes[2].Sub(attemptTimes[1])
	if gap1 < 10*time.Millisecond {
		t.Error("Expected first sleep >= 10ms, got", gap1)
	}
	if gap2 < 20*time.Millisecond {
		t.Error("Expected second sleep >= 20ms, got", gap2)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}
	r := NewRetrier("hopeless", cfg, stats.NilStatsReceiver())

	attempts := 0
	lastErr := errors.New("still broken")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return lastErr
	})

	if attempts != 3 {
		t.Error("Expected exactly MaxAttempts attempts, got", attempts)
	}
	if err != lastErr {
		t.Error("Expected the most recent underlying failure to surface, got", err)
	}
}

func TestRetryPermanentFailureNotRetried(t *testing.T) {
	r := NewRetrier("strict", RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, stats.NilStatsReceiver())

	attempts := 0
	cause := errors.New("validation failed")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(cause)
	})

	if attempts != 1 {
		t.Error("Expected a permanent failure to short-circuit, got attempts:", attempts)
	}
	if !IsPermanent(err) {
		t.Error("Expected the original failure to surface unchanged, got", err)
	}
}

func TestRetryCancellationNotRetried(t *testing.T) {
	r := NewRetrier("cancelled", RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, stats.NilStatsReceiver())

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := r.Execute(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return ctx.Err()
	})

	if attempts != 1 {
		t.Error("Expected cancellation to be terminal, got attempts:", attempts)
	}
	if !IsCancellation(err) {
		t.Error("Expected a cancellation error, got", err)
	}
}

func TestRetryCancelledDuringSleep(t *testing.T) {
	r := NewRetrier("sleepy", RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}, stats.NilStatsReceiver())

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !IsCancellation(err) {
			t.Error("Expected cancellation to surface from the sleep, got", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected cancellation to interrupt the backoff sleep")
	}
	if attempts != 1 {
		t.Error("Expected no further attempts after cancellation, got", attempts)
	}
}

func TestRetryEmitsAttemptStats(t *testing.T) {
	stat := stats.DefaultStatsReceiver()
	r := NewRetrier("observed", RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, stat)

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatal("Expected success, got", err)
	}

	name := stats.TaggedName(stats.RetryAttemptsCounter, stats.Tags{
		stats.TagOperation:     "observed",
		stats.TagAttemptNumber: "2",
		stats.TagIsSuccessful:  "true",
	})
	if got := stat.Counter(name).Count(); got != 1 {
		t.Error("Expected one retry attempt recorded, got", got)
	}
}
