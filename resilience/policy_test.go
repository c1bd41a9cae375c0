package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scootdev/stitch/common/stats"
)

func TestPolicyTimeoutBoundsEachAttempt(t *testing.T) {
	retrier := NewRetrier("slow", RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, stats.NilStatsReceiver())
	p := NewPolicy(retrier, nil, 20*time.Millisecond)

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})

	if !IsTimeout(err) {
		t.Error("Expected the final failure to be a timeout, got", err)
	}
	if attempts != 3 {
		t.Error("Expected the timeout to bound each attempt separately, attempts:", attempts)
	}
}

func TestPolicyRetriesDoNotBypassOpenBreaker(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.BreakDuration = time.Hour
	cb := NewCircuitBreaker("down", cfg, stats.NilStatsReceiver())
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), failingOp)
	}

	retrier := NewRetrier("caller", RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, stats.NilStatsReceiver())
	p := NewPolicy(retrier, cb, time.Second)

	invoked := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		invoked++
		return nil
	})

	if !IsCircuitOpen(err) {
		t.Error("Expected CircuitOpenError from the pipeline, got", err)
	}
	if invoked != 0 {
		t.Error("Expected the inner op to never run against an open breaker, ran:", invoked)
	}
}

func TestPolicyEachAttemptIsOneBreakerSample(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.MinimumThroughput = 3
	cb := NewCircuitBreaker("sampled", cfg, stats.NilStatsReceiver())

	retrier := NewRetrier("caller", RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, stats.NilStatsReceiver())
	p := NewPolicy(retrier, cb, time.Second)

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("Expected the pipeline to fail")
	}

	// Three retry attempts produced three samples; that is enough to open.
	if cb.State() != Open {
		t.Error("Expected each inner attempt classified as a distinct sample, state:", cb.State())
	}
}

func TestPolicySuccessPassesValue(t *testing.T) {
	retrier := NewRetrier("ok", DefaultRetryConfig(), stats.NilStatsReceiver())
	cb := NewCircuitBreaker("ok", DefaultCircuitBreakerConfig(), stats.NilStatsReceiver())
	p := NewPolicy(retrier, cb, time.Second)

	val, err := p.ExecuteValue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatal("Expected success, got", err)
	}
	if val.(string) != "hello" {
		t.Error("Expected the value to pass through the pipeline, got", val)
	}
}
