package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
)

// Classifier decides whether a failure is transient and worth retrying.
type Classifier func(error) bool

type RetryConfig struct {
	// Total number of attempts, the first one included.
	MaxAttempts int

	BaseDelay             time.Duration
	UseExponentialBackoff bool
	BackoffMultiplier     float64

	// Additive uniform jitter in [0, MaxJitter), sampled independently per attempt.
	UseJitter bool
	MaxJitter time.Duration

	// Classify overrides the default transient classifier (IsTransient).
	Classify Classifier
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:           3,
		BaseDelay:             1 * time.Second,
		UseExponentialBackoff: true,
		BackoffMultiplier:     2.0,
		UseJitter:             true,
		MaxJitter:             100 * time.Millisecond,
	}
}

// Retrier re-runs an operation on transient failure, sleeping a jittered
// exponential backoff between attempts. Non-transient failures and
// cancellations short-circuit; the original failure is surfaced unchanged.
type Retrier struct {
	name string
	cfg  RetryConfig
	rec  *stats.Recorder

	// NewBackOff builds the sleep schedule for one execution. Overridable
	// for custom schedules; defaults to the config-driven jittered schedule.
	NewBackOff func() backoff.BackOff
}

func NewRetrier(name string, cfg RetryConfig, stat stats.StatsReceiver) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 1
	}
	r := &Retrier{name: name, cfg: cfg, rec: stats.NewRecorder(stat)}
	r.NewBackOff = r.defaultBackOff
	return r
}

func (r *Retrier) defaultBackOff() backoff.BackOff {
	if !r.cfg.UseExponentialBackoff && !r.cfg.UseJitter {
		return backoff.NewConstantBackOff(r.cfg.BaseDelay)
	}
	return &jitteredBackOff{
		base:        r.cfg.BaseDelay,
		multiplier:  r.cfg.BackoffMultiplier,
		exponential: r.cfg.UseExponentialBackoff,
		maxJitter:   r.maxJitter(),
	}
}

func (r *Retrier) maxJitter() time.Duration {
	if !r.cfg.UseJitter {
		return 0
	}
	return r.cfg.MaxJitter
}

func (r *Retrier) classify(err error) bool {
	if r.cfg.Classify != nil {
		return r.cfg.Classify(err)
	}
	return IsTransient(err)
}

// Execute runs op until it succeeds, fails terminally, or the attempt
// budget is exhausted. The context is checked before every sleep; a
// cancellation is surfaced immediately and never retried.
func (r *Retrier) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := r.ExecuteValue(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

// ExecuteValue is Execute for operations that produce a value.
func (r *Retrier) ExecuteValue(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	b := r.NewBackOff()
	b.Reset()

	var val interface{}
	var err error
	for attempt := 1; ; attempt++ {
		val, err = op(ctx)
		if attempt > 1 {
			r.rec.RecordRetryAttempt(r.name, attempt, err == nil)
			log.WithFields(map[string]interface{}{
				"operation": r.name,
				"attempt":   attempt,
				"ok":        err == nil,
			}).Debug("retry attempt finished")
		}
		if err == nil {
			return val, nil
		}
		if IsCancellation(err) || !r.classify(err) {
			return nil, err
		}
		if attempt >= r.cfg.MaxAttempts {
			return nil, err
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// jitteredBackOff computes delay_n = base * multiplier^(n-1) + U(0, maxJitter)
// when exponential, base + U(0, maxJitter) otherwise.
type jitteredBackOff struct {
	base        time.Duration
	multiplier  float64
	exponential bool
	maxJitter   time.Duration
	attempt     int
}

var _ backoff.BackOff = (*jitteredBackOff)(nil)

func (b *jitteredBackOff) Reset() { b.attempt = 0 }

func (b *jitteredBackOff) NextBackOff() time.Duration {
	d := b.base
	if b.exponential {
		d = time.Duration(float64(b.base) * math.Pow(b.multiplier, float64(b.attempt)))
	}
	b.attempt++
	if b.maxJitter > 0 {
		d += time.Duration(randInt63n(int64(b.maxJitter)))
	}
	return d
}

// Process-wide jitter source. Decorrelates clients without per-retrier
// seeding ceremony.
var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randInt63n(n int64) int64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRand.Int63n(n)
}
