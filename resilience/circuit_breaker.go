package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

type CircuitBreakerConfig struct {
	// Failure ratio in (0, 1] at or above which the breaker opens.
	FailureRatio float64

	// Minimum number of failures that must be observed in the sampling
	// window before the breaker will open, regardless of the ratio.
	FailureThreshold int

	// Width of the sliding sample window.
	SamplingDuration time.Duration

	// Minimum number of calls in the window before the ratio is evaluated.
	MinimumThroughput int

	// How long the breaker stays open before admitting a probe.
	BreakDuration time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRatio:      0.5,
		FailureThreshold:  5,
		SamplingDuration:  10 * time.Second,
		MinimumThroughput: 3,
		BreakDuration:     1 * time.Minute,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// CircuitBreaker short-circuits calls to a failing dependency. It keeps a
// sliding window of recent call outcomes; when the window holds at least
// MinimumThroughput calls and at least FailureThreshold failures with a
// failure ratio at or above FailureRatio, the breaker opens. While open
// every call fails immediately with CircuitOpenError without invoking the
// wrapped operation. After BreakDuration one probe call is admitted; its
// outcome decides between closing and re-opening.
//
// The breaker synchronously decides admission; it is not a scheduler.
// Safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	rec  *stats.Recorder

	// OnStateChange, if set, is invoked (under the breaker lock) once per
	// state transition.
	OnStateChange func(name string, from, to State)

	mu       sync.Mutex
	state    State
	window   []outcome
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, stat stats.StatsReceiver) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SamplingDuration <= 0 {
		cfg.SamplingDuration = def.SamplingDuration
	}
	if cfg.MinimumThroughput < 1 {
		cfg.MinimumThroughput = 1
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = def.BreakDuration
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		rec:   stats.NewRecorder(stat),
		state: Closed,
		now:   time.Now,
	}
}

// Execute admits the call if the breaker allows it, runs op, and records
// the outcome as a sample unless op returned a cancellation. Each call is
// one distinct sample, so a retry
// loop wrapped around the breaker contributes one sample per attempt.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := op(ctx)
	cb.record(err)
	return err
}

// State reports the current state. An open breaker whose recovery delay
// has elapsed reports HalfOpen, matching what the next call will see.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == Open && cb.now().Sub(cb.openedAt) >= cb.cfg.BreakDuration {
		return HalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return nil
	case Open:
		if cb.now().Sub(cb.openedAt) < cb.cfg.BreakDuration {
			return &CircuitOpenError{Name: cb.name, Until: cb.openedAt.Add(cb.cfg.BreakDuration)}
		}
		cb.transition(HalfOpen)
		cb.probing = true
		return nil
	case HalfOpen:
		if cb.probing {
			// Exactly one probe per recovery cycle.
			return &CircuitOpenError{Name: cb.name, Until: cb.openedAt.Add(cb.cfg.BreakDuration)}
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Cancellations say nothing about the health of the dependency: they
	// are not sampled, and a cancelled probe frees the probe slot.
	if IsCancellation(err) {
		if cb.state == HalfOpen {
			cb.probing = false
		}
		return
	}
	failed := err != nil

	switch cb.state {
	case HalfOpen:
		cb.probing = false
		if failed {
			cb.openedAt = cb.now()
			cb.transition(Open)
		} else {
			cb.window = nil
			cb.transition(Closed)
		}
	case Closed:
		now := cb.now()
		cb.window = append(cb.window, outcome{at: now, failed: failed})
		cb.prune(now)
		if cb.shouldOpen() {
			cb.openedAt = now
			cb.transition(Open)
		}
	case Open:
		// A call admitted before the transition finished late; its sample
		// no longer matters.
	}
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.cfg.SamplingDuration)
	i := 0
	for ; i < len(cb.window); i++ {
		if cb.window[i].at.After(cutoff) {
			break
		}
	}
	cb.window = cb.window[i:]
}

func (cb *CircuitBreaker) shouldOpen() bool {
	total := len(cb.window)
	if total < cb.cfg.MinimumThroughput {
		return false
	}
	failures := 0
	for _, o := range cb.window {
		if o.failed {
			failures++
		}
	}
	if failures < cb.cfg.FailureThreshold {
		return false
	}
	return float64(failures)/float64(total) >= cb.cfg.FailureRatio
}

// Caller must hold cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.rec.RecordCircuitBreakerStateChange(cb.name, from.String(), to.String())
	log.WithFields(map[string]interface{}{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"to":              to.String(),
	}).Info("circuit breaker state change")
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, from, to)
	}
}
