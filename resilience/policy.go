package resilience

import (
	"context"
	"time"
)

// Policy composes the three primitives around one operation. Ordering from
// outside to inside is Retry -> CircuitBreaker -> Timeout: retries never
// bypass an open breaker, and the timeout bounds each individual attempt.
type Policy struct {
	retrier *Retrier
	breaker *CircuitBreaker
	timeout time.Duration
}

// NewPolicy builds a pipeline from the given pieces. retrier and breaker
// may be nil to skip that layer; a timeout <= 0 applies DefaultTimeout.
func NewPolicy(retrier *Retrier, breaker *CircuitBreaker, timeout time.Duration) *Policy {
	return &Policy{retrier: retrier, breaker: breaker, timeout: timeout}
}

func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := p.ExecuteValue(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

func (p *Policy) ExecuteValue(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	attempt := func(ctx context.Context) (interface{}, error) {
		return ExecuteWithTimeoutValue(ctx, op, p.timeout)
	}

	if p.breaker != nil {
		inner := attempt
		attempt = func(ctx context.Context) (interface{}, error) {
			var val interface{}
			err := p.breaker.Execute(ctx, func(ctx context.Context) error {
				var innerErr error
				val, innerErr = inner(ctx)
				return innerErr
			})
			if err != nil {
				return nil, err
			}
			return val, nil
		}
	}

	if p.retrier != nil {
		return p.retrier.ExecuteValue(ctx, attempt)
	}
	return attempt(ctx)
}
