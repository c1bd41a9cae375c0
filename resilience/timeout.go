package resilience

import (
	"context"
	"time"
)

// Default budget applied when a call site doesn't specify one.
const DefaultTimeout = 30 * time.Second

// ExecuteWithTimeout runs op under a context that is cancelled at
// now+timeout or when ctx is cancelled, whichever comes first. Timeouts
// compose: an outer deadline with a shorter remaining budget wins and is
// surfaced as the outer context's error, not a TimeoutError.
//
// op is launched on its own goroutine so the budget holds even if op is
// slow to observe cancellation; op must still honor its context so its
// resources are released after the caller has moved on.
func ExecuteWithTimeout(ctx context.Context, op func(context.Context) error, timeout time.Duration) error {
	_, err := ExecuteWithTimeoutValue(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	}, timeout)
	return err
}

// ExecuteWithTimeoutValue is ExecuteWithTimeout for operations that
// produce a value.
func ExecuteWithTimeoutValue(ctx context.Context, op func(context.Context) (interface{}, error), timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := op(tctx)
		done <- result{val, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, NewTimeoutError("", timeout)
		}
		return res.val, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTimeoutError("", timeout)
	}
}
