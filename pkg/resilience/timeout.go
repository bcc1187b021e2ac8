// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/ensemble/pkg/errors"
)

// TimeoutConfig controls timeout behavior.
type TimeoutConfig struct {
	// Duration is the maximum time allowed for the operation. Zero disables
	// the boundary and leaves the caller's deadline in charge.
	Duration time.Duration
}

// WithTimeout executes fn under a derived deadline.
// Returns errors.CodeTimeout if the deadline is exceeded before fn returns.
func WithTimeout(ctx context.Context, config TimeoutConfig, fn func(ctx context.Context) error) error {
	_, err := WithTimeoutValue(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTimeoutValue executes fn under a derived deadline, returning its value.
func WithTimeoutValue[T any](ctx context.Context, config TimeoutConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if config.Duration <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
				WithContext("timeout", config.Duration.String()).
				WithRecoverable(true)
		}
		return zero, errors.New(errors.CodeContextLost, "operation canceled", ctx.Err()).
			WithRecoverable(false)
	case res := <-done:
		if res.err != nil && ctx.Err() == context.DeadlineExceeded {
			return res.value, errors.New(errors.CodeTimeout, "operation exceeded timeout", res.err).
				WithContext("timeout", config.Duration.String()).
				WithRecoverable(true)
		}
		return res.value, res.err
	}
}
