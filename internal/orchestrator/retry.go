package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/target"
)

// isRetryable reports whether an error is transient: source/target
// unavailability and call timeouts are retried, everything else fails the
// step immediately.
func isRetryable(err error) bool {
	return errors.Is(err, source.ErrSourceUnavailable) ||
		errors.Is(err, target.ErrTargetUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn under the per-call deadline, retrying transient failures
// with exponential backoff until the attempt budget is exhausted
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := o.opts.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= o.opts.RetryAttempts; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if o.opts.StepTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
		}
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == o.opts.RetryAttempts {
			break
		}

		o.logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, o.opts.RetryAttempts, lastErr)
}
