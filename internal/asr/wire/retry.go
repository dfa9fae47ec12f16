package wire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-asr/internal/asr"
)

// RetryPolicy bounds how transient transport failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// BaseDelay is the first backoff interval; later intervals grow exponentially.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Retry runs fn until it succeeds, fails with anything other than
// asr.ErrProviderUnreachable, or the policy's attempts are used up.
func Retry(ctx context.Context, clock Clock, policy RetryPolicy, log *slog.Logger, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if policy.BaseDelay > 0 {
		b.InitialInterval = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		b.MaxInterval = policy.MaxDelay
	}
	b.Reset()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || !errors.Is(err, asr.ErrProviderUnreachable) || attempt >= policy.MaxRetries {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if log != nil {
			log.Debug("retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
