package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

// JobStatus is the provider-neutral state of a remote recognition job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Poller drives a bounded status loop against a remote job.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	// Retry applies to each poll; transient failures beyond it escalate.
	Retry RetryPolicy
	Clock Clock
	Log   *slog.Logger
}

// Check queries a job once. A JobFailed status may be accompanied by an error
// describing the failure; it is returned as-is when it wraps
// asr.ErrProviderJobFailed.
type Check func(ctx context.Context) (JobStatus, error)

// Wait polls until check reports success, failure or the timeout passes.
// Cancellation is honored before every poll and during every sleep.
func (p Poller) Wait(ctx context.Context, job string, check Check) error {
	clock := p.Clock
	if clock == nil {
		clock = SystemClock
	}
	deadline := clock.Now().Add(p.Timeout)
	for polls := 1; ; polls++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			status  JobStatus
			failure error
		)
		err := Retry(ctx, clock, p.Retry, p.Log, "poll "+job, func() error {
			s, err := check(ctx)
			status = s
			if s == JobFailed {
				failure = err
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		switch status {
		case JobSucceeded:
			return nil
		case JobFailed:
			if errors.Is(failure, asr.ErrProviderJobFailed) {
				return failure
			}
			return fmt.Errorf("%w: job %s reported failure", asr.ErrProviderJobFailed, job)
		}
		if p.Log != nil {
			p.Log.Debug("job not finished", slog.String("job", job), slog.String("status", status.String()), slog.Int("polls", polls))
		}
		if !clock.Now().Before(deadline) {
			return fmt.Errorf("%w: job %s still %s after %s (%d polls)", asr.ErrProviderTimeout, job, status, p.Timeout, polls)
		}
		if err := clock.Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
}
