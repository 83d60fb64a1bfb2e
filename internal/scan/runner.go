package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/originscore/originscore/internal/guard"
	"github.com/originscore/originscore/internal/probe"
	"github.com/originscore/originscore/internal/ratelimit"
)

// ProbeRunner wraps a probe invocation with rate limiting, origin guarding,
// bounded retries with backoff, and uniform result shaping. Concrete probes
// supply only their protocol logic.
type ProbeRunner struct {
	Guard       *guard.Guard
	Limiter     *ratelimit.Limiter
	Logger      *zap.SugaredLogger
	Attempts    int
	BackoffBase time.Duration
}

func NewRunner(g *guard.Guard, l *ratelimit.Limiter, logger *zap.SugaredLogger) *ProbeRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProbeRunner{
		Guard:       g,
		Limiter:     l,
		Logger:      logger,
		Attempts:    DefaultAttempts,
		BackoffBase: DefaultBackoffBase,
	}
}

// Run executes one probe against one target. It always returns a
// ModuleResult with ExecutionTime and RetryCount stamped, whatever happened.
func (r *ProbeRunner) Run(ctx context.Context, p probe.Probe, target probe.Target) ModuleResult {
	start := time.Now()
	res := ModuleResult{Module: p.Name()}
	defer func() {
		res.ExecutionTime = float64(time.Since(start)) / float64(time.Millisecond)
	}()

	if r.Limiter != nil && !r.Limiter.Allow(p.Name(), target.Host, p.RateLimitPerMinute()) {
		// The runner never waits a limiter window out; callers re-queue
		// in a later window if they want the probe run.
		res.Status = StatusRateLimited
		res.Details.Issues = append(res.Details.Issues,
			fmt.Sprintf("probe %s rate limited for host %s", p.Name(), target.Host))
		r.Logger.Infow("probe rate limited", "probe", p.Name(), "host", target.Host)
		return res
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			res.RetryCount++
			if err := sleepCtx(ctx, r.BackoffBase*time.Duration(attempt-1)); err != nil {
				break
			}
		}

		// Re-validated on every attempt: DNS answers may have changed
		// since the last one.
		if _, err := r.Guard.Validate(ctx, target.URL); err != nil {
			var denied *guard.DeniedError
			if errors.As(err, &denied) {
				// Policy violation, not a transient fault. Never retried.
				r.Logger.Warnw("scan blocked by origin policy",
					"probe", p.Name(), "target", target.URL, "reason", denied.Reason)
				res.Status = StatusError
				res.Details.Issues = append(res.Details.Issues, denied.Error())
				return res
			}
			lastErr = err
			timedOut = isTimeout(err)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout())
		report, err := runAttempt(attemptCtx, p, target)
		cancel()

		if err == nil {
			res.Score = report.Score
			res.Status = statusForScore(report.Score)
			res.Details = report.Details
			return res
		}
		lastErr = err
		timedOut = isTimeout(err)
		r.Logger.Debugw("probe attempt failed",
			"probe", p.Name(), "attempt", attempt, "error", err)
	}

	if timedOut {
		res.Status = StatusTimeout
	} else {
		res.Status = StatusError
	}
	if lastErr != nil {
		res.Details.Issues = append(res.Details.Issues,
			fmt.Sprintf("probe failed after %d attempt(s): %v", attempts, lastErr))
	}
	return res
}

// runAttempt contains a single Execute call, converting panics into errors
// so a misbehaving probe can never take down the coordinator or its
// siblings.
func runAttempt(ctx context.Context, p probe.Probe, target probe.Target) (report *probe.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe %s panicked: %v", p.Name(), rec)
		}
	}()
	report, err = p.Execute(ctx, target)
	if err == nil && report == nil {
		err = fmt.Errorf("probe %s returned no report", p.Name())
	}
	return report, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
