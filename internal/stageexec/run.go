package stageexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"coursebuild/internal/logging"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
)

// Options controls one stage run.
type Options struct {
	Logger      *slog.Logger
	Executor    stage.Executor
	Request     stage.Request
	MaxAttempts int
	// Timeout bounds each attempt. Zero disables the per-attempt deadline.
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of a successful run.
type Result struct {
	Payload  json.RawMessage
	Attempts int
}

// Run executes the stage, retrying retryable failures with exponential backoff
// until MaxAttempts is reached. Validation and configuration errors fail
// immediately. Cancellation of ctx aborts the run and is returned as is.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Executor == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, string(opts.Request.Stage), "run", "stage executor unavailable", nil)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	stageName := string(opts.Request.Stage)
	stageCtx := services.WithStage(services.WithBuildID(ctx, opts.Request.BuildID), stageName)
	logger := logging.WithContext(stageCtx, opts.Logger)

	var (
		lastErr error
		made    int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		made = attempt
		req := opts.Request
		req.Attempt = attempt
		payload, err := runAttempt(stageCtx, opts.Executor, req, opts.Timeout)
		if err == nil {
			return Result{Payload: payload, Attempts: attempt}, nil
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt}, ctx.Err()
		}
		lastErr = err
		if !services.Retryable(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		delay := Backoff(opts.BackoffBase, opts.BackoffMax, attempt)
		logging.WarnWithContext(logger, "stage attempt failed; retrying", "stage_retry",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Int("max_attempts", maxAttempts),
			logging.Duration("backoff", delay),
			logging.String(logging.FieldErrorHint, errorHint(err)),
			logging.String(logging.FieldImpact, "stage output delayed"),
			logging.Error(err),
		)
		if err := sleep(stageCtx, delay); err != nil {
			return Result{Attempts: attempt}, err
		}
	}

	return Result{Attempts: made}, &Failure{Attempts: made, Err: lastErr}
}

func runAttempt(ctx context.Context, exec stage.Executor, req stage.Request, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	payload, err := exec.Execute(attemptCtx, req)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		// A result that arrives after the deadline is discarded.
		err = attemptCtx.Err()
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
			return nil, services.Wrap(services.ErrTimeout, string(req.Stage), "execute",
				fmt.Sprintf("attempt %d exceeded %s", req.Attempt, timeout), err)
		}
		return nil, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, services.Wrap(services.ErrExternalCapability, string(req.Stage), "execute",
			"executor returned invalid JSON", nil)
	}
	return payload, nil
}

// Failure reports a stage that did not produce content.
type Failure struct {
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage failed after %d attempt(s): %v", f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Reason returns the message recorded on the failed build.
func (f *Failure) Reason() string {
	if f == nil || f.Err == nil {
		return "stage failed"
	}
	return strings.TrimSpace(f.Err.Error())
}

// Backoff returns base doubled once per previous attempt and capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			delay = max
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

func errorHint(err error) string {
	switch services.KindOf(err) {
	case services.KindTimeout:
		return "stage exceeded its timeout; raise workflow.stage_timeout_seconds or the stage timeout"
	case services.KindExternalCapability:
		return "generation backend failed; check executor health with 'coursebuild status'"
	default:
		return "see error for details"
	}
}
