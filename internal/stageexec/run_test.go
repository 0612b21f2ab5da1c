package stageexec_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"coursebuild/internal/logging"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
	"coursebuild/internal/stageexec"
)

func noSleep(context.Context, time.Duration) error { return nil }

func baseOptions(exec stage.Executor) stageexec.Options {
	return stageexec.Options{
		Logger:      logging.NewNop(),
		Executor:    exec,
		Request:     stage.Request{BuildID: "b1", Stage: pipeline.StageOutline},
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  4 * time.Second,
		Sleep:       noSleep,
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	exec := stage.Func(func(_ context.Context, req stage.Request) (json.RawMessage, error) {
		n := calls.Add(1)
		if req.Attempt != int(n) {
			t.Errorf("attempt %d reported as %d", n, req.Attempt)
		}
		if n < 3 {
			return nil, services.Wrap(services.ErrExternalCapability, "outline", "execute", "flaky", nil)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	var slept []time.Duration
	opts := baseOptions(exec)
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	res, err := stageexec.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Attempts != 3 || string(res.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff sequence %v", slept)
	}
}

func TestRunFailsAfterBound(t *testing.T) {
	var calls atomic.Int32
	exec := stage.Func(func(context.Context, stage.Request) (json.RawMessage, error) {
		n := calls.Add(1)
		return nil, services.Wrap(services.ErrExternalCapability, "outline", "execute", "boom "+string(rune('0'+n)), nil)
	})
	res, err := stageexec.Run(context.Background(), baseOptions(exec))
	var failure *stageexec.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected Failure, got %v", err)
	}
	if calls.Load() != 3 || failure.Attempts != 3 || res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d failure=%d", calls.Load(), failure.Attempts)
	}
	if !errors.Is(err, services.ErrExternalCapability) {
		t.Fatalf("expected capability error kind, got %v", err)
	}
	if got := failure.Reason(); got == "" || got[len(got)-1] != '3' {
		t.Fatalf("expected last failure reason retained, got %q", got)
	}
}

func TestRunDoesNotRetryValidation(t *testing.T) {
	var calls atomic.Int32
	exec := stage.Func(func(context.Context, stage.Request) (json.RawMessage, error) {
		calls.Add(1)
		return nil, services.Wrap(services.ErrValidation, "outline", "execute", "bad input", nil)
	})
	_, err := stageexec.Run(context.Background(), baseOptions(exec))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRunAppliesPerAttemptTimeout(t *testing.T) {
	exec := stage.Func(func(ctx context.Context, _ stage.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	opts := baseOptions(exec)
	opts.MaxAttempts = 2
	opts.Timeout = 20 * time.Millisecond
	_, err := stageexec.Run(context.Background(), opts)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !errors.Is(err, services.ErrExternalCapability) {
		t.Fatalf("timeout should also be a capability error: %v", err)
	}
}

func TestRunDiscardsLateResult(t *testing.T) {
	exec := stage.Func(func(ctx context.Context, _ stage.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return json.RawMessage(`{"late":true}`), nil
	})
	opts := baseOptions(exec)
	opts.MaxAttempts = 1
	opts.Timeout = 10 * time.Millisecond
	if _, err := stageexec.Run(context.Background(), opts); !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected late result to be treated as timeout, got %v", err)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	exec := stage.Func(func(ctx context.Context, _ stage.Request) (json.RawMessage, error) {
		calls.Add(1)
		cancel()
		return nil, ctx.Err()
	})
	_, err := stageexec.Run(ctx, baseOptions(exec))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", calls.Load())
	}
}

func TestRunRejectsInvalidPayload(t *testing.T) {
	exec := stage.Func(func(context.Context, stage.Request) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})
	opts := baseOptions(exec)
	opts.MaxAttempts = 1
	if _, err := stageexec.Run(context.Background(), opts); !errors.Is(err, services.ErrExternalCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := stageexec.Backoff(2*time.Second, 10*time.Second, tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %s want %s", tt.attempt, got, tt.want)
		}
	}
	if got := stageexec.Backoff(0, time.Second, 3); got != 0 {
		t.Fatalf("zero base should disable backoff, got %s", got)
	}
}
