package stageexec_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"coursebuild/internal/logging"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
	"coursebuild/internal/stageexec"
	"coursebuild/internal/testsupport"
)

func TestRunBoundsLLMBackendCalls(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		maxAttempts int
		wantCalls   int32
		wantKind    error
	}{
		{"rate limited uses every attempt", http.StatusTooManyRequests, 3, 3, services.ErrExternalCapability},
		{"single attempt bound", http.StatusServiceUnavailable, 1, 1, services.ErrExternalCapability},
		{"bad key is not retried", http.StatusUnauthorized, 3, 1, services.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			cfg := testsupport.NewConfig(t)
			cfg.LLM.APIKey = "test"
			cfg.LLM.BaseURL = server.URL
			cfg.LLM.Model = "demo-model"

			opts := baseOptions(stage.NewLLMFromConfig(cfg, logging.NewNop()))
			opts.Request = stage.Request{BuildID: "b1", Title: "Intro to Go", Stage: pipeline.StageOutline}
			opts.MaxAttempts = tt.maxAttempts

			res, err := stageexec.Run(context.Background(), opts)
			var failure *stageexec.Failure
			if !errors.As(err, &failure) {
				t.Fatalf("expected stage failure, got %v", err)
			}
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Fatalf("backend called %d times, want %d", got, tt.wantCalls)
			}
			if res.Attempts != int(tt.wantCalls) {
				t.Fatalf("attempts = %d, want %d", res.Attempts, tt.wantCalls)
			}
		})
	}
}
