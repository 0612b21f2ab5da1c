package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coursebuild/internal/metrics"
	"coursebuild/internal/services"
	"coursebuild/internal/testsupport"
)

func TestOutcomeLabelsErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{services.Wrap(services.ErrConflict, "workflow", "resolve", "taken", nil), "conflict"},
		{services.Wrap(services.ErrTimeout, "outline", "execute", "slow", nil), "timeout"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := metrics.Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRecorderCounts(t *testing.T) {
	rec, reader := testsupport.NewMetrics(t)
	ctx := context.Background()

	rec.Operation(ctx, "start", nil)
	rec.Operation(ctx, "start", nil)
	rec.Operation(ctx, "approve", services.Wrap(services.ErrConflict, "workflow", "resolve", "taken", nil))
	rec.StageRun(ctx, "outline", nil, 20*time.Millisecond)
	rec.StreamOpened(ctx, "build")
	rec.StreamOpened(ctx, "all")
	rec.StreamClosed(ctx, "build")

	if got := reader.Sum(metrics.WorkflowOperations, map[string]string{"operation": "start", "status": "success"}); got != 2 {
		t.Fatalf("start operations = %d, want 2", got)
	}
	if got := reader.Sum(metrics.WorkflowOperations, map[string]string{"operation": "approve", "status": "conflict"}); got != 1 {
		t.Fatalf("conflicting approvals = %d, want 1", got)
	}
	if got := reader.Count(metrics.StageDuration, map[string]string{"stage": "outline"}); got != 1 {
		t.Fatalf("outline stage runs = %d, want 1", got)
	}
	if got := reader.Sum(metrics.WebsocketActive, nil); got != 1 {
		t.Fatalf("active streams = %d, want 1", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *metrics.Recorder
	rec.Operation(context.Background(), "start", nil)
	rec.StreamOpened(context.Background(), "all")
	handler := rec.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	rec, reader := testsupport.NewMetrics(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/builds/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{}"))
	})
	handler := rec.Middleware(mux)

	for _, path := range []string{"/api/builds/a", "/api/builds/b", "/api/builds/missing", "/nowhere"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	route := map[string]string{"route": "GET /api/builds/{id}"}
	if got := reader.Sum(metrics.HTTPRequests, map[string]string{"route": route["route"], "status_code": "200"}); got != 2 {
		t.Fatalf("200 responses = %d, want 2", got)
	}
	if got := reader.Sum(metrics.HTTPRequests, map[string]string{"route": route["route"], "status_code": "404"}); got != 1 {
		t.Fatalf("404 responses = %d, want 1", got)
	}
	if got := reader.Count(metrics.HTTPDuration, route); got != 3 {
		t.Fatalf("timed requests = %d, want 3", got)
	}
	if got := reader.Sum(metrics.HTTPRequests, map[string]string{"route": "unmatched"}); got != 1 {
		t.Fatalf("unmatched requests = %d, want 1", got)
	}
}

func TestPrometheusExposition(t *testing.T) {
	exp, err := metrics.NewPrometheus()
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })

	exp.Operation(context.Background(), "cancel", nil)
	exp.StreamOpened(context.Background(), "build")

	server := httptest.NewServer(exp.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{"workflow_operations_total", `operation="cancel"`, `status="success"`, "websocket_connections_active"} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %s:\n%s", want, text)
		}
	}
}
