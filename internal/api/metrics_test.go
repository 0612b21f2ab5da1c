package api_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursebuild/internal/api"
	"coursebuild/internal/builds"
	"coursebuild/internal/metrics"
	"coursebuild/internal/testsupport"
)

func TestRequestsAndStreamsAreMeasured(t *testing.T) {
	rec, reader := testsupport.NewMetrics(t)
	f := newFixture(t, api.WithMetrics(rec, nil))

	var created builds.Build
	f.do(t, http.MethodPost, "/api/builds", api.CreateBuildRequest{Title: "Measured", DeferStart: true}, &created)
	f.do(t, http.MethodGet, "/api/builds/"+created.ID, nil, nil)
	f.do(t, http.MethodGet, "/api/builds/missing", nil, nil)

	byID := "GET /api/builds/{id}"
	if got := reader.Sum(metrics.HTTPRequests, map[string]string{"route": byID, "status_code": "200"}); got != 1 {
		t.Fatalf("200s on %s = %d, want 1", byID, got)
	}
	if got := reader.Sum(metrics.HTTPRequests, map[string]string{"route": byID, "status_code": "404"}); got != 1 {
		t.Fatalf("404s on %s = %d, want 1", byID, got)
	}
	if got := reader.Count(metrics.HTTPDuration, map[string]string{"route": "POST /api/builds"}); got != 1 {
		t.Fatalf("timed creates = %d, want 1", got)
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/builds/" + created.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitGauge(t, reader, 1)
	if got := reader.Sum(metrics.WebsocketActive, map[string]string{"scope": "build"}); got != 1 {
		t.Fatalf("build streams = %d, want 1", got)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitGauge(t, reader, 0)
}

func waitGauge(t *testing.T, reader *testsupport.MetricsReader, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := reader.Sum(metrics.WebsocketActive, nil)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("open streams = %d, want %d", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMetricsRouteServesExposition(t *testing.T) {
	exp, err := metrics.NewPrometheus()
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })
	f := newFixture(t, api.WithMetrics(exp.Recorder, exp.Handler()))

	var created builds.Build
	f.do(t, http.MethodPost, "/api/builds", api.CreateBuildRequest{Title: "Scraped", DeferStart: true}, &created)
	f.do(t, http.MethodPost, "/api/builds/"+created.ID+"/cancel", nil, nil)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"http_requests_total", `route="POST /api/builds"`, "http_request_duration_seconds"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %s:\n%s", want, body)
		}
	}
}
