package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"coursebuild/internal/services"
)

const meterName = "coursebuild"

// StatusSuccess labels operations that returned no error.
const StatusSuccess = "success"

// Instrument names as exported. Counters gain a _total suffix in the
// Prometheus exposition.
const (
	WorkflowOperations = "workflow_operations"
	StageDuration      = "stage_duration_seconds"
	HTTPRequests       = "http_requests"
	HTTPDuration       = "http_request_duration_seconds"
	WebsocketActive    = "websocket_connections_active"
)

var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder holds the instruments shared by the workflow engine and the API.
// A nil Recorder records nothing.
type Recorder struct {
	operations      metric.Int64Counter
	stageDuration   metric.Float64Histogram
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	streams         metric.Int64UpDownCounter
}

// New creates the instruments on provider.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	r := &Recorder{}
	var err error
	if r.operations, err = meter.Int64Counter(WorkflowOperations,
		metric.WithDescription("Workflow operations by operation and outcome")); err != nil {
		return nil, fmt.Errorf("create %s: %w", WorkflowOperations, err)
	}
	if r.stageDuration, err = meter.Float64Histogram(StageDuration,
		metric.WithDescription("Wall time of stage runs including retries"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, fmt.Errorf("create %s: %w", StageDuration, err)
	}
	if r.requests, err = meter.Int64Counter(HTTPRequests,
		metric.WithDescription("HTTP requests by method, route and status code")); err != nil {
		return nil, fmt.Errorf("create %s: %w", HTTPRequests, err)
	}
	if r.requestDuration, err = meter.Float64Histogram(HTTPDuration,
		metric.WithDescription("HTTP request duration by method and route"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, fmt.Errorf("create %s: %w", HTTPDuration, err)
	}
	if r.streams, err = meter.Int64UpDownCounter(WebsocketActive,
		metric.WithDescription("Open websocket event streams")); err != nil {
		return nil, fmt.Errorf("create %s: %w", WebsocketActive, err)
	}
	return r, nil
}

// NewNop returns a Recorder backed by the no-op provider.
func NewNop() *Recorder {
	r, _ := New(noop.NewMeterProvider())
	return r
}

// Outcome labels err: StatusSuccess for nil, otherwise the error kind.
func Outcome(err error) string {
	if err == nil {
		return StatusSuccess
	}
	return string(services.KindOf(err))
}

// Operation counts one workflow operation.
func (r *Recorder) Operation(ctx context.Context, operation string, err error) {
	if r == nil {
		return
	}
	r.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", Outcome(err)),
	))
}

// StageRun records how long a stage run took.
func (r *Recorder) StageRun(ctx context.Context, stage string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", Outcome(err)),
	))
}

// Request records one served HTTP request.
func (r *Recorder) Request(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status_code", status),
	))
	r.requestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// StreamOpened counts an open websocket stream. scope is "build" or "all".
func (r *Recorder) StreamOpened(ctx context.Context, scope string) {
	if r == nil {
		return
	}
	r.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// StreamClosed reverses StreamOpened.
func (r *Recorder) StreamClosed(ctx context.Context, scope string) {
	if r == nil {
		return
	}
	r.streams.Add(ctx, -1, metric.WithAttributes(attribute.String("scope", scope)))
}
