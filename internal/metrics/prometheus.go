package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter is a Recorder whose instruments are scraped through Handler in the
// Prometheus text format.
type Exporter struct {
	*Recorder
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

// NewPrometheus builds an Exporter on a private registry.
func NewPrometheus() (*Exporter, error) {
	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec, err := New(provider)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return &Exporter{
		Recorder: rec,
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Handler serves the exposition.
func (e *Exporter) Handler() http.Handler {
	return e.handler
}

// Shutdown flushes and stops the meter provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
