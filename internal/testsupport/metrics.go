package testsupport

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"coursebuild/internal/metrics"
)

// MetricsReader collects the instruments of a Recorder on demand.
type MetricsReader struct {
	t      testing.TB
	reader *sdkmetric.ManualReader
}

// NewMetrics returns a Recorder wired to a manual reader.
func NewMetrics(t testing.TB) (*metrics.Recorder, *MetricsReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	rec, err := metrics.New(provider)
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}
	return rec, &MetricsReader{t: t, reader: reader}
}

// Sum returns the total of the int64 counter name over the data points
// whose attributes include every pair in labels.
func (m *MetricsReader) Sum(name string, labels map[string]string) int64 {
	m.t.Helper()
	var total int64
	for _, data := range m.collect(name) {
		sum, ok := data.(metricdata.Sum[int64])
		if !ok {
			m.t.Fatalf("metric %s is %T, not an int64 sum", name, data)
		}
		for _, dp := range sum.DataPoints {
			if matches(dp.Attributes, labels) {
				total += dp.Value
			}
		}
	}
	return total
}

// Count returns the number of observations in the float64 histogram name
// whose attributes include every pair in labels.
func (m *MetricsReader) Count(name string, labels map[string]string) uint64 {
	m.t.Helper()
	var total uint64
	for _, data := range m.collect(name) {
		hist, ok := data.(metricdata.Histogram[float64])
		if !ok {
			m.t.Fatalf("metric %s is %T, not a float64 histogram", name, data)
		}
		for _, dp := range hist.DataPoints {
			if matches(dp.Attributes, labels) {
				total += dp.Count
			}
		}
	}
	return total
}

func (m *MetricsReader) collect(name string) []metricdata.Aggregation {
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(context.Background(), &rm); err != nil {
		m.t.Fatalf("collect metrics: %v", err)
	}
	var out []metricdata.Aggregation
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			if md.Name == name {
				out = append(out, md.Data)
			}
		}
	}
	return out
}

func matches(set attribute.Set, labels map[string]string) bool {
	for key, want := range labels {
		value, ok := set.Value(attribute.Key(key))
		if !ok || value.Emit() != want {
			return false
		}
	}
	return true
}
