package testsupport

import (
	"path/filepath"
	"testing"

	"coursebuild/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retry backoff is shrunk so retry paths finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Workflow.RetryBackoffSeconds = 1
	cfgVal.Workflow.RetryBackoffMaxSeconds = 1
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMaxAttempts overrides the stage retry bound.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxAttempts = n
	}
}

// WithBusCapacity overrides the per-subscriber notification backlog.
func WithBusCapacity(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.BusCapacity = n
	}
}

// WithPipelineFile writes contents to a pipeline file in the test directory
// and points the config at it.
func WithPipelineFile(contents string) ConfigOption {
	return func(b *configBuilder) {
		path := filepath.Join(b.baseDir, "pipeline.yaml")
		WriteFile(b.t, path, contents)
		b.cfg.Paths.PipelineFile = path
	}
}
