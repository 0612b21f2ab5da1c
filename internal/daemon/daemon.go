package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"coursebuild/internal/builds"
	"coursebuild/internal/config"
	"coursebuild/internal/logging"
	"coursebuild/internal/metrics"
	"coursebuild/internal/notifications"
	"coursebuild/internal/stage"
	"coursebuild/internal/store"
	"coursebuild/internal/workflow"
)

// Daemon owns the single-instance lock and the registry lifecycle.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *workflow.Registry
	bus      *notifications.Bus
	notifier notifications.Service
	metrics  *metrics.Exporter

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running            bool           `json:"running"`
	PID                int            `json:"pid"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	DatabasePath       string         `json:"database_path"`
	LockPath           string         `json:"lock_path"`
	SocketPath         string         `json:"socket_path"`
	APIBind            string         `json:"api_bind,omitempty"`
	BuildCounts        map[string]int `json:"build_counts"`
	PendingCheckpoints int            `json:"pending_checkpoints"`
	Executor           stage.Health   `json:"executor"`
	LastError          string         `json:"last_error,omitempty"`
}

// Option configures optional daemon dependencies.
type Option func(*Daemon)

// WithMetrics serves exp at /metrics on the API server and records request
// and stream metrics through it.
func WithMetrics(exp *metrics.Exporter) Option {
	return func(d *Daemon) {
		d.metrics = exp
	}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, registry *workflow.Registry, bus *notifications.Bus, notifier notifications.Service, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || st == nil || registry == nil {
		return nil, errors.New("daemon requires config, store, and registry")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		registry: registry,
		bus:      bus,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Start acquires the daemon lock and recovers in-flight builds. It fails fast
// when another instance holds the lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another coursebuild daemon instance is already running (lock %s)", d.lockPath)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running.Store(true)
	d.startedAt = time.Now().UTC()

	recovered, err := d.registry.Recover(d.ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "build recovery incomplete", "recovery_failed",
			logging.Error(err),
			logging.Int("recovered", recovered),
			logging.String(logging.FieldErrorHint, "inspect the listed builds with coursebuild build show"),
			logging.String(logging.FieldImpact, "some builds were not resumed"),
		)
	}
	d.logger.Info("coursebuild daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Int("recovered", recovered),
	)
	return nil
}

// Stop cancels daemon work, closes the registry, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.registry.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("coursebuild daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Registry exposes the build registry to transports.
func (d *Daemon) Registry() *workflow.Registry {
	return d.registry
}

// Bus exposes the notification bus to transports. It may be nil.
func (d *Daemon) Bus() *notifications.Bus {
	return d.bus
}

// Status reports runtime information. Store failures are reported through
// LastError rather than failing the whole call.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockPath:     d.lockPath,
		SocketPath:   d.cfg.SocketPath(),
		APIBind:      strings.TrimSpace(d.cfg.API.Bind),
		BuildCounts:  make(map[string]int),
		Executor:     d.registry.ExecutorHealth(ctx),
	}
	if status.Running {
		started := d.startedAt
		status.StartedAt = &started
	}

	var errs []error
	counts, err := d.store.CountBuildsByStatus(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, s := range builds.AllStatuses() {
		status.BuildCounts[string(s)] = counts[s]
	}
	pending, err := d.registry.ListPending(ctx, "")
	if err != nil {
		errs = append(errs, err)
	}
	status.PendingCheckpoints = len(pending)
	if len(errs) > 0 {
		status.LastError = errors.Join(errs...).Error()
	}
	return status
}

// TestNotification sends a test message through the configured notifier.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "test notification failed", err
	}
	d.logger.Info("test notification sent", logging.String(logging.FieldEventType, "test_notification_sent"))
	return true, "test notification sent", nil
}
