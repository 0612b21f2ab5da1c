package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"coursebuild/internal/config"
	"coursebuild/internal/daemon"
	"coursebuild/internal/ipc"
	"coursebuild/internal/logging"
	"coursebuild/internal/metrics"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/preflight"
	"coursebuild/internal/stage"
	"coursebuild/internal/store"
	"coursebuild/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the coursebuild daemon and blocks until SIGINT, SIGTERM, or a
// component failure.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("coursebuildd-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.DaemonLogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", filepath.Base(cfg.DaemonLogPath()), err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "coursebuildd-*.log", logPath)

	preflight.LogResults(logging.NewComponentLogger(logger, "preflight"), preflight.Run(signalCtx, cfg))

	def, err := LoadPipeline(cfg)
	if err != nil {
		logger.Error("load pipeline", logging.Error(err))
		return err
	}

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}

	bus := notifications.NewBus(cfg.Notifications.BusCapacity)
	defer bus.Close()
	notifier := notifications.NewService(cfg)
	executor := NewExecutor(cfg, logger)
	registryOpts := []workflow.Option{workflow.WithPipeline(def)}
	var daemonOpts []daemon.Option
	if cfg.API.Metrics {
		exporter, err := metrics.NewPrometheus()
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() { _ = exporter.Shutdown(context.Background()) }()
		registryOpts = append(registryOpts, workflow.WithMetrics(exporter.Recorder))
		daemonOpts = append(daemonOpts, daemon.WithMetrics(exporter))
	}
	registry := workflow.NewRegistry(cfg, st, executor, bus, logger, registryOpts...)

	d, err := daemon.New(cfg, st, registry, bus, notifier, logger, daemonOpts...)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "stop the other coursebuildd instance or remove a stale lock"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return ipcServer.Run(groupCtx)
	})
	group.Go(func() error {
		return d.ServeAPI(groupCtx)
	})
	group.Go(func() error {
		return notifications.NewForwarder(bus, notifier, cfg, logger).Run(groupCtx)
	})

	logger.Info("coursebuild daemon ready",
		logging.String(logging.FieldEventType, "daemon_ready"),
		logging.String("socket", cfg.SocketPath()),
		logging.String("api_bind", cfg.API.Bind),
		logging.String("executor", cfg.Workflow.Executor),
		logging.Int("stages", len(def.Steps)),
	)

	err = group.Wait()
	ipcServer.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.ErrorWithContext(logger, "daemon component failed", "daemon_component_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the api bind address and socket path"),
		)
		return err
	}
	logger.Info("coursebuild daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// LoadPipeline returns the configured pipeline file or the default sequence.
func LoadPipeline(cfg *config.Config) (pipeline.Definition, error) {
	path := strings.TrimSpace(cfg.Paths.PipelineFile)
	if path == "" {
		return pipeline.Default(), nil
	}
	def, err := pipeline.Load(path)
	if err != nil {
		return pipeline.Definition{}, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return def, nil
}

// NewExecutor selects the stage executor named by workflow.executor.
func NewExecutor(cfg *config.Config, logger *slog.Logger) stage.Executor {
	if cfg.Workflow.Executor == config.ExecutorLLM {
		return stage.NewLLMFromConfig(cfg, logger)
	}
	return stage.NewBuiltin()
}

func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
