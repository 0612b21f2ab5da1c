package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/config"
	"coursebuild/internal/content"
	"coursebuild/internal/logging"
	"coursebuild/internal/metrics"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
)

var errRegistryClosed = errors.New("build registry closed")

// Store is the persistence the registry drives.
type Store interface {
	builds.Repository
	content.Repository
	checkpoint.Repository
}

// Option configures optional Registry behavior.
type Option func(*registryOptions)

type registryOptions struct {
	pipeline *pipeline.Definition
	sleep    func(context.Context, time.Duration) error
	metrics  *metrics.Recorder
}

// WithPipeline sets the stage sequence used when a create request names none.
func WithPipeline(def pipeline.Definition) Option {
	return func(o *registryOptions) {
		o.pipeline = &def
	}
}

// WithSleep replaces the wait between stage attempts (used in tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *registryOptions) {
		o.sleep = fn
	}
}

// WithMetrics records workflow operations and stage runs on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *registryOptions) {
		o.metrics = rec
	}
}

// Registry maps build identifiers to their engines. At most one engine exists
// per build.
type Registry struct {
	deps     *engineDeps
	pipeline pipeline.Definition
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

// NewRegistry constructs a registry over st. Stage execution uses exec with
// the retry bound, backoff, and timeout from cfg.
func NewRegistry(cfg *config.Config, st Store, exec stage.Executor, bus *notifications.Bus, logger *slog.Logger, opts ...Option) *Registry {
	options := &registryOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	def := pipeline.Default()
	if options.pipeline != nil {
		def = *options.pipeline
	}
	base, maxDelay := cfg.RetryBackoff()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		deps: &engineDeps{
			builds:       st,
			content:      content.NewStore(st, logger),
			checkpoints:  checkpoint.NewManager(st, logger),
			bus:          bus,
			executor:     exec,
			logger:       logger,
			maxAttempts:  cfg.Workflow.MaxAttempts,
			stageTimeout: cfg.StageTimeout(),
			backoffBase:  base,
			backoffMax:   maxDelay,
			sleep:        options.sleep,
			metrics:      options.metrics,
			now:          func() time.Time { return time.Now().UTC() },
		},
		pipeline: def,
		logger:   logging.NewComponentLogger(logger, "registry"),
		ctx:      ctx,
		cancel:   cancel,
		engines:  make(map[string]*Engine),
	}
	r.deps.retire = r.retire
	return r
}

// CreateRequest describes a new build.
type CreateRequest struct {
	Title  string            `json:"title"`
	Config map[string]string `json:"config,omitempty"`
	// Pipeline overrides the registry's default stage sequence.
	Pipeline *pipeline.Definition `json:"pipeline,omitempty"`
	// DeferStart leaves the build in created instead of starting its first stage.
	DeferStart bool `json:"defer_start,omitempty"`
}

// Create validates and persists a new build, registers its engine, and starts
// the first stage unless DeferStart is set.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*builds.Build, error) {
	title := builds.NormalizeTitle(req.Title)
	if title == "" {
		return nil, services.Wrap(services.ErrValidation, "registry", "create", "title is required", nil)
	}
	cfg := make(map[string]string, len(req.Config))
	for k, v := range req.Config {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, services.Wrap(services.ErrValidation, "registry", "create", "config keys must not be empty", nil)
		}
		cfg[key] = strings.TrimSpace(v)
	}
	def := r.pipeline
	if req.Pipeline != nil {
		def = *req.Pipeline
	}
	if err := def.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "registry", "create", "invalid pipeline", err)
	}

	now := r.deps.now()
	build := &builds.Build{
		ID:           uuid.NewString(),
		Title:        title,
		Config:       cfg,
		Pipeline:     def,
		Status:       builds.StatusCreated,
		CurrentStage: def.First(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.deps.builds.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	eng, err := r.register(build)
	if err != nil {
		return nil, err
	}

	r.logger.Info("build created",
		logging.String(logging.FieldEventType, "build_created"),
		logging.String(logging.FieldBuildID, build.ID),
		logging.String("title", build.Title),
		logging.Int("stages", len(def.Steps)),
	)
	if r.deps.bus != nil {
		r.deps.bus.Publish(notifications.Event{
			BuildID: build.ID,
			Type:    notifications.EventBuildCreated,
			Title:   build.Title,
			Status:  string(build.Status),
			Stage:   string(build.CurrentStage),
		})
	}

	if !req.DeferStart {
		if err := eng.Start(ctx); err != nil {
			return nil, err
		}
	}
	summary, err := r.Get(ctx, build.ID)
	if err != nil {
		return nil, err
	}
	return summary.Build, nil
}

func (r *Registry) register(build *builds.Build) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRegistryClosed
	}
	if eng, ok := r.engines[build.ID]; ok {
		return eng, nil
	}
	eng := newEngine(r.ctx, r.deps, build)
	r.engines[build.ID] = eng
	return eng, nil
}

// engine returns the live engine for id, loading the build on first use.
// Terminal builds get no engine; their stored record is returned instead.
func (r *Registry) engine(ctx context.Context, id string) (*Engine, *builds.Build, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, services.Wrap(services.ErrValidation, "registry", "lookup", "build id is required", nil)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, errRegistryClosed
	}
	if eng, ok := r.engines[id]; ok {
		r.mu.Unlock()
		return eng, nil, nil
	}
	r.mu.Unlock()

	build, err := r.deps.builds.GetBuild(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if build.Status.IsTerminal() {
		return nil, build, nil
	}
	eng, err := r.register(build)
	return eng, nil, err
}

// live returns the engine for a command. Commands on terminal builds fail
// with a validation error and are counted like any other rejected command.
func (r *Registry) live(ctx context.Context, id, op string) (*Engine, error) {
	eng, done, err := r.engine(ctx, id)
	if err != nil {
		return nil, err
	}
	if done != nil {
		err := finishedError(done, op)
		r.deps.metrics.Operation(ctx, op, err)
		return nil, err
	}
	return eng, nil
}

func finishedError(build *builds.Build, op string) error {
	return services.Wrap(services.ErrValidation, "workflow", op,
		fmt.Sprintf("build %s is %s", build.ID, build.Status), nil)
}

// retire drops eng once its build is terminal. A newer engine for the same
// build is left alone.
func (r *Registry) retire(eng *Engine) {
	r.mu.Lock()
	if r.engines[eng.id] == eng {
		delete(r.engines, eng.id)
	}
	r.mu.Unlock()
}

// Active returns the number of builds with a live engine.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Get returns the status summary of a build.
func (r *Registry) Get(ctx context.Context, id string) (StatusSummary, error) {
	eng, done, err := r.engine(ctx, id)
	if err != nil {
		return StatusSummary{}, err
	}
	if eng != nil {
		return eng.Status(ctx)
	}
	summary := StatusSummary{Build: done, LastError: done.FailureReason}
	pending, err := r.deps.checkpoints.Pending(ctx, done.ID)
	if err != nil {
		return summary, err
	}
	summary.Pending = pending
	return summary, nil
}

// List returns persisted builds, optionally filtered by status.
func (r *Registry) List(ctx context.Context, filter builds.Filter) ([]*builds.Build, error) {
	return r.deps.builds.ListBuilds(ctx, filter)
}

// Start begins a build created with DeferStart.
func (r *Registry) Start(ctx context.Context, id string) error {
	eng, err := r.live(ctx, id, "start")
	if err != nil {
		return err
	}
	return eng.Start(ctx)
}

// Advance executes the current stage of a running build.
func (r *Registry) Advance(ctx context.Context, id string) error {
	eng, err := r.live(ctx, id, "advance")
	if err != nil {
		return err
	}
	return eng.Advance(ctx)
}

// Pause pauses a build.
func (r *Registry) Pause(ctx context.Context, id string) error {
	eng, err := r.live(ctx, id, "pause")
	if err != nil {
		return err
	}
	return eng.Pause(ctx)
}

// Resume resumes a paused build.
func (r *Registry) Resume(ctx context.Context, id string) error {
	eng, err := r.live(ctx, id, "resume")
	if err != nil {
		return err
	}
	return eng.Resume(ctx)
}

// Cancel cancels a build.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	eng, err := r.live(ctx, id, "cancel")
	if err != nil {
		return err
	}
	return eng.Cancel(ctx)
}

// Resolve routes decision to the engine of the checkpoint's build.
func (r *Registry) Resolve(ctx context.Context, checkpointID string, decision checkpoint.Decision) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateDecision(decision); err != nil {
		return nil, err
	}
	cp, err := r.deps.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	eng, done, err := r.engine(ctx, cp.BuildID)
	if err != nil {
		return nil, err
	}
	if done != nil {
		op := "approve"
		if decision.Outcome == checkpoint.OutcomeRejected {
			op = "reject"
		}
		if cp.Resolved {
			err = services.Wrap(services.ErrConflict, "workflow", "resolve",
				fmt.Sprintf("checkpoint %s already resolved (%s)", cp.ID, cp.Outcome), nil)
		} else {
			err = finishedError(done, op)
		}
		r.deps.metrics.Operation(ctx, op, err)
		return nil, err
	}
	resolved, err := eng.Resolve(ctx, cp.ID, decision)
	if errors.Is(err, errEngineRetired) {
		// The build finished while this call waited; answer from the store.
		return r.Resolve(ctx, checkpointID, decision)
	}
	return resolved, err
}

// EditContent appends a human-edited version to a lineage of the build.
func (r *Registry) EditContent(ctx context.Context, buildID, lineage string, payload json.RawMessage, editor string) (*content.Item, error) {
	eng, err := r.live(ctx, buildID, "edit")
	if err != nil {
		return nil, err
	}
	return eng.EditContent(ctx, lineage, payload, editor)
}

// GetContent returns one content version.
func (r *Registry) GetContent(ctx context.Context, id string) (*content.Item, error) {
	return r.deps.content.Get(ctx, id)
}

// ListContent returns the latest version of every lineage of the build.
func (r *Registry) ListContent(ctx context.Context, buildID string) ([]*content.Item, error) {
	if err := r.ensureBuild(ctx, buildID); err != nil {
		return nil, err
	}
	return r.deps.content.ListByBuild(ctx, buildID)
}

// ContentHistory returns every version of a lineage, oldest first.
func (r *Registry) ContentHistory(ctx context.Context, buildID, lineage string) ([]*content.Item, error) {
	if err := r.ensureBuild(ctx, buildID); err != nil {
		return nil, err
	}
	return r.deps.content.History(ctx, buildID, lineage)
}

// DiffContent compares two versions of one lineage.
func (r *Registry) DiffContent(ctx context.Context, fromID, toID string) (*content.Diff, error) {
	return r.deps.content.Diff(ctx, fromID, toID)
}

// ListPending returns unresolved checkpoints, oldest first. An empty buildID
// lists every build.
func (r *Registry) ListPending(ctx context.Context, buildID string) ([]*checkpoint.Checkpoint, error) {
	if strings.TrimSpace(buildID) != "" {
		if err := r.ensureBuild(ctx, buildID); err != nil {
			return nil, err
		}
	}
	return r.deps.checkpoints.ListPending(ctx, buildID)
}

// History returns the build's resolved checkpoints by resolution time.
func (r *Registry) History(ctx context.Context, buildID string) ([]*checkpoint.Checkpoint, error) {
	if err := r.ensureBuild(ctx, buildID); err != nil {
		return nil, err
	}
	return r.deps.checkpoints.History(ctx, buildID)
}

// ExecutorHealth reports the readiness of the stage executor.
func (r *Registry) ExecutorHealth(ctx context.Context) stage.Health {
	if r.deps.executor == nil {
		return stage.Unhealthy("executor", "not configured")
	}
	return r.deps.executor.HealthCheck(ctx)
}

func (r *Registry) ensureBuild(ctx context.Context, buildID string) error {
	r.mu.Lock()
	_, ok := r.engines[strings.TrimSpace(buildID)]
	r.mu.Unlock()
	if ok {
		return nil
	}
	_, err := r.deps.builds.GetBuild(ctx, strings.TrimSpace(buildID))
	return err
}

// Recover re-attaches engines to every non-terminal build and restarts the
// stages of builds that were running when the previous process stopped. It
// returns the number of builds re-attached.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	list, err := r.deps.builds.ListBuilds(ctx, builds.Filter{Statuses: []builds.Status{
		builds.StatusRunning,
		builds.StatusAwaitingApproval,
		builds.StatusPaused,
	}})
	if err != nil {
		return 0, fmt.Errorf("list builds for recovery: %w", err)
	}
	var errs []error
	for _, build := range list {
		eng, err := r.register(build)
		if err != nil {
			return 0, err
		}
		if build.Status != builds.StatusRunning {
			continue
		}
		if err := eng.recoverRun(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recover build %s: %w", build.ID, err))
			logging.WarnWithContext(r.logger, "build recovery failed", "build_recovery_failed",
				logging.String(logging.FieldBuildID, build.ID),
				logging.String(logging.FieldErrorHint, "inspect the build with 'coursebuild build show'"),
				logging.String(logging.FieldImpact, "build stays running without an active stage"),
				logging.Error(err),
			)
		}
	}
	r.logger.Info("builds recovered",
		logging.String(logging.FieldEventType, "builds_recovered"),
		logging.Int("count", len(list)),
	)
	return len(list), errors.Join(errs...)
}

// Close stops every engine. Outstanding executor calls are abandoned.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	engines := make([]*Engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	r.mu.Unlock()

	r.cancel()
	for _, eng := range engines {
		eng.stop()
	}
}
