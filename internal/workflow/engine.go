package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/logging"
	"coursebuild/internal/metrics"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
	"coursebuild/internal/stageexec"
)

var (
	errEngineStopped = errors.New("workflow engine stopped")
	errEngineRetired = errors.New("engine retired")
)

// engineDeps is shared by every engine of a registry.
type engineDeps struct {
	builds       builds.Repository
	content      *content.Store
	checkpoints  *checkpoint.Manager
	bus          *notifications.Bus
	executor     stage.Executor
	logger       *slog.Logger
	maxAttempts  int
	stageTimeout time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	sleep        func(context.Context, time.Duration) error
	metrics      *metrics.Recorder
	now          func() time.Time
	// retire is called from the actor once the build reached a terminal status.
	retire func(*Engine)
}

type command struct {
	name  string
	run   func() error
	reply chan error
}

type execResult struct {
	gen     uint64
	stage   pipeline.Stage
	result  stageexec.Result
	err     error
	elapsed time.Duration
}

// Engine is the single owner of one build's status and current stage.
// Commands run one at a time on the engine's actor goroutine.
type Engine struct {
	id     string
	deps   *engineDeps
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	cmds    chan command
	results chan execResult
	done    chan struct{}

	mu           sync.RWMutex
	build        *builds.Build
	executing    bool
	pausePending bool
	lastErr      string

	// Owned by the actor goroutine.
	gen        uint64
	execCancel context.CancelFunc
}

func newEngine(parent context.Context, deps *engineDeps, build *builds.Build) *Engine {
	ctx, cancel := context.WithCancel(services.WithBuildID(parent, build.ID))
	e := &Engine{
		id:      build.ID,
		deps:    deps,
		logger:  logging.NewComponentLogger(deps.logger, "workflow").With(logging.String(logging.FieldBuildID, build.ID)),
		ctx:     ctx,
		cancel:  cancel,
		cmds:    make(chan command),
		results: make(chan execResult),
		done:    make(chan struct{}),
		build:   build.Clone(),
	}
	go e.loop()
	return e
}

// ID returns the build identifier.
func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) loop() {
	defer close(e.done)
	defer e.detach()
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmds:
			err := cmd.run()
			e.deps.metrics.Operation(e.ctx, cmd.name, err)
			if e.build.Status.IsTerminal() {
				// Unregister before replying so the caller's next lookup reads
				// the store.
				e.retire()
			}
			cmd.reply <- err
		case res := <-e.results:
			e.handleResult(res)
		}
		if e.build.Status.IsTerminal() {
			// Nothing can change a terminal build; the registry answers for it
			// from the store from now on.
			e.retire()
			e.cancel()
			return
		}
	}
}

func (e *Engine) retire() {
	if e.deps.retire != nil {
		e.deps.retire(e)
	}
}

// detach abandons an in-flight execution when the actor stops.
func (e *Engine) detach() {
	if e.execCancel != nil {
		e.execCancel()
		e.execCancel = nil
	}
}

// submit hands run to the actor and waits for its result. A caller whose ctx
// ends stops waiting, but an accepted command still runs to completion.
func (e *Engine) submit(ctx context.Context, name string, run func() error) error {
	cmd := command{name: name, run: run, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return e.stoppedError(name)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		// The command that retired the engine replied before done closed.
		select {
		case err := <-cmd.reply:
			return err
		default:
		}
		return e.stoppedError(name)
	}
}

// stoppedError answers a command that reached an engine after its actor
// exited. A retired engine reports its terminal status like a live one would.
func (e *Engine) stoppedError(op string) error {
	e.mu.RLock()
	status := e.build.Status
	e.mu.RUnlock()
	if status.IsTerminal() {
		return services.Wrap(services.ErrValidation, "workflow", op,
			fmt.Sprintf("build %s is %s", e.id, status), errEngineRetired)
	}
	return errEngineStopped
}

func (e *Engine) stop() {
	e.cancel()
	<-e.done
}

// Status returns a snapshot of the build without waiting on the actor.
func (e *Engine) Status(ctx context.Context) (StatusSummary, error) {
	e.mu.RLock()
	summary := StatusSummary{
		Build:        e.build.Clone(),
		Executing:    e.executing,
		PausePending: e.pausePending,
		LastError:    e.lastErr,
	}
	e.mu.RUnlock()

	pending, err := e.deps.checkpoints.Pending(ctx, e.id)
	if err != nil {
		return summary, err
	}
	summary.Pending = pending
	return summary, nil
}

func (e *Engine) setExecuting(executing bool) {
	e.mu.Lock()
	e.executing = executing
	if !executing {
		e.pausePending = false
	}
	e.mu.Unlock()
}

func (e *Engine) setPausePending(pending bool) {
	e.mu.Lock()
	e.pausePending = pending
	e.mu.Unlock()
}

func (e *Engine) setLastError(msg string) {
	e.mu.Lock()
	e.lastErr = msg
	e.mu.Unlock()
}

// commit applies mutate to a copy of the build and persists it. The engine's
// build only changes once the store accepted the new revision.
func (e *Engine) commit(mutate func(*builds.Build) error) error {
	prev := e.build
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.UpdatedAt = e.deps.now()
	if err := e.deps.builds.UpdateBuild(e.ctx, next); err != nil {
		if errors.Is(err, services.ErrConflict) {
			e.reload()
		}
		return err
	}
	e.mu.Lock()
	e.build = next
	e.mu.Unlock()

	if prev.Status != next.Status {
		e.publish(notifications.Event{
			Type:    notifications.EventStatusChanged,
			Message: fmt.Sprintf("%s -> %s", prev.Status, next.Status),
		})
	}
	return nil
}

func (e *Engine) reload() {
	build, err := e.deps.builds.GetBuild(e.ctx, e.id)
	if err != nil {
		e.logger.Warn("reload build after conflict failed",
			logging.String(logging.FieldEventType, "build_reload_failed"),
			logging.String(logging.FieldErrorHint, "check database access"),
			logging.String(logging.FieldImpact, "engine may operate on a stale build until restart"),
			logging.Error(err),
		)
		return
	}
	e.mu.Lock()
	e.build = build
	e.mu.Unlock()
}

// transition returns a mutation that moves the build to status to.
func transition(to builds.Status) func(*builds.Build) error {
	return func(b *builds.Build) error {
		return b.Transition(to)
	}
}

func (e *Engine) publish(evt notifications.Event) {
	if e.deps.bus == nil {
		return
	}
	b := e.build
	evt.BuildID = b.ID
	if evt.Title == "" {
		evt.Title = b.Title
	}
	evt.Status = string(b.Status)
	if evt.Stage == "" {
		evt.Stage = string(b.CurrentStage)
	}
	e.deps.bus.Publish(evt)
}

func (e *Engine) terminalError(op string) error {
	return services.Wrap(services.ErrValidation, "workflow", op,
		fmt.Sprintf("build %s is %s", e.id, e.build.Status), nil)
}

// priorContent collects the latest content of every stage before the current one.
func (e *Engine) priorContent(b *builds.Build) (map[pipeline.Stage]json.RawMessage, error) {
	prior := make(map[pipeline.Stage]json.RawMessage)
	for _, s := range b.Pipeline.Before(b.CurrentStage) {
		item, err := e.deps.content.GetLatest(e.ctx, b.ID, string(s))
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		prior[s] = item.Payload
	}
	return prior, nil
}

func (e *Engine) snapshot(item *content.Item) json.RawMessage {
	data, err := json.Marshal(map[string]any{
		"title":      e.build.Title,
		"stage":      item.Stage,
		"content_id": item.ID,
		"version":    item.Version,
		"payload":    item.Payload,
	})
	if err != nil {
		return nil
	}
	return data
}
