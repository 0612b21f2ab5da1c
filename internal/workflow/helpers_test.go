package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/config"
	"coursebuild/internal/logging"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/store"
	"coursebuild/internal/testsupport"
	"coursebuild/internal/workflow"
)

type harness struct {
	reg  *workflow.Registry
	st   *store.Store
	bus  *notifications.Bus
	exec *testsupport.ScriptedExecutor
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	return startHarness(t, cfg, st, st)
}

// startHarness builds a registry over backing, which usually is st itself.
func startHarness(t *testing.T, cfg *config.Config, st *store.Store, backing workflow.Store, opts ...workflow.Option) *harness {
	t.Helper()
	bus := notifications.NewBus(cfg.Notifications.BusCapacity)
	exec := testsupport.NewScriptedExecutor()
	opts = append([]workflow.Option{workflow.WithSleep(noSleep)}, opts...)
	reg := workflow.NewRegistry(cfg, backing, exec, bus, logging.NewNop(), opts...)
	t.Cleanup(func() {
		reg.Close()
		bus.Close()
	})
	return &harness{reg: reg, st: st, bus: bus, exec: exec}
}

func threeStagePipeline() *pipeline.Definition {
	def := pipeline.FromStages(
		[]pipeline.Stage{pipeline.StageOutline, pipeline.StageContentGeneration, pipeline.StageReview},
		map[pipeline.Stage]bool{pipeline.StageOutline: true, pipeline.StageReview: true},
	)
	return &def
}

func (h *harness) create(t *testing.T, req workflow.CreateRequest) *builds.Build {
	t.Helper()
	if req.Title == "" {
		req.Title = "intro to go"
	}
	build, err := h.reg.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return build
}

// waitFor polls the build until cond holds.
func (h *harness) waitFor(t *testing.T, id string, what string, cond func(workflow.StatusSummary) bool) workflow.StatusSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last workflow.StatusSummary
	for time.Now().Before(deadline) {
		summary, err := h.reg.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		last = summary
		if cond(summary) {
			return summary
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last status=%s stage=%s executing=%v err=%q",
		what, last.Build.Status, last.Build.CurrentStage, last.Executing, last.LastError)
	return last
}

// waitAwaiting waits until the build awaits approval at stage.
func (h *harness) waitAwaiting(t *testing.T, id string, stg pipeline.Stage) workflow.StatusSummary {
	t.Helper()
	summary := h.waitFor(t, id, "awaiting approval at "+string(stg), func(s workflow.StatusSummary) bool {
		return s.Build.Status == builds.StatusAwaitingApproval && s.Build.CurrentStage == stg && s.Pending != nil
	})
	return summary
}

func (h *harness) waitStatus(t *testing.T, id string, status builds.Status) workflow.StatusSummary {
	t.Helper()
	return h.waitFor(t, id, string(status), func(s workflow.StatusSummary) bool {
		return s.Build.Status == status && !s.Executing
	})
}

func (h *harness) resolve(t *testing.T, checkpointID string, outcome checkpoint.Outcome, comments string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.reg.Resolve(context.Background(), checkpointID, checkpoint.Decision{
		Outcome:  outcome,
		Approver: "alice",
		Comments: comments,
	})
	if err != nil {
		t.Fatalf("Resolve(%s): %v", outcome, err)
	}
	return cp
}

func waitStarted(t *testing.T, exec *testsupport.ScriptedExecutor, stg pipeline.Stage) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case req := <-exec.Started():
			if req.Stage == stg {
				return
			}
		case <-deadline:
			t.Fatalf("stage %s never started", stg)
		}
	}
}

func assertKind(t *testing.T, err error, marker error) {
	t.Helper()
	if !errors.Is(err, marker) {
		t.Fatalf("expected %v, got %v", marker, err)
	}
}
