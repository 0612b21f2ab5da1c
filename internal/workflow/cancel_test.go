package workflow_test

import (
	"context"
	"testing"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/testsupport"
	"coursebuild/internal/workflow"
)

func TestCancelFromEveryActiveStatus(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, h *harness) string
		superseded int
	}{
		{
			name: "created",
			setup: func(t *testing.T, h *harness) string {
				return h.create(t, workflow.CreateRequest{DeferStart: true}).ID
			},
		},
		{
			name: "running with a stage in flight",
			setup: func(t *testing.T, h *harness) string {
				release := make(chan struct{})
				t.Cleanup(func() { close(release) })
				h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release})
				build := h.create(t, workflow.CreateRequest{})
				waitStarted(t, h.exec, pipeline.StageOutline)
				return build.ID
			},
		},
		{
			name: "awaiting approval",
			setup: func(t *testing.T, h *harness) string {
				build := h.create(t, workflow.CreateRequest{})
				h.waitAwaiting(t, build.ID, pipeline.StageOutline)
				return build.ID
			},
			superseded: 1,
		},
		{
			name: "paused with a kept checkpoint",
			setup: func(t *testing.T, h *harness) string {
				build := h.create(t, workflow.CreateRequest{})
				h.waitAwaiting(t, build.ID, pipeline.StageOutline)
				if err := h.reg.Pause(context.Background(), build.ID); err != nil {
					t.Fatalf("Pause: %v", err)
				}
				paused := h.waitStatus(t, build.ID, builds.StatusPaused)
				if paused.Pending == nil {
					t.Fatal("pause must keep the open checkpoint")
				}
				return build.ID
			},
			superseded: 1,
		},
		{
			name: "paused between automatic stages",
			setup: func(t *testing.T, h *harness) string {
				release := make(chan struct{})
				h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release})
				def := pipeline.FromStages([]pipeline.Stage{pipeline.StageOutline, pipeline.StageContentGeneration}, nil)
				build := h.create(t, workflow.CreateRequest{Pipeline: &def})
				waitStarted(t, h.exec, pipeline.StageOutline)
				if err := h.reg.Pause(context.Background(), build.ID); err != nil {
					t.Fatalf("Pause: %v", err)
				}
				close(release)
				paused := h.waitStatus(t, build.ID, builds.StatusPaused)
				if paused.Build.PausedFrom != builds.StatusRunning {
					t.Fatalf("paused from %q, want running", paused.Build.PausedFrom)
				}
				return build.ID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := tt.setup(t, h)
			ctx := context.Background()

			if err := h.reg.Cancel(ctx, id); err != nil {
				t.Fatalf("Cancel: %v", err)
			}

			summary, err := h.reg.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if summary.Build.Status != builds.StatusCancelled || summary.Executing || summary.Pending != nil {
				t.Fatalf("after cancel: status=%s executing=%v pending=%v", summary.Build.Status, summary.Executing, summary.Pending)
			}
			stored, err := h.st.GetBuild(ctx, id)
			if err != nil {
				t.Fatalf("GetBuild: %v", err)
			}
			if stored.Status != builds.StatusCancelled || stored.PausedFrom != "" {
				t.Fatalf("stored status=%s paused_from=%q", stored.Status, stored.PausedFrom)
			}

			pending, err := h.reg.ListPending(ctx, id)
			if err != nil {
				t.Fatalf("ListPending: %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("expected no pending checkpoints, got %d", len(pending))
			}
			history, err := h.reg.History(ctx, id)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			superseded := 0
			for _, cp := range history {
				if cp.Outcome == checkpoint.OutcomeSuperseded {
					superseded++
				}
			}
			if superseded != tt.superseded {
				t.Fatalf("superseded checkpoints = %d, want %d (%+v)", superseded, tt.superseded, history)
			}

			assertKind(t, h.reg.Cancel(ctx, id), services.ErrValidation)
		})
	}
}
