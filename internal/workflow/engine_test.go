package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/store"
	"coursebuild/internal/testsupport"
	"coursebuild/internal/workflow"
)

func TestRejectRegeneratesWithFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	build := h.create(t, workflow.CreateRequest{
		Config:   map[string]string{"num_modules": "2"},
		Pipeline: threeStagePipeline(),
	})
	if build.Title != "Intro To Go" {
		t.Fatalf("expected normalized title, got %q", build.Title)
	}

	outline := h.waitAwaiting(t, build.ID, pipeline.StageOutline)
	h.resolve(t, outline.Pending.ID, checkpoint.OutcomeApproved, "")

	review := h.waitAwaiting(t, build.ID, pipeline.StageReview)
	if n := h.exec.Calls(pipeline.StageContentGeneration); n != 1 {
		t.Fatalf("expected content generation to auto-advance once, got %d calls", n)
	}
	h.resolve(t, review.Pending.ID, checkpoint.OutcomeRejected, "add examples")

	second := h.waitFor(t, build.ID, "fresh review checkpoint", func(s workflow.StatusSummary) bool {
		return s.Build.Status == builds.StatusAwaitingApproval && s.Pending != nil && s.Pending.ID != review.Pending.ID
	})
	if second.Build.CurrentStage != pipeline.StageReview {
		t.Fatalf("reject must keep the stage, got %s", second.Build.CurrentStage)
	}

	history, err := h.reg.ContentHistory(ctx, build.ID, string(pipeline.StageReview))
	if err != nil {
		t.Fatalf("ContentHistory: %v", err)
	}
	if len(history) != 2 || history[1].Version != 2 {
		t.Fatalf("expected review v1 and v2, got %d versions", len(history))
	}
	if second.Pending.ContentID != history[1].ID {
		t.Fatalf("checkpoint should cover v2, got %s", second.Pending.ContentID)
	}
	var payload map[string]any
	if err := json.Unmarshal(history[1].Payload, &payload); err != nil {
		t.Fatalf("decode review v2: %v", err)
	}
	notes, _ := payload["revision_notes"].(map[string]any)
	if notes["comments"] != "add examples" {
		t.Fatalf("feedback missing from regenerated content: %v", payload)
	}

	reqs := h.exec.Requests(pipeline.StageReview)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 review requests, got %d", len(reqs))
	}
	if reqs[0].Feedback != nil {
		t.Fatalf("first review run must not carry feedback")
	}
	fb := reqs[1].Feedback
	if fb == nil || fb.Comments != "add examples" || fb.Reviewer != "alice" || len(fb.Rejected) == 0 {
		t.Fatalf("unexpected feedback %+v", fb)
	}
	if _, ok := reqs[1].Prior[pipeline.StageContentGeneration]; !ok {
		t.Fatal("review request should carry generated lessons")
	}

	h.resolve(t, second.Pending.ID, checkpoint.OutcomeApproved, "")
	done := h.waitStatus(t, build.ID, builds.StatusCompleted)
	if done.Pending != nil {
		t.Fatal("completed build must not have a pending checkpoint")
	}

	history, _ = h.reg.ContentHistory(ctx, build.ID, string(pipeline.StageReview))
	if history[0].Approved || !history[1].Approved {
		t.Fatalf("only review v2 should be approved: v1=%v v2=%v", history[0].Approved, history[1].Approved)
	}

	resolved, err := h.reg.History(ctx, build.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []checkpoint.Outcome{checkpoint.OutcomeApproved, checkpoint.OutcomeRejected, checkpoint.OutcomeApproved}
	if len(resolved) != len(want) {
		t.Fatalf("expected %d resolved checkpoints, got %d", len(want), len(resolved))
	}
	for i, outcome := range want {
		if resolved[i].Outcome != outcome {
			t.Fatalf("checkpoint %d: got %s want %s", i, resolved[i].Outcome, outcome)
		}
	}

	if err := h.reg.Pause(ctx, build.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("completed builds must reject pause, got %v", err)
	}
}

func TestApprovingEveryCheckpointCompletesBuild(t *testing.T) {
	h := newHarness(t)
	build := h.create(t, workflow.CreateRequest{})

	var visited []pipeline.Stage
	for {
		summary := h.waitFor(t, build.ID, "checkpoint or completion", func(s workflow.StatusSummary) bool {
			return s.Build.Status == builds.StatusCompleted ||
				(s.Build.Status == builds.StatusAwaitingApproval && s.Pending != nil)
		})
		if summary.Build.Status == builds.StatusCompleted {
			break
		}
		visited = append(visited, summary.Build.CurrentStage)
		h.resolve(t, summary.Pending.ID, checkpoint.OutcomeApproved, "")
	}

	want := []pipeline.Stage{pipeline.StageOutline, pipeline.StageReview, pipeline.StageFinalAssembly}
	if len(visited) != len(want) {
		t.Fatalf("expected checkpoints at %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("expected checkpoints at %v, got %v", want, visited)
		}
	}

	items, err := h.reg.ListContent(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(items) != len(pipeline.AllStages()) {
		t.Fatalf("expected content for every stage, got %d lineages", len(items))
	}
	for _, s := range pipeline.AllStages() {
		if h.exec.Calls(s) != 1 {
			t.Fatalf("stage %s executed %d times", s, h.exec.Calls(s))
		}
	}
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	h := newHarness(t)
	build := h.create(t, workflow.CreateRequest{})
	summary := h.waitAwaiting(t, build.ID, pipeline.StageOutline)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.reg.Resolve(context.Background(), summary.Pending.ID, checkpoint.Decision{
				Outcome:  checkpoint.OutcomeApproved,
				Approver: "reviewer",
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, services.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestStageFailuresExhaustRetryBound(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(3))
	for i := 1; i <= 3; i++ {
		h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{
			Err: services.Wrap(services.ErrExternalCapability, "outline", "generate", "backend unavailable", fmt.Errorf("attempt %d", i)),
		})
	}
	sub := h.bus.SubscribeAll()
	defer sub.Close()

	build := h.create(t, workflow.CreateRequest{})
	summary := h.waitStatus(t, build.ID, builds.StatusFailed)

	if !strings.Contains(summary.Build.FailureReason, "attempt 3") {
		t.Fatalf("expected last failure reason, got %q", summary.Build.FailureReason)
	}
	if summary.Build.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", summary.Build.Attempts)
	}
	if n := h.exec.Calls(pipeline.StageOutline); n != 3 {
		t.Fatalf("expected 3 executor calls, got %d", n)
	}
	if _, err := h.reg.ContentHistory(context.Background(), build.ID, string(pipeline.StageOutline)); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("failed attempts must not produce content, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.BuildID == build.ID && evt.Type == notifications.EventBuildFailed {
				if !strings.Contains(evt.Message, "attempt 3") {
					t.Fatalf("unexpected failure event message %q", evt.Message)
				}
				return
			}
		case <-deadline:
			t.Fatal("build_failed event not published")
		}
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(3))
	build := h.create(t, workflow.CreateRequest{Config: map[string]string{"num_modules": "zero"}})

	summary := h.waitStatus(t, build.ID, builds.StatusFailed)
	if summary.Build.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", summary.Build.Attempts)
	}
	if !strings.Contains(summary.Build.FailureReason, "num_modules") {
		t.Fatalf("unexpected reason %q", summary.Build.FailureReason)
	}
}

func TestStageTimeoutFailsBuild(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxAttempts(1))
	never := make(chan struct{})
	t.Cleanup(func() { close(never) })
	h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: never})

	def := pipeline.Definition{Steps: []pipeline.Step{{Stage: pipeline.StageOutline, TimeoutSeconds: 1}}}
	build := h.create(t, workflow.CreateRequest{Pipeline: &def})

	summary := h.waitStatus(t, build.ID, builds.StatusFailed)
	if !strings.Contains(summary.Build.FailureReason, "timeout") {
		t.Fatalf("expected timeout reason, got %q", summary.Build.FailureReason)
	}
}

func TestCancelDuringExecutionDiscardsResult(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release, IgnoreCancel: true})

	build := h.create(t, workflow.CreateRequest{})
	waitStarted(t, h.exec, pipeline.StageOutline)

	if err := h.reg.Cancel(context.Background(), build.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	summary, err := h.reg.Get(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if summary.Build.Status != builds.StatusCancelled || summary.Executing {
		t.Fatalf("expected cancelled and detached, got %s executing=%v", summary.Build.Status, summary.Executing)
	}

	close(release)
	time.Sleep(100 * time.Millisecond)

	items, err := h.reg.ListContent(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("late result must be discarded, found %d items", len(items))
	}
	stored, err := h.st.GetBuild(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if stored.Status != builds.StatusCancelled {
		t.Fatalf("expected persisted cancelled status, got %s", stored.Status)
	}
	assertKind(t, h.reg.Cancel(context.Background(), build.ID), services.ErrValidation)
	assertKind(t, h.reg.Resume(context.Background(), build.ID), services.ErrValidation)
}

func TestCancelSupersedesOpenCheckpoint(t *testing.T) {
	h := newHarness(t)
	build := h.create(t, workflow.CreateRequest{})
	summary := h.waitAwaiting(t, build.ID, pipeline.StageOutline)

	if err := h.reg.Cancel(context.Background(), build.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	pending, err := h.reg.ListPending(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending checkpoints, got %d", len(pending))
	}
	history, err := h.reg.History(context.Background(), build.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != checkpoint.OutcomeSuperseded || history[0].ResolvedBy != checkpoint.SystemResolver {
		t.Fatalf("expected one superseded checkpoint, got %+v", history)
	}

	_, err = h.reg.Resolve(context.Background(), summary.Pending.ID, checkpoint.Decision{
		Outcome:  checkpoint.OutcomeApproved,
		Approver: "alice",
	})
	assertKind(t, err, services.ErrConflict)
}

func TestPauseDuringExecutionTakesEffectAfterResult(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release})

	build := h.create(t, workflow.CreateRequest{})
	waitStarted(t, h.exec, pipeline.StageOutline)

	ctx := context.Background()
	if err := h.reg.Pause(ctx, build.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	summary, _ := h.reg.Get(ctx, build.ID)
	if !summary.PausePending || summary.Build.Status != builds.StatusRunning {
		t.Fatalf("expected pending pause while executing, got %+v", summary)
	}
	close(release)

	paused := h.waitStatus(t, build.ID, builds.StatusPaused)
	if paused.Build.PausedFrom != builds.StatusAwaitingApproval {
		t.Fatalf("expected paused from awaiting_approval, got %q", paused.Build.PausedFrom)
	}
	if paused.Pending == nil {
		t.Fatal("pause must keep the checkpoint opened for the finished stage")
	}
	if _, err := h.reg.Resolve(ctx, paused.Pending.ID, checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "alice"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("resolving a paused build should fail validation, got %v", err)
	}

	if err := h.reg.Resume(ctx, build.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed := h.waitAwaiting(t, build.ID, pipeline.StageOutline)
	if resumed.Pending.ID != paused.Pending.ID {
		t.Fatal("resume must restore the same checkpoint")
	}
}

func TestPauseBetweenAutomaticStages(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release})

	def := pipeline.FromStages([]pipeline.Stage{pipeline.StageOutline, pipeline.StageContentGeneration}, nil)
	build := h.create(t, workflow.CreateRequest{Pipeline: &def})
	waitStarted(t, h.exec, pipeline.StageOutline)

	ctx := context.Background()
	if err := h.reg.Pause(ctx, build.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	paused := h.waitStatus(t, build.ID, builds.StatusPaused)
	if paused.Build.CurrentStage != pipeline.StageContentGeneration || paused.Build.PausedFrom != builds.StatusRunning {
		t.Fatalf("unexpected paused state: stage=%s from=%s", paused.Build.CurrentStage, paused.Build.PausedFrom)
	}
	if n := h.exec.Calls(pipeline.StageContentGeneration); n != 0 {
		t.Fatalf("paused build must not advance, got %d calls", n)
	}
	assertKind(t, h.reg.Pause(ctx, build.ID), services.ErrValidation)

	if err := h.reg.Resume(ctx, build.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.waitStatus(t, build.ID, builds.StatusCompleted)
	if n := h.exec.Calls(pipeline.StageContentGeneration); n != 1 {
		t.Fatalf("expected content generation after resume, got %d calls", n)
	}
}

func TestResumeWithdrawsPendingPause(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.exec.Script(pipeline.StageOutline, testsupport.ScriptStep{Block: release})

	build := h.create(t, workflow.CreateRequest{})
	waitStarted(t, h.exec, pipeline.StageOutline)

	ctx := context.Background()
	if err := h.reg.Pause(ctx, build.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.reg.Resume(ctx, build.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	close(release)
	h.waitAwaiting(t, build.ID, pipeline.StageOutline)
}

func TestEditThenApproveMarksEditedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	build := h.create(t, workflow.CreateRequest{})
	summary := h.waitAwaiting(t, build.ID, pipeline.StageOutline)

	edited, err := h.reg.EditContent(ctx, build.ID, string(pipeline.StageOutline), json.RawMessage(`{"modules":[{"index":1,"title":"Basics"}]}`), "bob")
	if err != nil {
		t.Fatalf("EditContent: %v", err)
	}
	if edited.Version != 2 || edited.Provenance != content.ProvenanceHumanEdited || edited.ParentID != summary.Pending.ContentID {
		t.Fatalf("unexpected edited version %+v", edited)
	}

	if _, err := h.reg.Resolve(ctx, summary.Pending.ID, checkpoint.Decision{
		Outcome:     checkpoint.OutcomeApproved,
		Approver:    "bob",
		ChangesMade: true,
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	history, err := h.reg.ContentHistory(ctx, build.ID, string(pipeline.StageOutline))
	if err != nil {
		t.Fatalf("ContentHistory: %v", err)
	}
	if history[0].Approved || !history[1].Approved {
		t.Fatalf("expected only the edited version approved")
	}

	h.waitAwaiting(t, build.ID, pipeline.StageReview)
	reqs := h.exec.Requests(pipeline.StageContentGeneration)
	if len(reqs) != 1 || !strings.Contains(string(reqs[0].Prior[pipeline.StageOutline]), "Basics") {
		t.Fatal("next stage should consume the edited outline")
	}
}

func TestAdvanceRequiresRunningWithoutCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := h.create(t, workflow.CreateRequest{DeferStart: true})
	if created.Status != builds.StatusCreated {
		t.Fatalf("expected created, got %s", created.Status)
	}
	assertKind(t, h.reg.Advance(ctx, created.ID), services.ErrValidation)
	assertKind(t, h.reg.Pause(ctx, created.ID), services.ErrValidation)

	if err := h.reg.Start(ctx, created.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitAwaiting(t, created.ID, pipeline.StageOutline)
	assertKind(t, h.reg.Advance(ctx, created.ID), services.ErrValidation)
	assertKind(t, h.reg.Start(ctx, created.ID), services.ErrValidation)
}

func TestEventsFollowPublishOrder(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.SubscribeAll()
	defer sub.Close()

	def := pipeline.FromStages([]pipeline.Stage{pipeline.StageExport}, nil)
	build := h.create(t, workflow.CreateRequest{Pipeline: &def})

	want := []notifications.EventType{
		notifications.EventBuildCreated,
		notifications.EventStatusChanged,
		notifications.EventStageStarted,
		notifications.EventContentCreated,
		notifications.EventStageCompleted,
		notifications.EventStatusChanged,
		notifications.EventBuildCompleted,
	}
	deadline := time.After(5 * time.Second)
	var got []notifications.Event
	for len(got) < len(want) {
		select {
		case evt := <-sub.C():
			if evt.BuildID == build.ID {
				got = append(got, evt)
			}
		case <-deadline:
			t.Fatalf("timed out; got %d events", len(got))
		}
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Fatalf("event %d: got %s want %s", i, got[i].Type, typ)
		}
		if got[i].Sequence != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, got[i].Sequence)
		}
	}
	if got[len(got)-1].Status != string(builds.StatusCompleted) {
		t.Fatalf("final event should carry completed status, got %q", got[len(got)-1].Status)
	}
}

// awaitingRefusedStore fails every write that would move a build into
// awaiting_approval.
type awaitingRefusedStore struct {
	*store.Store
}

func (s awaitingRefusedStore) UpdateBuild(ctx context.Context, build *builds.Build) error {
	if build.Status == builds.StatusAwaitingApproval {
		return errors.New("disk full")
	}
	return s.Store.UpdateBuild(ctx, build)
}

func TestCheckpointIsSupersededWhenStatusWriteFails(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(1))
	st := testsupport.MustOpenStore(t, cfg)
	h := startHarness(t, cfg, st, awaitingRefusedStore{Store: st})
	ctx := context.Background()

	build := h.create(t, workflow.CreateRequest{})
	summary := h.waitStatus(t, build.ID, builds.StatusFailed)
	if !strings.Contains(summary.Build.FailureReason, "disk full") {
		t.Fatalf("failure reason = %q", summary.Build.FailureReason)
	}

	pending, err := h.reg.ListPending(ctx, build.ID)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("failed build left %d pending checkpoints", len(pending))
	}
	history, err := h.reg.History(ctx, build.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != checkpoint.OutcomeSuperseded || history[0].ResolvedBy != checkpoint.SystemResolver {
		t.Fatalf("expected one superseded checkpoint, got %+v", history)
	}

	_, err = h.reg.Resolve(ctx, history[0].ID, checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "alice"})
	assertKind(t, err, services.ErrConflict)
}
