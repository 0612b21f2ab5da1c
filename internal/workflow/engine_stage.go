package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/logging"
	"coursebuild/internal/notifications"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
	"coursebuild/internal/stageexec"
)

// contentAuthor is recorded on generated versions.
const contentAuthor = "executor"

// beginStage launches the executor for the current stage off the actor
// goroutine. The result comes back through e.results tagged with the
// execution generation.
func (e *Engine) beginStage(feedback *stage.Feedback) error {
	b := e.build
	step, ok := b.CurrentStep()
	if !ok {
		return services.Wrap(services.ErrValidation, "workflow", "advance",
			fmt.Sprintf("stage %q is not part of the build pipeline", b.CurrentStage), nil)
	}
	prior, err := e.priorContent(b)
	if err != nil {
		return err
	}

	cfg := make(map[string]string, len(b.Config))
	for k, v := range b.Config {
		cfg[k] = v
	}
	opts := stageexec.Options{
		Logger:   e.logger,
		Executor: e.deps.executor,
		Request: stage.Request{
			BuildID:  b.ID,
			Title:    b.Title,
			Stage:    step.Stage,
			Config:   cfg,
			Prior:    prior,
			Feedback: feedback,
		},
		MaxAttempts: e.deps.maxAttempts,
		Timeout:     step.Timeout(e.deps.stageTimeout),
		BackoffBase: e.deps.backoffBase,
		BackoffMax:  e.deps.backoffMax,
		Sleep:       e.deps.sleep,
	}

	e.gen++
	gen := e.gen
	execCtx, cancel := context.WithCancel(services.WithStage(e.ctx, string(step.Stage)))
	e.execCancel = cancel
	e.setExecuting(true)
	e.setLastError("")

	e.logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_started"),
		logging.String(logging.FieldStage, string(step.Stage)),
		logging.Bool("regeneration", !feedback.Empty()),
		logging.Duration("timeout", opts.Timeout),
	)
	e.publish(notifications.Event{Type: notifications.EventStageStarted, Stage: string(step.Stage)})

	go func() {
		started := time.Now()
		res, err := stageexec.Run(execCtx, opts)
		select {
		case e.results <- execResult{gen: gen, stage: step.Stage, result: res, err: err, elapsed: time.Since(started)}:
		case <-e.done:
		}
	}()
	return nil
}

func (e *Engine) handleResult(res execResult) {
	if res.gen != e.gen || !e.executing {
		e.logger.Debug("discarding stale stage result",
			logging.String(logging.FieldStage, string(res.stage)),
			logging.Uint64("generation", res.gen),
		)
		return
	}
	if e.execCancel != nil {
		e.execCancel()
		e.execCancel = nil
	}
	pause := e.pausePending
	e.setExecuting(false)
	e.deps.metrics.StageRun(e.ctx, string(res.stage), res.err, res.elapsed)

	if res.err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.failBuild(res.stage, res.err)
		return
	}
	if err := e.completeStage(res, pause); err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.failBuild(res.stage, err)
	}
}

// completeStage persists the payload and applies the stage policy: open a
// checkpoint, complete the build, or continue with the next stage.
func (e *Engine) completeStage(res execResult, pause bool) error {
	b := e.build
	step, _ := b.Pipeline.Step(res.stage)

	item, err := e.deps.content.Put(e.ctx, content.PutRequest{
		BuildID:    b.ID,
		Lineage:    string(res.stage),
		Stage:      string(res.stage),
		Title:      b.Title,
		Payload:    res.result.Payload,
		Provenance: content.ProvenanceGenerated,
		Author:     contentAuthor,
	})
	if err != nil {
		return err
	}
	e.logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_completed"),
		logging.String(logging.FieldStage, string(res.stage)),
		logging.String(logging.FieldContentID, item.ID),
		logging.Int("version", item.Version),
		logging.Int("attempts", res.result.Attempts),
	)
	e.publish(notifications.Event{
		Type:      notifications.EventContentCreated,
		Stage:     item.Stage,
		ContentID: item.ID,
		Message:   fmt.Sprintf("%s v%d", item.Lineage, item.Version),
	})
	e.publish(notifications.Event{
		Type:      notifications.EventStageCompleted,
		Stage:     string(res.stage),
		ContentID: item.ID,
	})

	if step.RequiresApproval {
		cp, err := e.deps.checkpoints.Open(e.ctx, checkpoint.OpenRequest{
			BuildID:   b.ID,
			Stage:     string(res.stage),
			ContentID: item.ID,
			Snapshot:  e.snapshot(item),
			Required:  true,
		})
		if err != nil {
			return err
		}
		next := builds.StatusAwaitingApproval
		if pause {
			next = builds.StatusPaused
		}
		if err := e.commit(func(nb *builds.Build) error {
			if err := nb.Transition(next); err != nil {
				return err
			}
			nb.Attempts = res.result.Attempts
			if pause {
				nb.PausedFrom = builds.StatusAwaitingApproval
			}
			return nil
		}); err != nil {
			e.abandonCheckpoint(cp, err)
			return err
		}
		e.publish(notifications.Event{
			Type:         notifications.EventCheckpointOpened,
			Stage:        cp.Stage,
			CheckpointID: cp.ID,
			ContentID:    cp.ContentID,
		})
		if pause {
			e.logPausedAfterStage()
		}
		return nil
	}

	if b.Pipeline.Terminal(res.stage) {
		return e.completeBuild()
	}
	nextStage, _ := b.Pipeline.Next(res.stage)
	if err := e.commit(func(nb *builds.Build) error {
		nb.CurrentStage = nextStage
		nb.Attempts = 0
		if pause {
			if err := nb.Transition(builds.StatusPaused); err != nil {
				return err
			}
			nb.PausedFrom = builds.StatusRunning
		}
		return nil
	}); err != nil {
		return err
	}
	if pause {
		e.logPausedAfterStage()
		return nil
	}
	return e.beginStage(nil)
}

// abandonCheckpoint supersedes a checkpoint opened for a result whose status
// change could not be recorded, so the failed build leaves nothing pending.
func (e *Engine) abandonCheckpoint(cp *checkpoint.Checkpoint, cause error) {
	superseded, err := e.deps.checkpoints.Supersede(e.ctx, e.id, "stage result not recorded")
	if err != nil {
		logging.ErrorWithContext(e.logger, "supersede orphaned checkpoint", "checkpoint_supersede_failed",
			logging.String(logging.FieldCheckpointID, cp.ID),
			logging.String(logging.FieldErrorHint, "resolve the checkpoint manually or cancel the build"),
			logging.Error(err),
		)
		return
	}
	if superseded == nil {
		return
	}
	e.logger.Warn("checkpoint superseded after status update failed",
		logging.String(logging.FieldEventType, "checkpoint_superseded"),
		logging.String(logging.FieldCheckpointID, superseded.ID),
		logging.String(logging.FieldImpact, "stage content is kept but not awaiting review"),
		logging.String(logging.FieldErrorHint, "inspect the build failure reason"),
		logging.Error(cause),
	)
	e.publish(notifications.Event{
		Type:         notifications.EventCheckpointResolved,
		CheckpointID: superseded.ID,
		Stage:        superseded.Stage,
		Message:      string(superseded.Outcome),
	})
}

func (e *Engine) logPausedAfterStage() {
	e.logger.Info("build paused",
		logging.String(logging.FieldEventType, "build_paused"),
		logging.String("paused_from", string(e.build.PausedFrom)),
	)
}

func (e *Engine) completeBuild() error {
	if err := e.commit(transition(builds.StatusCompleted)); err != nil {
		e.deps.metrics.Operation(e.ctx, "complete", err)
		return err
	}
	e.deps.metrics.Operation(e.ctx, "complete", nil)
	e.logger.Info("build completed",
		logging.String(logging.FieldEventType, "build_completed"),
		logging.String(logging.FieldStage, string(e.build.CurrentStage)),
	)
	e.publish(notifications.Event{Type: notifications.EventBuildCompleted})
	return nil
}

// failBuild records the last failure on the build. Content persisted by
// earlier stages is left untouched.
func (e *Engine) failBuild(failedStage pipeline.Stage, err error) {
	reason := strings.TrimSpace(err.Error())
	attempts := 1
	var failure *stageexec.Failure
	if errors.As(err, &failure) {
		reason = failure.Reason()
		attempts = failure.Attempts
	}
	e.setLastError(reason)
	e.deps.metrics.Operation(e.ctx, "fail", err)

	commitErr := e.commit(func(nb *builds.Build) error {
		if err := nb.Transition(builds.StatusFailed); err != nil {
			return err
		}
		nb.SetFailed(reason, attempts)
		return nil
	})
	logging.ErrorWithContext(e.logger, "stage failed; build marked failed", "build_failed",
		logging.String(logging.FieldStage, string(failedStage)),
		logging.Int("attempts", attempts),
		logging.String(logging.FieldErrorHint, "inspect the failure reason with 'coursebuild build show'"),
		logging.Error(err),
	)
	if commitErr != nil {
		logging.ErrorWithContext(e.logger, "persist failed build status", "build_update_failed",
			logging.String(logging.FieldErrorHint, "check database access"),
			logging.Error(commitErr),
		)
		return
	}
	e.publish(notifications.Event{
		Type:    notifications.EventBuildFailed,
		Stage:   string(failedStage),
		Message: reason,
	})
}
