package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/content"
	"coursebuild/internal/logging"
	"coursebuild/internal/notifications"
	"coursebuild/internal/services"
	"coursebuild/internal/stage"
)

// Start moves a created build to running and begins its first stage.
func (e *Engine) Start(ctx context.Context) error {
	return e.submit(ctx, "start", func() error {
		if e.build.Status != builds.StatusCreated {
			return services.Wrap(services.ErrValidation, "workflow", "start",
				fmt.Sprintf("build %s is %s, not %s", e.id, e.build.Status, builds.StatusCreated), nil)
		}
		if err := e.commit(transition(builds.StatusRunning)); err != nil {
			return err
		}
		return e.beginStage(nil)
	})
}

// Advance executes the current stage. It requires a running build with no
// unresolved checkpoint. While the stage is already executing it does nothing.
func (e *Engine) Advance(ctx context.Context) error {
	return e.submit(ctx, "advance", e.advance)
}

func (e *Engine) advance() error {
	if e.executing {
		return nil
	}
	b := e.build
	if b.Status != builds.StatusRunning {
		return services.Wrap(services.ErrValidation, "workflow", "advance",
			fmt.Sprintf("build %s is %s, not %s", e.id, b.Status, builds.StatusRunning), nil)
	}
	pending, err := e.deps.checkpoints.Pending(e.ctx, e.id)
	if err != nil {
		return err
	}
	if pending != nil {
		return services.Wrap(services.ErrConflict, "workflow", "advance",
			fmt.Sprintf("checkpoint %s is unresolved", pending.ID), nil)
	}
	return e.beginStage(nil)
}

// Resolve applies decision to the build's open checkpoint. Approval moves
// to the next stage or completes the build; rejection regenerates the current
// stage with the reviewer's feedback.
func (e *Engine) Resolve(ctx context.Context, checkpointID string, decision checkpoint.Decision) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateDecision(decision); err != nil {
		return nil, err
	}
	op := "approve"
	if decision.Outcome == checkpoint.OutcomeRejected {
		op = "reject"
	}
	var resolved *checkpoint.Checkpoint
	err := e.submit(ctx, op, func() error {
		cp, err := e.deps.checkpoints.Get(e.ctx, checkpointID)
		if err != nil {
			return err
		}
		if cp.BuildID != e.id {
			return services.Wrap(services.ErrNotFound, "workflow", "resolve",
				fmt.Sprintf("checkpoint %s does not belong to build %s", cp.ID, e.id), nil)
		}
		if cp.Resolved {
			return services.Wrap(services.ErrConflict, "workflow", "resolve",
				fmt.Sprintf("checkpoint %s already resolved (%s)", cp.ID, cp.Outcome), nil)
		}
		b := e.build
		if b.Status.IsTerminal() {
			return e.terminalError("resolve")
		}
		if b.Status != builds.StatusAwaitingApproval {
			return services.Wrap(services.ErrValidation, "workflow", "resolve",
				fmt.Sprintf("build %s is %s, not %s", e.id, b.Status, builds.StatusAwaitingApproval), nil)
		}
		if cp.Stage != string(b.CurrentStage) {
			return services.Wrap(services.ErrValidation, "workflow", "resolve",
				fmt.Sprintf("checkpoint %s is for stage %s, build is at %s", cp.ID, cp.Stage, b.CurrentStage), nil)
		}

		out, err := e.deps.checkpoints.Resolve(e.ctx, cp.ID, decision)
		if err != nil {
			return err
		}
		resolved = out
		e.publish(notifications.Event{
			Type:         notifications.EventCheckpointResolved,
			CheckpointID: out.ID,
			ContentID:    out.ContentID,
			Stage:        out.Stage,
			Message:      string(out.Outcome),
		})

		if out.Outcome == checkpoint.OutcomeApproved {
			return e.approve(out, decision)
		}
		return e.reject(out, decision)
	})
	return resolved, err
}

func (e *Engine) approve(cp *checkpoint.Checkpoint, decision checkpoint.Decision) error {
	target := cp.ContentID
	if decision.ChangesMade {
		// The approver edited the content; the newest version is the one approved.
		if latest, err := e.deps.content.GetLatest(e.ctx, e.id, cp.Stage); err == nil {
			target = latest.ID
		}
	}
	if target != "" {
		if err := e.deps.content.MarkApproved(e.ctx, target); err != nil {
			return err
		}
	}

	b := e.build
	if b.Pipeline.Terminal(b.CurrentStage) {
		return e.completeBuild()
	}
	next, _ := b.Pipeline.Next(b.CurrentStage)
	if err := e.commit(func(nb *builds.Build) error {
		if err := nb.Transition(builds.StatusRunning); err != nil {
			return err
		}
		nb.CurrentStage = next
		nb.Attempts = 0
		return nil
	}); err != nil {
		return err
	}
	return e.beginStage(nil)
}

func (e *Engine) reject(cp *checkpoint.Checkpoint, decision checkpoint.Decision) error {
	feedback := &stage.Feedback{
		Comments: decision.Comments,
		Details:  decision.Feedback,
		Reviewer: decision.Approver,
	}
	if cp.ContentID != "" {
		if item, err := e.deps.content.Get(e.ctx, cp.ContentID); err == nil {
			feedback.Rejected = item.Payload
		}
	}
	if err := e.commit(func(nb *builds.Build) error {
		if err := nb.Transition(builds.StatusRunning); err != nil {
			return err
		}
		nb.Attempts = 0
		return nil
	}); err != nil {
		return err
	}
	e.logger.Info("regenerating stage with reviewer feedback",
		logging.String(logging.FieldEventType, "stage_regeneration"),
		logging.String(logging.FieldStage, string(e.build.CurrentStage)),
		logging.String(logging.FieldCheckpointID, cp.ID),
		logging.Bool("has_comments", decision.Comments != ""),
	)
	return e.beginStage(feedback)
}

// Pause freezes a running or awaiting-approval build. An open checkpoint is
// kept. During execution the pause takes effect once the stage result is
// recorded.
func (e *Engine) Pause(ctx context.Context) error {
	return e.submit(ctx, "pause", func() error {
		b := e.build
		if b.Status.IsTerminal() {
			return e.terminalError("pause")
		}
		if b.Status != builds.StatusRunning && b.Status != builds.StatusAwaitingApproval {
			return services.Wrap(services.ErrValidation, "workflow", "pause",
				fmt.Sprintf("build %s is %s and cannot be paused", e.id, b.Status), nil)
		}
		if e.executing {
			e.setPausePending(true)
			attrs := append([]logging.Attr{logging.String(logging.FieldEventType, "build_paused")},
				logging.DecisionAttrs("pause", "pending", "stage executing")...)
			e.logger.Info("pause requested during stage execution", logging.Args(attrs...)...)
			return nil
		}
		from := b.Status
		if err := e.commit(func(nb *builds.Build) error {
			if err := nb.Transition(builds.StatusPaused); err != nil {
				return err
			}
			nb.PausedFrom = from
			return nil
		}); err != nil {
			return err
		}
		e.logger.Info("build paused",
			logging.String(logging.FieldEventType, "build_paused"),
			logging.String("paused_from", string(from)),
		)
		return nil
	})
}

// Resume restores the status held before the pause and continues execution
// when that status was running. A pause still pending is withdrawn.
func (e *Engine) Resume(ctx context.Context) error {
	return e.submit(ctx, "resume", func() error {
		if e.executing && e.pausePending {
			e.setPausePending(false)
			e.logger.Info("pending pause withdrawn",
				logging.String(logging.FieldEventType, "build_resumed"),
			)
			return nil
		}
		b := e.build
		if b.Status.IsTerminal() {
			return e.terminalError("resume")
		}
		if b.Status != builds.StatusPaused {
			return services.Wrap(services.ErrValidation, "workflow", "resume",
				fmt.Sprintf("build %s is %s, not %s", e.id, b.Status, builds.StatusPaused), nil)
		}
		to := b.PausedFrom
		if to == "" {
			to = builds.StatusRunning
		}
		if err := e.commit(func(nb *builds.Build) error {
			if err := nb.Transition(to); err != nil {
				return err
			}
			nb.PausedFrom = ""
			return nil
		}); err != nil {
			return err
		}
		e.logger.Info("build resumed",
			logging.String(logging.FieldEventType, "build_resumed"),
			logging.String("status", string(to)),
		)
		if to == builds.StatusRunning {
			return e.advance()
		}
		return nil
	})
}

// Cancel ends the build. An outstanding executor call is abandoned and its
// result discarded; an open checkpoint is superseded.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.submit(ctx, "cancel", func() error {
		if e.build.Status.IsTerminal() {
			return e.terminalError("cancel")
		}
		if e.executing {
			e.execCancel()
			e.execCancel = nil
			e.gen++
			e.setExecuting(false)
		}
		superseded, err := e.deps.checkpoints.Supersede(e.ctx, e.id, "build cancelled")
		if err != nil {
			return err
		}
		if superseded != nil {
			e.publish(notifications.Event{
				Type:         notifications.EventCheckpointResolved,
				CheckpointID: superseded.ID,
				Stage:        superseded.Stage,
				Message:      string(superseded.Outcome),
			})
		}
		if err := e.commit(func(nb *builds.Build) error {
			if err := nb.Transition(builds.StatusCancelled); err != nil {
				return err
			}
			nb.PausedFrom = ""
			return nil
		}); err != nil {
			return err
		}
		e.logger.Info("build cancelled",
			logging.String(logging.FieldEventType, "build_cancelled"),
			logging.String(logging.FieldStage, string(e.build.CurrentStage)),
		)
		e.publish(notifications.Event{Type: notifications.EventBuildCancelled})
		return nil
	})
}

// EditContent appends a human-edited version of lineage.
func (e *Engine) EditContent(ctx context.Context, lineage string, payload json.RawMessage, editor string) (*content.Item, error) {
	var item *content.Item
	err := e.submit(ctx, "edit", func() error {
		if e.build.Status.IsTerminal() {
			return e.terminalError("edit")
		}
		edited, err := e.deps.content.Edit(e.ctx, e.id, lineage, payload, editor)
		if err != nil {
			return err
		}
		item = edited
		e.logger.Info("content edited",
			logging.String(logging.FieldEventType, "content_edited"),
			logging.String(logging.FieldContentID, edited.ID),
			logging.String("lineage", edited.Lineage),
			logging.Int("version", edited.Version),
			logging.String("editor", edited.Author),
		)
		e.publish(notifications.Event{
			Type:      notifications.EventContentCreated,
			ContentID: edited.ID,
			Stage:     edited.Stage,
			Message:   fmt.Sprintf("%s v%d edited", edited.Lineage, edited.Version),
		})
		return nil
	})
	return item, err
}

// recoverRun restarts execution of a build left running by a previous
// process. A checkpoint opened before the restart puts the build back to
// awaiting approval instead.
func (e *Engine) recoverRun(ctx context.Context) error {
	return e.submit(ctx, "recover", func() error {
		if e.build.Status != builds.StatusRunning || e.executing {
			return nil
		}
		pending, err := e.deps.checkpoints.Pending(e.ctx, e.id)
		if err != nil {
			return err
		}
		if pending != nil {
			return e.commit(transition(builds.StatusAwaitingApproval))
		}
		return e.beginStage(nil)
	})
}
