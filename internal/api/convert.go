package api

import (
	"fmt"
	"net/http"

	"coursebuild/internal/checkpoint"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
	"coursebuild/internal/workflow"
)

// ToCreateRequest converts a validated body into a registry request. Stage
// names are normalized so "Final Assembly" and "final-assembly" both resolve.
func ToCreateRequest(req CreateBuildRequest) (workflow.CreateRequest, error) {
	out := workflow.CreateRequest{
		Title:      req.Title,
		Config:     req.Config,
		DeferStart: req.DeferStart,
	}
	if len(req.Stages) == 0 {
		if len(req.Approval) > 0 {
			return out, services.Wrap(services.ErrValidation, "api", "create build", "approval requires stages", nil)
		}
		return out, nil
	}

	stages := make([]pipeline.Stage, 0, len(req.Stages))
	known := make(map[pipeline.Stage]bool, len(req.Stages))
	for _, raw := range req.Stages {
		s, err := pipeline.ParseStage(raw)
		if err != nil {
			return out, services.Wrap(services.ErrValidation, "api", "create build", "invalid stage", err)
		}
		stages = append(stages, s)
		known[s] = true
	}
	approval := make(map[pipeline.Stage]bool, len(req.Approval))
	for _, raw := range req.Approval {
		s, err := pipeline.ParseStage(raw)
		if err != nil {
			return out, services.Wrap(services.ErrValidation, "api", "create build", "invalid approval stage", err)
		}
		if !known[s] {
			return out, services.Wrap(services.ErrValidation, "api", "create build", fmt.Sprintf("approval stage %s is not in stages", s), nil)
		}
		approval[s] = true
	}
	def := pipeline.FromStages(stages, approval)
	out.Pipeline = &def
	return out, nil
}

// ToDecision converts a validated resolve body into a checkpoint decision.
func ToDecision(req ResolveRequest) (checkpoint.Decision, error) {
	outcome, ok := checkpoint.ParseOutcome(req.Outcome)
	if !ok {
		return checkpoint.Decision{}, services.Wrap(services.ErrValidation, "api", "resolve", fmt.Sprintf("unknown outcome %q", req.Outcome), nil)
	}
	return checkpoint.Decision{
		Outcome:     outcome,
		Approver:    req.Approver,
		Comments:    req.Comments,
		Feedback:    req.Feedback,
		ChangesMade: req.ChangesMade,
	}, nil
}

// StatusCode maps an error onto its HTTP status.
func StatusCode(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
