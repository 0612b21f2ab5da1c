package stage

import (
	"context"
	"encoding/json"

	"coursebuild/internal/pipeline"
)

// Feedback is the reviewer input carried into a regeneration after a rejected
// checkpoint.
type Feedback struct {
	Comments string          `json:"comments,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
	// Rejected is the payload of the version the reviewer rejected.
	Rejected json.RawMessage `json:"rejected,omitempty"`
	Reviewer string          `json:"reviewer,omitempty"`
}

// Empty reports whether no feedback was supplied.
func (f *Feedback) Empty() bool {
	return f == nil || (f.Comments == "" && len(f.Details) == 0)
}

// Request is the input for one stage invocation.
type Request struct {
	BuildID string
	Title   string
	Stage   pipeline.Stage
	Config  map[string]string
	// Prior holds the latest content of every earlier stage, keyed by stage.
	Prior    map[pipeline.Stage]json.RawMessage
	Feedback *Feedback
	Attempt  int
}

// Executor produces the content payload for a stage. Implementations must be
// safe to call again for the same stage after a failure and must not assume
// exclusive access to any store.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
	HealthCheck(ctx context.Context) Health
}

// Func adapts a function into an Executor that always reports healthy.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// HealthCheck reports ready.
func (f Func) HealthCheck(context.Context) Health {
	return Healthy("func")
}
