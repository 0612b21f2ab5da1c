package testsupport

import (
	"context"
	"encoding/json"
	"sync"

	"coursebuild/internal/pipeline"
	"coursebuild/internal/stage"
)

// ScriptStep is one scripted outcome of a stage call.
type ScriptStep struct {
	Payload json.RawMessage
	Err     error
	// Block delays the call until it is closed.
	Block <-chan struct{}
	// IgnoreCancel keeps a blocked call waiting after its context ends, the
	// way an external capability may finish after the caller gave up.
	IgnoreCancel bool
}

// ScriptedExecutor is a stage executor whose per-stage results can be scripted.
// Calls without a scripted step fall back to the builtin executor.
type ScriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[pipeline.Stage][]ScriptStep
	requests map[pipeline.Stage][]stage.Request
	fallback stage.Executor
	started  chan stage.Request
}

// NewScriptedExecutor constructs an executor with no scripted steps.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		scripts:  make(map[pipeline.Stage][]ScriptStep),
		requests: make(map[pipeline.Stage][]stage.Request),
		fallback: stage.NewBuiltin(),
		started:  make(chan stage.Request, 64),
	}
}

// Script queues steps for stage; each call consumes one.
func (s *ScriptedExecutor) Script(st pipeline.Stage, steps ...ScriptStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[st] = append(s.scripts[st], steps...)
}

// FailTimes queues n failures with err for stage.
func (s *ScriptedExecutor) FailTimes(st pipeline.Stage, n int, err error) {
	steps := make([]ScriptStep, n)
	for i := range steps {
		steps[i] = ScriptStep{Err: err}
	}
	s.Script(st, steps...)
}

// Calls reports how many times stage was executed.
func (s *ScriptedExecutor) Calls(st pipeline.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[st])
}

// Requests returns the requests received for stage, in call order.
func (s *ScriptedExecutor) Requests(st pipeline.Stage) []stage.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stage.Request(nil), s.requests[st]...)
}

// Started receives every request as its call begins.
func (s *ScriptedExecutor) Started() <-chan stage.Request {
	return s.started
}

// Execute implements stage.Executor.
func (s *ScriptedExecutor) Execute(ctx context.Context, req stage.Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.requests[req.Stage] = append(s.requests[req.Stage], req)
	var step *ScriptStep
	if queue := s.scripts[req.Stage]; len(queue) > 0 {
		next := queue[0]
		s.scripts[req.Stage] = queue[1:]
		step = &next
	}
	s.mu.Unlock()

	select {
	case s.started <- req:
	default:
	}

	if step == nil {
		return s.fallback.Execute(ctx, req)
	}
	if step.Block != nil {
		if step.IgnoreCancel {
			<-step.Block
		} else {
			select {
			case <-step.Block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if len(step.Payload) > 0 {
		return step.Payload, nil
	}
	return s.fallback.Execute(context.WithoutCancel(ctx), req)
}

// HealthCheck reports ready.
func (s *ScriptedExecutor) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("scripted")
}
