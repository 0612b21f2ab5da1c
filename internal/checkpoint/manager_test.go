package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"coursebuild/internal/checkpoint"
	"coursebuild/internal/logging"
	"coursebuild/internal/services"
	"coursebuild/internal/testsupport"
)

func newManager(t *testing.T) (*checkpoint.Manager, string) {
	t.Helper()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	build := testsupport.NewBuild(t, st, "Checkpoints")
	return checkpoint.NewManager(st, logging.NewNop()), build.ID
}

func TestOpenRejectsSecondUnresolved(t *testing.T) {
	mgr, buildID := newManager(t)
	ctx := context.Background()

	first, err := mgr.Open(ctx, checkpoint.OpenRequest{BuildID: buildID, Stage: "outline", Required: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Resolved {
		t.Fatal("new checkpoint should be unresolved")
	}
	if _, err := mgr.Open(ctx, checkpoint.OpenRequest{BuildID: buildID, Stage: "review", Required: true}); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	pending, err := mgr.Pending(ctx, buildID)
	if err != nil || pending == nil || pending.ID != first.ID {
		t.Fatalf("unexpected pending %+v (%v)", pending, err)
	}
}

func TestValidateDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision checkpoint.Decision
		wantErr  bool
	}{
		{"approve", checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "alice"}, false},
		{"reject with feedback", checkpoint.Decision{Outcome: checkpoint.OutcomeRejected, Approver: "alice", Feedback: json.RawMessage(`{"tone":"less formal"}`)}, false},
		{"missing approver", checkpoint.Decision{Outcome: checkpoint.OutcomeApproved}, true},
		{"superseded is system only", checkpoint.Decision{Outcome: checkpoint.OutcomeSuperseded, Approver: "alice"}, true},
		{"unknown outcome", checkpoint.Decision{Outcome: "maybe", Approver: "alice"}, true},
		{"invalid feedback", checkpoint.Decision{Outcome: checkpoint.OutcomeRejected, Approver: "alice", Feedback: json.RawMessage(`{`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkpoint.ValidateDecision(tt.decision)
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestResolveRecordsDecisionAndHistory(t *testing.T) {
	mgr, buildID := newManager(t)
	ctx := context.Background()

	cp, _ := mgr.Open(ctx, checkpoint.OpenRequest{BuildID: buildID, Stage: "outline", Required: true})
	resolved, err := mgr.Resolve(ctx, cp.ID, checkpoint.Decision{
		Outcome:  checkpoint.OutcomeRejected,
		Approver: "alice",
		Comments: "too long",
		Feedback: json.RawMessage(`{"modules":"merge 3 and 4"}`),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || resolved.Outcome != checkpoint.OutcomeRejected {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	if _, err := mgr.Resolve(ctx, cp.ID, checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "bob"}); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict on re-resolve, got %v", err)
	}
	if _, err := mgr.Resolve(ctx, "missing", checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "bob"}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	history, err := mgr.History(ctx, buildID)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history entry, got %d (%v)", len(history), err)
	}
	if string(history[0].Feedback) != `{"modules":"merge 3 and 4"}` || history[0].Comments != "too long" {
		t.Fatalf("decision details not persisted: %+v", history[0])
	}
	if pending, _ := mgr.Pending(ctx, buildID); pending != nil {
		t.Fatalf("expected no pending checkpoint, got %+v", pending)
	}
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	mgr, buildID := newManager(t)
	ctx := context.Background()
	cp, _ := mgr.Open(ctx, checkpoint.OpenRequest{BuildID: buildID, Stage: "review", Required: true})

	const resolvers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Resolve(ctx, cp.ID, checkpoint.Decision{Outcome: checkpoint.OutcomeApproved, Approver: "alice"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, services.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != resolvers-1 {
		t.Fatalf("expected 1 winner, got %d winners and %d conflicts", winners, conflicts)
	}
}

func TestSupersede(t *testing.T) {
	mgr, buildID := newManager(t)
	ctx := context.Background()

	if cp, err := mgr.Supersede(ctx, buildID, "cancelled"); err != nil || cp != nil {
		t.Fatalf("expected no-op without open checkpoint, got %+v (%v)", cp, err)
	}

	open, _ := mgr.Open(ctx, checkpoint.OpenRequest{BuildID: buildID, Stage: "final_assembly", Required: true})
	cp, err := mgr.Supersede(ctx, buildID, "build cancelled")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if cp.ID != open.ID || cp.Outcome != checkpoint.OutcomeSuperseded || cp.ResolvedBy != checkpoint.SystemResolver {
		t.Fatalf("unexpected superseded checkpoint: %+v", cp)
	}
}

func TestParseOutcome(t *testing.T) {
	if o, ok := checkpoint.ParseOutcome("Approve"); !ok || o != checkpoint.OutcomeApproved {
		t.Fatalf("approve parsed as %q %v", o, ok)
	}
	if _, ok := checkpoint.ParseOutcome("superseded"); ok {
		t.Fatal("superseded must not be accepted from users")
	}
}
