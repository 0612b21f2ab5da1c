package builds_test

import (
	"errors"
	"testing"

	"coursebuild/internal/builds"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/services"
)

func TestParseStatus(t *testing.T) {
	status, ok := builds.ParseStatus(" Awaiting-Approval ")
	if !ok || status != builds.StatusAwaitingApproval {
		t.Fatalf("unexpected parse result %q ok=%v", status, ok)
	}
	if _, ok := builds.ParseStatus("archived"); ok {
		t.Fatal("expected unknown status to fail")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range builds.AllStatuses() {
		want := status == builds.StatusCompleted || status == builds.StatusFailed || status == builds.StatusCancelled
		if status.IsTerminal() != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", status, status.IsTerminal(), want)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to builds.Status
		ok       bool
	}{
		{builds.StatusCreated, builds.StatusRunning, true},
		{builds.StatusCreated, builds.StatusAwaitingApproval, false},
		{builds.StatusRunning, builds.StatusAwaitingApproval, true},
		{builds.StatusAwaitingApproval, builds.StatusRunning, true},
		{builds.StatusAwaitingApproval, builds.StatusPaused, true},
		{builds.StatusPaused, builds.StatusAwaitingApproval, true},
		{builds.StatusPaused, builds.StatusCompleted, false},
		{builds.StatusCreated, builds.StatusCancelled, true},
		{builds.StatusCompleted, builds.StatusRunning, false},
		{builds.StatusCancelled, builds.StatusRunning, false},
	}
	for _, tt := range tests {
		if got := builds.CanTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionRejectsTerminalBuild(t *testing.T) {
	b := &builds.Build{ID: "b1", Status: builds.StatusCompleted}
	err := b.Transition(builds.StatusRunning)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if b.Status != builds.StatusCompleted {
		t.Fatalf("status changed on rejected transition: %s", b.Status)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	b := &builds.Build{
		ID:       "b1",
		Config:   map[string]string{"level": "beginner"},
		Pipeline: pipeline.Default(),
	}
	cp := b.Clone()
	cp.Config["level"] = "advanced"
	cp.Pipeline.Steps[0].RequiresApproval = false
	if b.Config["level"] != "beginner" {
		t.Fatal("config map aliased")
	}
	if !b.Pipeline.Steps[0].RequiresApproval {
		t.Fatal("pipeline steps aliased")
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := map[string]string{
		"  intro to   go ": "Intro To Go",
		"Go for SREs":      "Go for SREs",
		"":                 "",
	}
	for input, want := range tests {
		if got := builds.NormalizeTitle(input); got != want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", input, got, want)
		}
	}
}
