package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"coursebuild/internal/builds"
	"coursebuild/internal/config"
	"coursebuild/internal/pipeline"
	"coursebuild/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewBuild inserts a created build with the default pipeline directly into
// the store, bypassing the workflow engine.
func NewBuild(t testing.TB, st *store.Store, title string) *builds.Build {
	t.Helper()

	def := pipeline.Default()
	now := time.Now().UTC()
	build := &builds.Build{
		ID:           uuid.NewString(),
		Title:        title,
		Pipeline:     def,
		Status:       builds.StatusCreated,
		CurrentStage: def.First(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreateBuild(context.Background(), build); err != nil {
		t.Fatalf("store.CreateBuild: %v", err)
	}
	return build
}
