package daemonctl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"coursebuild/internal/testsupport"
)

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewBuild(t, st, "Offline One")
	testsupport.NewBuild(t, st, "Offline Two")

	snap, err := BuildStatusSnapshot(context.Background(), filepath.Join(cfg.Paths.StateDir, "absent.sock"), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if snap.Reachable || snap.Daemon.Running {
		t.Fatalf("expected offline snapshot, got %+v", snap.Daemon)
	}
	if snap.Daemon.BuildCounts["created"] != 2 {
		t.Fatalf("offline counts = %v", snap.Daemon.BuildCounts)
	}
	if len(snap.Preflight) == 0 {
		t.Fatal("expected preflight results")
	}
}

func TestStopWhenNotRunning(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "none.sock")
	if _, err := Stop(socket, 100*time.Millisecond); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	if err := WaitForShutdown(socket, 100*time.Millisecond); err != nil {
		t.Fatalf("WaitForShutdown on absent socket: %v", err)
	}
}
