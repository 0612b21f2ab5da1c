package api_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursebuild/internal/api"
	"coursebuild/internal/builds"
	"coursebuild/internal/checkpoint"
	"coursebuild/internal/notifications"
)

func TestEventStreamReplaysLatestThenFollows(t *testing.T) {
	f := newFixture(t)
	var created builds.Build
	f.do(t, http.MethodPost, "/api/builds", api.CreateBuildRequest{
		Title:    "Streaming",
		Stages:   []string{"outline"},
		Approval: []string{"outline"},
	}, &created)
	summary := f.waitStatus(t, created.ID, builds.StatusAwaitingApproval)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if evt, ok := f.bus.Latest(created.ID); ok && evt.Type == notifications.EventCheckpointOpened {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint_opened was never published")
		}
		time.Sleep(10 * time.Millisecond)
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/builds/" + created.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first notifications.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if first.Type != notifications.EventCheckpointOpened || first.CheckpointID != summary.Pending.ID {
		t.Fatalf("replayed event = %+v", first)
	}

	if _, err := f.reg.Resolve(context.Background(), summary.Pending.ID, checkpoint.Decision{
		Outcome:  checkpoint.OutcomeApproved,
		Approver: "dana",
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	last := first.Sequence
	for {
		var evt notifications.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.BuildID != created.ID {
			t.Fatalf("foreign event %+v", evt)
		}
		if evt.Sequence <= last {
			t.Fatalf("sequence went from %d to %d", last, evt.Sequence)
		}
		last = evt.Sequence
		if evt.Type == notifications.EventBuildCompleted {
			return
		}
	}
}

func TestEventStreamUnknownBuild(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/builds/missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %+v", resp)
	}
}

func TestEventStreamAllBuilds(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first, second builds.Build
	f.do(t, http.MethodPost, "/api/builds", api.CreateBuildRequest{Title: "First", DeferStart: true}, &first)
	f.do(t, http.MethodPost, "/api/builds", api.CreateBuildRequest{Title: "Second", DeferStart: true}, &second)

	seen := make(map[string]bool)
	for len(seen) < 2 {
		var evt notifications.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Type == notifications.EventBuildCreated {
			seen[evt.BuildID] = true
		}
	}
	if !seen[first.ID] || !seen[second.ID] {
		t.Fatalf("expected build_created for both builds, saw %v", seen)
	}
}
