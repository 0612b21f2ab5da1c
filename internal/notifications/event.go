package notifications

import "time"

// EventType names a build event.
type EventType string

const (
	EventBuildCreated       EventType = "build_created"
	EventStatusChanged      EventType = "status_changed"
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventContentCreated     EventType = "content_created"
	EventCheckpointOpened   EventType = "checkpoint_opened"
	EventCheckpointResolved EventType = "checkpoint_resolved"
	EventBuildFailed        EventType = "build_failed"
	EventBuildCompleted     EventType = "build_completed"
	EventBuildCancelled     EventType = "build_cancelled"
	// EventTest is only sent by the test notification command.
	EventTest EventType = "test"
)

// Event is one state change of a build.
type Event struct {
	Sequence     uint64    `json:"seq"`
	ID           string    `json:"id"`
	BuildID      string    `json:"build_id"`
	Type         EventType `json:"type"`
	Title        string    `json:"title,omitempty"`
	Status       string    `json:"status,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	ContentID    string    `json:"content_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"ts"`
}
