package builds

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"coursebuild/internal/pipeline"
)

// Status represents the lifecycle of a build.
type Status string

const (
	StatusCreated          Status = "created"
	StatusRunning          Status = "running"
	StatusPaused           Status = "paused"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

var allStatuses = []Status{
	StatusCreated,
	StatusRunning,
	StatusPaused,
	StatusAwaitingApproval,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	normalized = Status(strings.ReplaceAll(string(normalized), "-", "_"))
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// Build is one end-to-end unit of staged content production.
type Build struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Config        map[string]string   `json:"config,omitempty"`
	Pipeline      pipeline.Definition `json:"pipeline"`
	Status        Status              `json:"status"`
	CurrentStage  pipeline.Stage      `json:"current_stage"`
	PausedFrom    Status              `json:"paused_from,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Attempts      int                 `json:"attempts,omitempty"`
	Revision      int64               `json:"revision"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so snapshots handed to readers cannot alias engine state.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Config != nil {
		cp.Config = make(map[string]string, len(b.Config))
		for k, v := range b.Config {
			cp.Config[k] = v
		}
	}
	if b.Pipeline.Steps != nil {
		cp.Pipeline.Steps = append([]pipeline.Step(nil), b.Pipeline.Steps...)
	}
	return &cp
}

// CurrentStep returns the policy of the current stage.
func (b *Build) CurrentStep() (pipeline.Step, bool) {
	return b.Pipeline.Step(b.CurrentStage)
}

// SetFailed marks the build failed with reason and the number of attempts made.
func (b *Build) SetFailed(reason string, attempts int) {
	b.Status = StatusFailed
	b.FailureReason = strings.TrimSpace(reason)
	b.Attempts = attempts
	b.PausedFrom = ""
}

// Filter narrows List results.
type Filter struct {
	Statuses []Status
}

// Repository persists builds with optimistic concurrency on Revision.
type Repository interface {
	CreateBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	ListBuilds(ctx context.Context, filter Filter) ([]*Build, error)
	// UpdateBuild persists build when the stored revision equals build.Revision
	// and increments build.Revision on success.
	UpdateBuild(ctx context.Context, build *Build) error
}

// NormalizeTitle trims whitespace and title-cases titles written entirely in
// lower case. Titles with deliberate capitalization are preserved.
func NormalizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return ""
	}
	if title == strings.ToLower(title) {
		return cases.Title(language.Und).String(title)
	}
	return title
}
