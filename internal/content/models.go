package content

import (
	"context"
	"encoding/json"
	"time"
)

// Provenance records who produced a version.
type Provenance string

const (
	ProvenanceGenerated   Provenance = "generated"
	ProvenanceHumanEdited Provenance = "human_edited"
)

// Valid reports whether p is a known provenance.
func (p Provenance) Valid() bool {
	return p == ProvenanceGenerated || p == ProvenanceHumanEdited
}

// Item is one immutable version of a content lineage.
type Item struct {
	ID         string          `json:"id"`
	BuildID    string          `json:"build_id"`
	Lineage    string          `json:"lineage"`
	Stage      string          `json:"stage"`
	Version    int             `json:"version"`
	ParentID   string          `json:"parent_id,omitempty"`
	Title      string          `json:"title,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Provenance Provenance      `json:"provenance"`
	Author     string          `json:"author,omitempty"`
	Approved   bool            `json:"approved"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PutRequest describes a new version to append.
type PutRequest struct {
	BuildID    string
	Lineage    string
	Stage      string
	Title      string
	Payload    json.RawMessage
	Provenance Provenance
	Author     string
}

// Repository is the persistence boundary for content versions.
type Repository interface {
	// AppendContent assigns the next version for (item.BuildID, item.Lineage),
	// sets ParentID to the previous latest version, and inserts item atomically.
	// A concurrent append that wins the same version yields services.ErrConflict.
	AppendContent(ctx context.Context, item *Item) error
	GetContent(ctx context.Context, id string) (*Item, error)
	LatestContent(ctx context.Context, buildID, lineage string) (*Item, error)
	ListLatestContent(ctx context.Context, buildID string) ([]*Item, error)
	ContentHistory(ctx context.Context, buildID, lineage string) ([]*Item, error)
	MarkContentApproved(ctx context.Context, id string) error
}
