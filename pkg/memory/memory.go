// Package memory is the boundary to everything the assistant remembers:
// durable facts, workspace entries and events, the graph index, and the
// CSV digest sources. The workspace store is owned here; facts and graph
// rows may live behind external collaborators, so they are defined as
// interfaces and consumed through them everywhere else.
package memory

import (
	"context"
	"time"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Fact is one long-term memory item.
type Fact struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FactStore persists and searches long-term facts.
type FactStore interface {
	Add(ctx context.Context, fact Fact) error
	Search(ctx context.Context, query string, topK int) ([]Fact, error)
	Close() error
}

// WorkspaceStore owns workspace entries and events. Entries with
// source "entry" are editable through the UI; "event" rows are read-only
// observations written by the orchestrator.
type WorkspaceStore interface {
	Append(ctx context.Context, entry *protocol.WorkspaceEntry) error
	List(ctx context.Context, conversationID string, limit int) ([]*protocol.WorkspaceEntry, error)
	Update(ctx context.Context, id string, content map[string]any) error
	Delete(ctx context.Context, id string) error
	ListEvents(ctx context.Context, limit int) ([]*protocol.WorkspaceEntry, error)
	Close() error
}

// GraphStore is the weak graph index over skills and blueprints. The
// authoritative skill registry never lives here; rows are derivative and
// may lag or dangle, which the hygiene pass compensates for.
type GraphStore interface {
	ListCandidates(ctx context.Context) ([]*protocol.GraphCandidate, error)
	UpsertNode(ctx context.Context, candidate *protocol.GraphCandidate) error
	RemoveNode(ctx context.Context, nodeID string) error
	TombstoneNode(ctx context.Context, nodeID string, reason string) error
}

// Embedder turns text into a vector via whichever embedding target the
// router resolved.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
