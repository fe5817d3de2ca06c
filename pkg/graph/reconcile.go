package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
)

// ActiveSetSource reads the authoritative set of active blueprint ids.
// The skill registry implements this; the graph index never does.
type ActiveSetSource interface {
	ActiveBlueprintIDs(ctx context.Context) (map[string]bool, error)
}

// Reconciler runs one-way reconciliation from the authoritative registry
// into the graph index: orphans and stale revisions get tombstoned, never
// the other way around.
type Reconciler struct {
	store  memory.GraphStore
	active ActiveSetSource
}

// Report summarizes one reconcile run.
type Report struct {
	Counters   Counters `json:"counters"`
	Tombstoned int      `json:"tombstoned"`
	FailClosed bool     `json:"fail_closed"`
}

func NewReconciler(store memory.GraphStore, active ActiveSetSource) *Reconciler {
	return &Reconciler{store: store, active: active}
}

// Reconcile lists all live graph rows, applies hygiene against the
// current active set, and tombstones every row hygiene rejected. When the
// active set cannot be read nothing is tombstoned: serving stale rows is
// the hygiene pass's problem, destroying the index on a transient
// registry failure would be ours.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	candidates, err := r.store.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph candidates: %w", err)
	}

	activeIDs, err := r.active.ActiveBlueprintIDs(ctx)
	if err != nil {
		slog.Error("Reconcile skipped, active set unreadable", "error", err)
		_, counters := ApplyHygiene(candidates, nil, nil)
		return &Report{Counters: counters, FailClosed: true}, nil
	}

	kept, counters := ApplyHygiene(candidates, activeIDs, nil)

	keptNodes := make(map[string]bool, len(kept))
	for _, c := range kept {
		keptNodes[c.NodeID] = true
	}

	report := &Report{Counters: counters}
	for _, c := range candidates {
		if c == nil || keptNodes[c.NodeID] {
			continue
		}
		reason := "orphaned"
		if activeIDs[c.BlueprintID] {
			reason = "superseded_revision"
		}
		if err := r.store.TombstoneNode(ctx, c.NodeID, reason); err != nil {
			slog.Warn("Failed to tombstone graph node", "node_id", c.NodeID, "error", err)
			continue
		}
		report.Tombstoned++
	}

	observability.GetBus().Emit(observability.KindGraph, "reconcile_finished", map[string]any{
		"in":         counters.In,
		"out":        counters.Out,
		"tombstoned": report.Tombstoned,
	})
	slog.Info("Graph reconcile finished",
		"in", counters.In, "out", counters.Out, "tombstoned", report.Tombstoned)
	return report, nil
}

// RemoveBlueprint tombstones every node of one deleted blueprint. Called
// asynchronously after a registry delete; failures log and leave the row
// for the next reconcile.
func (r *Reconciler) RemoveBlueprint(ctx context.Context, blueprintID string) error {
	candidates, err := r.store.ListCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list graph candidates: %w", err)
	}

	for _, c := range candidates {
		if c == nil || c.BlueprintID != blueprintID {
			continue
		}
		if err := r.store.TombstoneNode(ctx, c.NodeID, "blueprint_deleted"); err != nil {
			return fmt.Errorf("failed to tombstone node %s: %w", c.NodeID, err)
		}
	}
	return nil
}
