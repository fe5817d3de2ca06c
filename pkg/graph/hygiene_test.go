package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

func candidate(blueprintID, nodeID string, updatedAt time.Time) *protocol.GraphCandidate {
	return &protocol.GraphCandidate{
		BlueprintID: blueprintID,
		NodeID:      nodeID,
		UpdatedAt:   updatedAt,
		Content:     "skill " + blueprintID,
	}
}

func TestApplyHygiene_DedupeLatestRevision(t *testing.T) {
	base := time.Now().UTC()
	candidates := []*protocol.GraphCandidate{
		candidate("bp-1", "n1", base),
		candidate("bp-1", "n2", base.Add(time.Hour)),
		candidate("bp-2", "n3", base),
		candidate("bp-2", "n4", base), // same timestamp, higher node id wins
	}
	active := map[string]bool{"bp-1": true, "bp-2": true}

	out, counters := ApplyHygiene(candidates, active, nil)
	require.Len(t, out, 2)
	assert.Equal(t, "n2", out[0].NodeID)
	assert.Equal(t, "n4", out[1].NodeID)

	assert.Equal(t, 4, counters.In)
	assert.Equal(t, 4, counters.ParsedOK)
	assert.Equal(t, 2, counters.Deduped)
	assert.Equal(t, 2, counters.Out)
}

func TestApplyHygiene_DropsMalformed(t *testing.T) {
	base := time.Now().UTC()
	candidates := []*protocol.GraphCandidate{
		nil,
		{NodeID: "n1"},
		{BlueprintID: "bp-1"},
		candidate("bp-1", "n2", base),
	}

	out, counters := ApplyHygiene(candidates, map[string]bool{"bp-1": true}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 4, counters.In)
	assert.Equal(t, 1, counters.ParsedOK)
	assert.Equal(t, 1, counters.Out)
}

func TestApplyHygiene_ActiveSetFilter(t *testing.T) {
	base := time.Now().UTC()
	candidates := []*protocol.GraphCandidate{
		candidate("bp-1", "n1", base),
		candidate("bp-2", "n2", base),
		candidate("bp-3", "n3", base),
	}

	out, counters := ApplyHygiene(candidates, map[string]bool{"bp-2": true}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "bp-2", out[0].BlueprintID)
	assert.Equal(t, 2, counters.Filtered)
	assert.Equal(t, 1, counters.ActiveKept)
}

func TestApplyHygiene_FailClosedOnNilActiveSet(t *testing.T) {
	base := time.Now().UTC()
	var candidates []*protocol.GraphCandidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, candidate(fmt.Sprintf("bp-%d", i), fmt.Sprintf("n%d", i), base))
	}

	out, counters := ApplyHygiene(candidates, nil, nil)
	assert.Empty(t, out)
	assert.Equal(t, 10, counters.Filtered)
	assert.Equal(t, 0, counters.Out)
}

func TestApplyHygiene_ExtraFilter(t *testing.T) {
	base := time.Now().UTC()
	candidates := []*protocol.GraphCandidate{
		candidate("bp-1", "n1", base.Add(-48*time.Hour)),
		candidate("bp-2", "n2", base),
	}
	active := map[string]bool{"bp-1": true, "bp-2": true}

	out, counters := ApplyHygiene(candidates, active, StaleBefore(base.Add(-time.Hour)))
	require.Len(t, out, 1)
	assert.Equal(t, "bp-2", out[0].BlueprintID)
	assert.Equal(t, 1, counters.Filtered)
}

func TestApplyHygiene_OutNeverExceedsIn(t *testing.T) {
	base := time.Now().UTC()
	candidates := []*protocol.GraphCandidate{
		candidate("bp-1", "n1", base),
		candidate("bp-1", "n2", base.Add(time.Minute)),
	}

	out, counters := ApplyHygiene(candidates, map[string]bool{"bp-1": true}, nil)
	assert.LessOrEqual(t, len(out), counters.In)
	seen := make(map[string]int)
	for _, c := range out {
		seen[c.BlueprintID]++
	}
	for bp, n := range seen {
		assert.Equal(t, 1, n, "blueprint %s appears more than once", bp)
	}
}

type fakeActiveSet struct {
	ids map[string]bool
	err error
}

func (f *fakeActiveSet) ActiveBlueprintIDs(ctx context.Context) (map[string]bool, error) {
	return f.ids, f.err
}

func testGraphStore(t *testing.T) *memory.SQLGraphStore {
	t.Helper()
	store, err := memory.NewSQLGraphStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReconciler_TombstonesOrphans(t *testing.T) {
	ctx := context.Background()
	store := testGraphStore(t)
	base := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, candidate("bp-live", "n1", base)))
	require.NoError(t, store.UpsertNode(ctx, candidate("bp-deleted", "n2", base)))
	require.NoError(t, store.UpsertNode(ctx, candidate("bp-live", "n3", base.Add(time.Hour))))

	r := NewReconciler(store, &fakeActiveSet{ids: map[string]bool{"bp-live": true}})
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)

	// orphan n2 and superseded revision n1
	assert.Equal(t, 2, report.Tombstoned)
	assert.False(t, report.FailClosed)

	remaining, err := store.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "n3", remaining[0].NodeID)
}

func TestReconciler_ActiveSetFailureTombstonesNothing(t *testing.T) {
	ctx := context.Background()
	store := testGraphStore(t)

	require.NoError(t, store.UpsertNode(ctx, candidate("bp-1", "n1", time.Now().UTC())))

	r := NewReconciler(store, &fakeActiveSet{err: fmt.Errorf("registry unreadable")})
	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.FailClosed)
	assert.Equal(t, 0, report.Tombstoned)

	remaining, err := store.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestReconciler_RemoveBlueprint(t *testing.T) {
	ctx := context.Background()
	store := testGraphStore(t)
	base := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, candidate("bp-1", "n1", base)))
	require.NoError(t, store.UpsertNode(ctx, candidate("bp-1", "n2", base.Add(time.Minute))))
	require.NoError(t, store.UpsertNode(ctx, candidate("bp-2", "n3", base)))

	r := NewReconciler(store, &fakeActiveSet{ids: map[string]bool{"bp-1": true, "bp-2": true}})
	require.NoError(t, r.RemoveBlueprint(ctx, "bp-1"))

	remaining, err := store.ListCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bp-2", remaining[0].BlueprintID)
}

func TestSQLGraphStore_UpsertClearsTombstone(t *testing.T) {
	ctx := context.Background()
	store := testGraphStore(t)
	base := time.Now().UTC()

	require.NoError(t, store.UpsertNode(ctx, candidate("bp-1", "n1", base)))
	require.NoError(t, store.TombstoneNode(ctx, "n1", "blueprint_deleted"))

	remaining, err := store.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.NoError(t, store.UpsertNode(ctx, candidate("bp-1", "n1", base.Add(time.Hour))))
	remaining, err = store.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
