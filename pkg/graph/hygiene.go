// Package graph reconciles the derivative graph index with the
// authoritative skill registry. The registry is truth; rows here may lag
// or dangle, and the hygiene pass compensates before anything reaches a
// prompt.
package graph

import (
	"log/slog"
	"sort"
	"time"

	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Counters accounts for every candidate through the hygiene stages.
type Counters struct {
	In         int `json:"in"`
	ParsedOK   int `json:"parsed_ok"`
	Deduped    int `json:"deduped"`
	ActiveKept int `json:"active_kept"`
	Filtered   int `json:"filtered"`
	Out        int `json:"out"`
}

// ExtraFilter is an optional final predicate, e.g. a trust-level gate.
// Returning false drops the candidate.
type ExtraFilter func(*protocol.GraphCandidate) bool

// ApplyHygiene runs the full candidate pipeline: nil-safe parse, latest
// revision per blueprint, active-set cross-check, optional extra filter.
// A nil activeIDs means the authoritative active set could not be read;
// everything is dropped rather than serving potentially deleted skills.
// Never panics and never errors.
func ApplyHygiene(candidates []*protocol.GraphCandidate, activeIDs map[string]bool, extraFilter ExtraFilter) ([]*protocol.GraphCandidate, Counters) {
	counters := Counters{In: len(candidates)}

	parsed := make([]*protocol.GraphCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.BlueprintID == "" || c.NodeID == "" {
			slog.Warn("GRAPH_HYGIENE_DROP malformed candidate", "candidate", describe(c))
			continue
		}
		parsed = append(parsed, c)
	}
	counters.ParsedOK = len(parsed)

	deduped := dedupeLatestByBlueprintID(parsed)
	counters.Deduped = counters.ParsedOK - len(deduped)

	var kept []*protocol.GraphCandidate
	if activeIDs == nil {
		// Active set unreadable: fail closed.
		counters.Filtered = len(deduped)
		slog.Warn("GRAPH_HYGIENE_FAIL_CLOSED active set unreadable, dropping all candidates",
			"dropped", len(deduped))
	} else {
		for _, c := range deduped {
			if activeIDs[c.BlueprintID] {
				kept = append(kept, c)
			} else {
				counters.Filtered++
			}
		}
	}
	counters.ActiveKept = len(kept)

	out := kept[:0:0]
	for _, c := range kept {
		if extraFilter != nil && !extraFilter(c) {
			counters.Filtered++
			continue
		}
		out = append(out, c)
	}
	counters.Out = len(out)

	observability.GetBus().Emit(observability.KindGraph, "hygiene_applied", map[string]any{
		"in":          counters.In,
		"parsed_ok":   counters.ParsedOK,
		"deduped":     counters.Deduped,
		"active_kept": counters.ActiveKept,
		"filtered":    counters.Filtered,
		"out":         counters.Out,
	})

	return out, counters
}

// dedupeLatestByBlueprintID keeps one revision per blueprint, preferring
// the latest updated_at and breaking ties on the higher node id. Output
// is ordered by blueprint id for determinism.
func dedupeLatestByBlueprintID(candidates []*protocol.GraphCandidate) []*protocol.GraphCandidate {
	latest := make(map[string]*protocol.GraphCandidate, len(candidates))
	for _, c := range candidates {
		best, ok := latest[c.BlueprintID]
		if !ok || newerRevision(c, best) {
			latest[c.BlueprintID] = c
		}
	}

	out := make([]*protocol.GraphCandidate, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BlueprintID < out[j].BlueprintID
	})
	return out
}

func newerRevision(a, b *protocol.GraphCandidate) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.NodeID > b.NodeID
}

func describe(c *protocol.GraphCandidate) string {
	if c == nil {
		return "<nil>"
	}
	if c.NodeID != "" {
		return c.NodeID
	}
	if c.BlueprintID != "" {
		return "blueprint:" + c.BlueprintID
	}
	return "<empty>"
}

// StaleBefore builds an extra filter that ages out revisions older than
// the cutoff.
func StaleBefore(cutoff time.Time) ExtraFilter {
	return func(c *protocol.GraphCandidate) bool {
		return !c.UpdatedAt.Before(cutoff)
	}
}
