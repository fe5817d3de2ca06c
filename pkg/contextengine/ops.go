package contextengine

import (
	"sort"
	"strings"
	"time"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// normalize trims whitespace and drops empty items.
func normalize(items []item) []item {
	out := make([]item, 0, len(items))
	for _, it := range items {
		it.Content = strings.TrimSpace(it.Content)
		if it.Content == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// dedupe removes duplicates within a rolling window keyed by
// (conv_id, event_type, content_hash). With crossConv set, the
// conversation id is excluded from the key so the same observation in two
// conversations collapses to one.
func dedupe(items []item, window time.Duration, crossConv bool) []item {
	sorted := make([]item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	lastSeen := make(map[string]time.Time)
	keep := make(map[string]bool, len(sorted))
	for _, it := range sorted {
		key := it.EventType + "\x00" + protocol.ContentHash(it.Content)
		if !crossConv {
			key = it.ConvID + "\x00" + key
		}
		if prev, ok := lastSeen[key]; ok && it.CreatedAt.Sub(prev) < window {
			continue
		}
		lastSeen[key] = it.CreatedAt
		keep[it.ID] = true
	}

	out := make([]item, 0, len(items))
	for _, it := range items {
		if keep[it.ID] {
			out = append(out, it)
		}
	}
	return out
}

// correlate merges items that share a source event id. The earliest item
// of a group wins identity and timestamp; contents are joined in group
// order.
func correlate(items []item) []item {
	bySource := make(map[string]int)
	merged := make([]item, 0, len(items))
	skip := make(map[int]bool)

	for i, it := range items {
		if skip[i] {
			continue
		}
		group := it
		for _, sid := range it.SourceEventIDs {
			if j, ok := bySource[sid]; ok {
				if !strings.Contains(merged[j].Content, it.Content) {
					merged[j].Content += "\n" + it.Content
				}
				skip[i] = true
				break
			}
		}
		if skip[i] {
			continue
		}
		idx := len(merged)
		merged = append(merged, group)
		for _, sid := range it.SourceEventIDs {
			if _, ok := bySource[sid]; !ok {
				bySource[sid] = idx
			}
		}
	}
	return merged
}

// selectTop orders stably by (recency desc, score desc, id asc) and keeps
// at most budget items. Insertion order breaks remaining ties by virtue
// of the stable sort.
func selectTop(items []item, budget int) []item {
	if budget <= 0 || len(items) == 0 {
		return nil
	}
	sorted := make([]item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > budget {
		sorted = sorted[:budget]
	}
	return sorted
}
