// Package digest compacts the CSV event log into daily, weekly and
// archive digests under a file lock, with versioned state and idempotent
// keys so restarts and clock skew never double-write.
package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Digest actions, also the `action` field bound into every key.
const (
	ActionDaily   = "daily"
	ActionWeekly  = "weekly"
	ActionArchive = "archive"
)

// Key versions. v2 additionally binds the window bounds for weekly and
// archive digests so a changed week definition can never collide.
const (
	KeyV1 = "v1"
	KeyV2 = "v2"
)

// DailyKey derives the idempotency key for one day's digest. Identical
// across key versions; only weekly and archive keys changed in v2.
func DailyKey(date string, conversationIDs []string, sourceHash string) string {
	return protocol.HashKey(ActionDaily, date, joinSorted(conversationIDs), sourceHash)
}

// WeeklyKey derives the idempotency key for one ISO week. v2 binds the
// monday/sunday bounds of the week.
func WeeklyKey(version, isoWeek string, conversationIDs []string, sourceHash string) (string, error) {
	if version == KeyV1 {
		return protocol.HashKey(ActionWeekly, isoWeek, joinSorted(conversationIDs), sourceHash), nil
	}
	monday, sunday, err := isoWeekBounds(isoWeek)
	if err != nil {
		return "", err
	}
	return protocol.HashKey(ActionWeekly, isoWeek,
		monday.Format("2006-01-02"), sunday.Format("2006-01-02"),
		joinSorted(conversationIDs), sourceHash), nil
}

// ArchiveKey derives the idempotency key for one archival window. v2
// binds the window bounds explicitly.
func ArchiveKey(version string, windowStart, windowEnd time.Time, conversationIDs []string, sourceHash string) string {
	window := windowStart.Format("2006-01") // v1 keyed archives by month only
	if version == KeyV1 {
		return protocol.HashKey(ActionArchive, window, joinSorted(conversationIDs), sourceHash)
	}
	return protocol.HashKey(ActionArchive, window,
		windowStart.Format("2006-01-02"), windowEnd.Format("2006-01-02"),
		joinSorted(conversationIDs), sourceHash)
}

// isoWeekBounds returns the monday and sunday of an ISO week given as
// "2006-W02".
func isoWeekBounds(isoWeek string) (time.Time, time.Time, error) {
	var year, week int
	if _, err := fmt.Sscanf(isoWeek, "%d-W%d", &year, &week); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid iso week %q: %w", isoWeek, err)
	}
	if week < 1 || week > 53 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid iso week %q", isoWeek)
	}

	// Jan 4 is always in week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	week1Monday := jan4.AddDate(0, 0, 1-weekday)

	monday := week1Monday.AddDate(0, 0, (week-1)*7)
	sunday := monday.AddDate(0, 0, 6)
	return monday, sunday, nil
}

// ISOWeekOf formats the ISO week containing the given day.
func ISOWeekOf(day time.Time) string {
	year, week := day.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// dedupeKey is the event-level dedupe identity. includeConv binds the
// conversation so identical events in different conversations survive.
func dedupeKey(event *eventRecord, includeConv bool) string {
	hash := protocol.ContentHash(event.Content)
	if includeConv {
		return event.ConversationID + ":" + event.EventType + ":" + hash
	}
	return event.EventType + ":" + hash
}

func joinSorted(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
