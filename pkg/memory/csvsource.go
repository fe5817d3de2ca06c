package memory

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CSVEvent is one row of a digest source file.
type CSVEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	EventType      string    `json:"event_type"`
	Content        string    `json:"content"`
}

// CSVSource reads digest source events from CSV files in the speicher
// directory. Files are append-only, one per day (events-2026-08-24.csv);
// both the digest cycles and JIT context loading read through here.
// Expected columns: timestamp, conversation_id, event_type, content.
type CSVSource struct {
	dir string
}

func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

// LoadRange returns events with from <= timestamp < to, ordered by
// timestamp. Unreadable files and malformed rows are skipped with a log
// line; missing data never fails a load.
func (s *CSVSource) LoadRange(from, to time.Time) ([]CSVEvent, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "events-*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan digest sources: %w", err)
	}
	sort.Strings(paths)

	var events []CSVEvent
	for _, path := range paths {
		if !fileMayOverlap(path, from, to) {
			continue
		}
		fileEvents, err := readEventFile(path)
		if err != nil {
			slog.Warn("Skipping unreadable digest source", "path", path, "error", err)
			continue
		}
		for _, ev := range fileEvents {
			if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
				events = append(events, ev)
			}
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// LoadSince returns events in the window [now-window, now).
func (s *CSVSource) LoadSince(window time.Duration) ([]CSVEvent, error) {
	now := time.Now().UTC()
	return s.LoadRange(now.Add(-window), now)
}

// fileMayOverlap prunes by the date embedded in the file name. Files
// with unparseable names are always read.
func fileMayOverlap(path string, from, to time.Time) bool {
	base := filepath.Base(path)
	dateStr := strings.TrimSuffix(strings.TrimPrefix(base, "events-"), ".csv")
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return true
	}
	dayEnd := day.Add(24 * time.Hour)
	return day.Before(to) && dayEnd.After(from)
}

func readEventFile(path string) ([]CSVEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var events []CSVEvent
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("Malformed CSV row", "path", path, "error", err)
			continue
		}
		if first {
			first = false
			if len(record) > 0 && record[0] == "timestamp" {
				continue
			}
		}
		if len(record) < 4 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			slog.Warn("Malformed timestamp in CSV row", "path", path, "value", record[0])
			continue
		}
		events = append(events, CSVEvent{
			Timestamp:      ts.UTC(),
			ConversationID: record[1],
			EventType:      record[2],
			Content:        record[3],
		})
	}
	return events, nil
}
