package digest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
	"github.com/hausgeist/hausgeist/pkg/observability"
	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Skip reasons surfacing in cycle summaries and the runtime API.
const (
	ReasonDisabled     = "disabled"
	ReasonExists       = "exists"
	ReasonBelowMinimum = "below_minimum"
	ReasonLocked       = "locked"
)

// Catch-up modes.
const (
	CatchUpFull = "full"
	CatchUpCap  = "cap"
)

// DailySummary is the daily cycle's outcome.
type DailySummary struct {
	Written         int          `json:"written"`
	InputEvents     int          `json:"input_events"`
	Skipped         int          `json:"skipped"`
	Reason          string       `json:"reason,omitempty"`
	ConversationIDs []string     `json:"conversation_ids,omitempty"`
	FirstDate       string       `json:"first_date,omitempty"`
	CatchUp         CatchUpState `json:"catch_up"`
}

// WeeklySummary is the weekly cycle's outcome.
type WeeklySummary struct {
	Written int    `json:"written"`
	Skipped int    `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// ArchiveSummary is the archive cycle's outcome.
type ArchiveSummary struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"`
}

// Summary is the result of one full digest run.
type Summary struct {
	Daily   DailySummary   `json:"daily"`
	Weekly  WeeklySummary  `json:"weekly"`
	Archive ArchiveSummary `json:"archive"`
}

// Pipeline runs digest cycles. One invocation = daily, weekly, archive
// under a single held lock.
type Pipeline struct {
	cfg        *config.Config
	csv        *memory.CSVSource
	archive    Archive
	state      *StateStore
	summarizer Summarizer
	lock       *Lock

	now func() time.Time
}

func NewPipeline(cfg *config.Config, csv *memory.CSVSource, archive Archive, summarizer Summarizer, owner string) *Pipeline {
	stateDir := cfg.Digest.StateDir
	return &Pipeline{
		cfg:        cfg,
		csv:        csv,
		archive:    archive,
		state:      NewStateStore(stateDir),
		summarizer: summarizer,
		lock:       NewLock(filepath.Join(stateDir, "digest.lock"), owner, cfg.Digest.LockTimeout),
		now:        time.Now,
	}
}

// Run executes one full cycle. Returns ErrLockHeld when another worker
// owns the lock.
func (p *Pipeline) Run(ctx context.Context, conversationIDs []string) (*Summary, error) {
	if !config.BoolValue(p.cfg.Digest.Enable, true) {
		return &Summary{
			Daily:  DailySummary{Skipped: 1, Reason: ReasonDisabled},
			Weekly: WeeklySummary{Skipped: 1, Reason: ReasonDisabled},
		}, nil
	}

	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	state, err := p.state.Load()
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	summary.Daily = runCycle(ctx, p, state, &state.Cycles.Daily, "daily", func() (DailySummary, error) {
		return p.runDaily(ctx, state, conversationIDs)
	})
	summary.Weekly = runCycle(ctx, p, state, &state.Cycles.Weekly, "weekly", func() (WeeklySummary, error) {
		return p.runWeekly(ctx)
	})
	summary.Archive = runCycle(ctx, p, state, &state.Cycles.Archive, "archive", func() (ArchiveSummary, error) {
		return p.runArchive(ctx)
	})

	state.CatchUp = summary.Daily.CatchUp
	if err := p.state.Save(state); err != nil {
		return summary, err
	}
	return summary, nil
}

// runCycle wraps one cycle with state bookkeeping: the retry policy
// moves pending -> ok|failed with an atomic state write on each
// transition.
func runCycle[T any](ctx context.Context, p *Pipeline, state *State, cycle *CycleState, name string, fn func() (T, error)) T {
	cycle.RetryPolicy = RetryPending
	p.saveQuietly(state, name)

	summary, err := fn()
	written, skipped, reason := summaryCounts(summary)
	p.finishCycle(ctx, state, cycle, name, written, skipped, reason, err)
	return summary
}

func summaryCounts(summary any) (written, skipped int, reason string) {
	switch s := summary.(type) {
	case DailySummary:
		return s.Written, s.Skipped, s.Reason
	case WeeklySummary:
		return s.Written, s.Skipped, s.Reason
	case ArchiveSummary:
		return s.Written, s.Skipped, ""
	}
	return 0, 0, ""
}

func (p *Pipeline) finishCycle(ctx context.Context, state *State, cycle *CycleState, name string, written, skipped int, reason string, err error) {
	cycle.TS = p.now().UTC()
	if err != nil {
		cycle.Status = CycleFailed
		cycle.Reason = err.Error()
		cycle.RetryPolicy = RetryFailed
		slog.Error("Digest cycle failed", "cycle", name, "error", err)
	} else {
		cycle.RetryPolicy = RetryOK
		cycle.Reason = reason
		if written > 0 {
			cycle.Status = CycleOK
		} else {
			cycle.Status = CycleSkipped
		}
	}
	p.saveQuietly(state, name)

	observability.GetGlobalMetrics().RecordDigestCycle(ctx, name, written, skipped)
	observability.GetBus().Emit(observability.KindDigest, "cycle_finished", map[string]any{
		"cycle":   name,
		"status":  cycle.Status,
		"written": written,
		"skipped": skipped,
		"reason":  cycle.Reason,
	})
}

func (p *Pipeline) saveQuietly(state *State, name string) {
	if err := p.state.Save(state); err != nil {
		slog.Warn("Digest state write failed", "cycle", name, "error", err)
	}
}

// runDaily digests each unprocessed day up to yesterday, replaying
// missed days capped at the configured maximum.
func (p *Pipeline) runDaily(ctx context.Context, state *State, conversationIDs []string) (DailySummary, error) {
	summary := DailySummary{}
	if !config.BoolValue(p.cfg.Digest.DailyEnable, true) {
		summary.Skipped = 1
		summary.Reason = ReasonDisabled
		return summary, nil
	}

	now := p.now()
	yesterday := now.AddDate(0, 0, -1)
	dates := p.targetDates(state.LastDailyDate, yesterday, &summary.CatchUp)
	if len(dates) == 0 {
		summary.Skipped = 1
		summary.Reason = ReasonExists
		return summary, nil
	}
	summary.FirstDate = dates[0].Format("2006-01-02")

	for _, day := range dates {
		written, inputEvents, reason, err := p.digestDay(ctx, day, conversationIDs, &summary)
		if err != nil {
			return summary, err
		}
		summary.InputEvents += inputEvents
		if written {
			summary.Written++
			summary.CatchUp.Generated++
			if day.Before(startOfDay(yesterday)) {
				summary.CatchUp.Recovered++
			}
		} else {
			summary.Skipped++
			summary.Reason = reason
		}
	}

	state.LastDailyDate = yesterday.Format("2006-01-02")
	return summary, nil
}

// targetDates lists the days needing a digest, newest-capped by
// CatchupMaxDays.
func (p *Pipeline) targetDates(lastDailyDate string, yesterday time.Time, catchUp *CatchUpState) []time.Time {
	end := startOfDay(yesterday)

	var start time.Time
	if lastDailyDate == "" {
		start = end
	} else {
		last, err := time.ParseInLocation("2006-01-02", lastDailyDate, yesterday.Location())
		if err != nil {
			slog.Warn("Unparseable last daily date, restarting from yesterday", "value", lastDailyDate)
			start = end
		} else {
			start = last.AddDate(0, 0, 1)
		}
	}
	if start.After(end) {
		return nil
	}

	var dates []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dates = append(dates, day)
	}

	if len(dates) > 1 {
		catchUp.MissedRuns = len(dates)
		maxDays := config.IntValue(p.cfg.Digest.CatchupMaxDays, 7)
		if maxDays == 0 {
			// Catch-up disabled: only yesterday.
			dates = dates[len(dates)-1:]
			catchUp.Mode = CatchUpCap
			return dates
		}

		// Replay reaches back at most maxDays from today.
		firstAllowed := end.AddDate(0, 0, 2-maxDays)
		kept := dates[:0:0]
		for _, day := range dates {
			if !day.Before(firstAllowed) {
				kept = append(kept, day)
			}
		}
		if len(kept) < len(dates) {
			catchUp.Mode = CatchUpCap
		} else {
			catchUp.Mode = CatchUpFull
		}
		dates = kept
	}
	return dates
}

// digestDay writes one day's digest unless gated or already present.
func (p *Pipeline) digestDay(ctx context.Context, day time.Time, conversationIDs []string, summary *DailySummary) (bool, int, string, error) {
	dayStart := startOfDay(day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	events, err := p.csv.LoadRange(dayStart, dayEnd)
	if err != nil {
		return false, 0, "", fmt.Errorf("failed to load events for %s: %w", day.Format("2006-01-02"), err)
	}

	records := p.dedupeEvents(events)
	if len(conversationIDs) == 0 {
		conversationIDs = deriveConversationIDs(records)
	}
	summary.ConversationIDs = mergeIDs(summary.ConversationIDs, conversationIDs)

	if len(records) == 0 || len(records) < p.cfg.Digest.MinEventsDaily {
		return false, len(records), ReasonBelowMinimum, nil
	}

	date := day.Format("2006-01-02")
	key := DailyKey(date, conversationIDs, sourceHashOf(records))

	exists, err := p.archive.Exists(ctx, key)
	if err != nil {
		return false, len(records), "", err
	}
	if exists {
		return false, len(records), ReasonExists, nil
	}

	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("[%s] %s", r.EventType, r.Content))
	}
	content, err := p.summarizer.Summarize(ctx, ActionDaily, date, lines)
	if err != nil {
		return false, len(records), "", fmt.Errorf("failed to summarize %s: %w", date, err)
	}

	doc := &Document{
		Key:     key,
		Action:  ActionDaily,
		Period:  date,
		Content: content,
		Parameters: map[string]any{
			"conversation_ids": conversationIDs,
			"input_events":     len(records),
		},
	}
	if err := p.archive.Write(ctx, doc); err != nil {
		return false, len(records), "", err
	}
	return true, len(records), "", nil
}

// runWeekly digests the most recently completed ISO week, gated on how
// many daily digests it produced.
func (p *Pipeline) runWeekly(ctx context.Context) (WeeklySummary, error) {
	summary := WeeklySummary{}
	if !config.BoolValue(p.cfg.Digest.WeeklyEnable, true) {
		summary.Skipped = 1
		summary.Reason = ReasonDisabled
		return summary, nil
	}

	now := p.now()
	lastSunday := lastCompletedSunday(now)
	isoWeek := ISOWeekOf(lastSunday)
	monday, sunday, err := isoWeekBounds(isoWeek)
	if err != nil {
		return summary, err
	}

	fromPeriod := monday.Format("2006-01-02")
	toPeriod := sunday.Format("2006-01-02")

	dailyCount, err := p.archive.CountByPeriod(ctx, ActionDaily, fromPeriod, toPeriod)
	if err != nil {
		return summary, err
	}
	if dailyCount < p.cfg.Digest.MinDailyPerWeek {
		summary.Skipped = 1
		summary.Reason = ReasonBelowMinimum
		return summary, nil
	}

	dailies, err := p.archive.ListByPeriod(ctx, ActionDaily, fromPeriod, toPeriod)
	if err != nil {
		return summary, err
	}

	keys := make([]string, 0, len(dailies))
	lines := make([]string, 0, len(dailies))
	for _, d := range dailies {
		keys = append(keys, d.Key)
		lines = append(lines, fmt.Sprintf("%s: %s", d.Period, d.Content))
	}

	key, err := WeeklyKey(p.cfg.Digest.KeyVersion, isoWeek, nil, protocol.HashKey(keys...))
	if err != nil {
		return summary, err
	}

	exists, err := p.archive.Exists(ctx, key)
	if err != nil {
		return summary, err
	}
	if exists {
		summary.Skipped = 1
		summary.Reason = ReasonExists
		return summary, nil
	}

	content, err := p.summarizer.Summarize(ctx, ActionWeekly, isoWeek, lines)
	if err != nil {
		return summary, err
	}

	doc := &Document{
		Key:     key,
		Action:  ActionWeekly,
		Period:  isoWeek,
		Content: content,
		Parameters: map[string]any{
			"window_start": fromPeriod,
			"window_end":   toPeriod,
			"daily_count":  dailyCount,
		},
	}
	if err := p.archive.Write(ctx, doc); err != nil {
		return summary, err
	}
	summary.Written = 1
	return summary, nil
}

// runArchive compacts the previous calendar month's daily digests.
func (p *Pipeline) runArchive(ctx context.Context) (ArchiveSummary, error) {
	summary := ArchiveSummary{}
	if !config.BoolValue(p.cfg.Digest.ArchiveEnable, true) {
		summary.Skipped = 1
		return summary, nil
	}

	now := p.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
	monthEnd := monthStart.AddDate(0, 1, 0).AddDate(0, 0, -1)

	fromPeriod := monthStart.Format("2006-01-02")
	toPeriod := monthEnd.Format("2006-01-02")

	dailies, err := p.archive.ListByPeriod(ctx, ActionDaily, fromPeriod, toPeriod)
	if err != nil {
		return summary, err
	}
	if len(dailies) == 0 {
		summary.Skipped = 1
		return summary, nil
	}

	keys := make([]string, 0, len(dailies))
	lines := make([]string, 0, len(dailies))
	for _, d := range dailies {
		keys = append(keys, d.Key)
		lines = append(lines, fmt.Sprintf("%s: %s", d.Period, d.Content))
	}

	key := ArchiveKey(p.cfg.Digest.KeyVersion, monthStart, monthEnd, nil, protocol.HashKey(keys...))
	exists, err := p.archive.Exists(ctx, key)
	if err != nil {
		return summary, err
	}
	if exists {
		summary.Skipped = 1
		return summary, nil
	}

	content, err := p.summarizer.Summarize(ctx, ActionArchive, monthStart.Format("2006-01"), lines)
	if err != nil {
		return summary, err
	}

	doc := &Document{
		Key:     key,
		Action:  ActionArchive,
		Period:  monthStart.Format("2006-01"),
		Content: content,
		Parameters: map[string]any{
			"window_start": fromPeriod,
			"window_end":   toPeriod,
		},
	}
	if err := p.archive.Write(ctx, doc); err != nil {
		return summary, err
	}
	summary.Written = 1
	return summary, nil
}

// dedupeEvents collapses repeated events by conversation, type and
// content hash.
func (p *Pipeline) dedupeEvents(events []memory.CSVEvent) []*eventRecord {
	includeConv := config.BoolValue(p.cfg.Digest.DedupeIncludeConv, true)

	seen := make(map[string]bool, len(events))
	records := make([]*eventRecord, 0, len(events))
	for _, ev := range events {
		record := &eventRecord{
			ConversationID: ev.ConversationID,
			EventType:      ev.EventType,
			Content:        ev.Content,
		}
		k := dedupeKey(record, includeConv)
		if seen[k] {
			continue
		}
		seen[k] = true
		records = append(records, record)
	}
	return records
}

func deriveConversationIDs(records []*eventRecord) []string {
	seen := make(map[string]bool, len(records))
	var ids []string
	for _, r := range records {
		if r.ConversationID != "" && !seen[r.ConversationID] {
			seen[r.ConversationID] = true
			ids = append(ids, r.ConversationID)
		}
	}
	sort.Strings(ids)
	return ids
}

func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			existing = append(existing, id)
		}
	}
	sort.Strings(existing)
	return existing
}

func sourceHashOf(records []*eventRecord) string {
	hashes := make([]string, 0, len(records))
	for _, r := range records {
		hashes = append(hashes, protocol.ContentHash(r.Content))
	}
	sort.Strings(hashes)
	return protocol.HashKey(strings.Join(hashes, ","))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// lastCompletedSunday returns the most recent sunday strictly before
// today.
func lastCompletedSunday(now time.Time) time.Time {
	day := startOfDay(now)
	for {
		day = day.AddDate(0, 0, -1)
		if day.Weekday() == time.Sunday {
			return day
		}
	}
}
