package digest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/memory"
)

// staticSummarizer avoids a model dependency in tests.
type staticSummarizer struct{}

func (staticSummarizer) Summarize(ctx context.Context, action, period string, lines []string) (string, error) {
	return fmt.Sprintf("%s %s: %d events", action, period, len(lines)), nil
}

func writeEventsCSV(t *testing.T, dir string, day time.Time, rows [][3]string) {
	t.Helper()
	content := "timestamp,conversation_id,event_type,content\n"
	for i, row := range rows {
		ts := day.Add(time.Duration(8+i) * time.Hour)
		content += fmt.Sprintf("%s,%s,%s,%s\n", ts.Format(time.RFC3339), row[0], row[1], row[2])
	}
	path := filepath.Join(dir, "events-"+day.Format("2006-01-02")+".csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testPipeline(t *testing.T, now time.Time) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Digest.StateDir = filepath.Join(dir, "state")
	cfg.Digest.LockTimeout = time.Minute

	archive, err := NewSQLArchive(filepath.Join(dir, "digests.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	csvDir := filepath.Join(dir, "events")
	require.NoError(t, os.MkdirAll(csvDir, 0755))

	p := NewPipeline(cfg, memory.NewCSVSource(csvDir), archive, staticSummarizer{}, "test-worker")
	p.now = func() time.Time { return now }
	return p, csvDir
}

func TestPipeline_DailyIdempotency(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	writeEventsCSV(t, csvDir, day, [][3]string{
		{"c1", "remember", "Kaffee gekauft"},
		{"c1", "remember", "Tee gekauft"},
		{"c1", "time_reference", "Termin morgen"},
	})

	summary, err := p.Run(context.Background(), []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Daily.Written)
	assert.Equal(t, 3, summary.Daily.InputEvents)
	assert.Equal(t, 0, summary.Daily.Skipped)
	assert.Equal(t, []string{"c1"}, summary.Daily.ConversationIDs)

	// second run: same key exists, nothing written
	summary, err = p.Run(context.Background(), []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Daily.Written)
	assert.Equal(t, 1, summary.Daily.Skipped)
	assert.Equal(t, ReasonExists, summary.Daily.Reason)
}

func TestPipeline_CatchUpCap(t *testing.T) {
	now := time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)

	// state says the last processed day was 2026-02-20
	require.NoError(t, p.state.Save(&State{LastDailyDate: "2026-02-20"}))

	for d := 21; d <= 28; d++ {
		writeEventsCSV(t, csvDir, time.Date(2026, 2, d, 0, 0, 0, 0, time.UTC), [][3]string{
			{"c1", "remember", fmt.Sprintf("event feb %d", d)},
		})
	}
	for d := 1; d <= 4; d++ {
		writeEventsCSV(t, csvDir, time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC), [][3]string{
			{"c1", "remember", fmt.Sprintf("event mar %d", d)},
		})
	}

	summary, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, CatchUpCap, summary.Daily.CatchUp.Mode)
	assert.Equal(t, 12, summary.Daily.CatchUp.MissedRuns)
	assert.LessOrEqual(t, summary.Daily.CatchUp.Generated, 7)
	assert.Equal(t, "2026-02-27", summary.Daily.FirstDate)
	assert.Equal(t, 6, summary.Daily.Written)
	assert.Equal(t, 5, summary.Daily.CatchUp.Recovered)

	state, err := p.state.Load()
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04", state.LastDailyDate)
}

func TestPipeline_CatchUpDisabledByZeroMaxDays(t *testing.T) {
	now := time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)
	zero := 0
	p.cfg.Digest.CatchupMaxDays = &zero

	require.NoError(t, p.state.Save(&State{LastDailyDate: "2026-02-28"}))
	for d := 1; d <= 4; d++ {
		writeEventsCSV(t, csvDir, time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC), [][3]string{
			{"c1", "remember", fmt.Sprintf("event mar %d", d)},
		})
	}

	summary, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	// max_days=0 means no replay: only yesterday is digested.
	assert.Equal(t, CatchUpCap, summary.Daily.CatchUp.Mode)
	assert.Equal(t, 4, summary.Daily.CatchUp.MissedRuns)
	assert.Equal(t, 1, summary.Daily.Written)
	assert.Equal(t, "2026-03-04", summary.Daily.FirstDate)
}

func TestPipeline_QualityGates(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)
	p.cfg.Digest.MinEventsDaily = 3
	p.cfg.Digest.MinDailyPerWeek = 4

	writeEventsCSV(t, csvDir, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), [][3]string{
		{"c1", "remember", "only one event"},
	})

	summary, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Daily.Written)
	assert.Equal(t, ReasonBelowMinimum, summary.Daily.Reason)
	assert.Equal(t, 0, summary.Weekly.Written)
	assert.Equal(t, ReasonBelowMinimum, summary.Weekly.Reason)
}

func TestPipeline_WeeklyAndArchive(t *testing.T) {
	// Monday 2026-03-02: the completed week is 2026-W09 (02-23..03-01).
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)
	p.cfg.Digest.MinDailyPerWeek = 2

	require.NoError(t, p.state.Save(&State{LastDailyDate: "2026-02-25"}))
	for _, day := range []time.Time{
		time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	} {
		writeEventsCSV(t, csvDir, day, [][3]string{
			{"c1", "remember", "event " + day.Format("01-02")},
		})
	}

	summary, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Daily.Written)
	assert.Equal(t, 1, summary.Weekly.Written)
	// february dailies exist, so the archive cycle compacts the month
	assert.Equal(t, 1, summary.Archive.Written)

	// rerun: weekly and archive keys exist
	summary, err = p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Weekly.Written)
	assert.Equal(t, ReasonExists, summary.Weekly.Reason)
	assert.Equal(t, 1, summary.Archive.Skipped)

	// the archive row carries its key in parameters
	docs, err := p.archive.ListByPeriod(context.Background(), ActionArchive, "2026-02", "2026-02")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, docs[0].Key, docs[0].Parameters["digest_key"])
}

func TestMigrateState_V1ToV2(t *testing.T) {
	raw := []byte(`{
		"daily": "ok",
		"weekly": "skipped",
		"last_run": "2026-02-20T04:00:00Z",
		"last_daily_date": "2026-02-19",
		"missed_runs": 2,
		"recovered": 1
	}`)

	state, err := MigrateState(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, state.SchemaVersion)
	assert.Equal(t, "ok", state.Cycles.Daily.Status)
	assert.Equal(t, "skipped", state.Cycles.Weekly.Status)
	assert.Equal(t, "2026-02-19", state.LastDailyDate)
	assert.Equal(t, 2, state.CatchUp.MissedRuns)
	assert.Equal(t, 1, state.CatchUp.Recovered)

	// already v2 passes through
	state2, err := MigrateState([]byte(`{"schema_version": 2, "last_daily_date": "2026-03-01"}`))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", state2.LastDailyDate)

	// empty file is a fresh state
	fresh, err := MigrateState(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.SchemaVersion)
}

func TestStateStore_WriterAlwaysEmitsV2(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(dir)

	require.NoError(t, store.Save(&State{LastDailyDate: "2026-03-01"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.SchemaVersion)
}

func TestLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.lock")

	first := NewLock(path, "worker-1", time.Minute)
	require.NoError(t, first.Acquire())

	second := NewLock(path, "worker-2", time.Minute)
	assert.ErrorIs(t, second.Acquire(), ErrLockHeld)

	status := second.Status()
	assert.Equal(t, "LOCKED", status.Status)
	assert.Equal(t, "worker-1", status.Owner)
	assert.False(t, status.Stale)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestRunner_LockContentionRecordsLockedSkip(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, _ := testPipeline(t, now)

	require.NoError(t, os.MkdirAll(p.cfg.Digest.StateDir, 0755))
	other := NewLock(filepath.Join(p.cfg.Digest.StateDir, "digest.lock"), "other-worker", time.Minute)
	require.NoError(t, other.Acquire())
	defer other.Release()

	summary, err := NewRunner(p.cfg, p).RunNow(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Daily.Skipped)
	assert.Equal(t, ReasonLocked, summary.Daily.Reason)
	assert.Equal(t, ReasonLocked, summary.Weekly.Reason)
}

func TestLock_StaleTakeoverSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.lock")

	stale := NewLock(path, "dead-worker", 10*time.Millisecond)
	require.NoError(t, stale.Acquire())
	time.Sleep(20 * time.Millisecond)

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewLock(path, owner, time.Minute)
			if err := l.Acquire(); err == nil {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	status := NewLock(path, "observer", time.Minute).Status()
	assert.Equal(t, "LOCKED", status.Status)
	assert.Equal(t, winners[0], status.Owner)
}

func TestIsoWeekBounds(t *testing.T) {
	monday, sunday, err := isoWeekBounds("2026-W09")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-23", monday.Format("2006-01-02"))
	assert.Equal(t, "2026-03-01", sunday.Format("2006-01-02"))

	// week 1 of a year starting mid-week
	monday, sunday, err = isoWeekBounds("2026-W01")
	require.NoError(t, err)
	assert.Equal(t, "2025-12-29", monday.Format("2006-01-02"))
	assert.Equal(t, "2026-01-04", sunday.Format("2006-01-02"))

	_, _, err = isoWeekBounds("garbage")
	assert.Error(t, err)
}

func TestKeys_VersionsDiffer(t *testing.T) {
	v1, err := WeeklyKey(KeyV1, "2026-W09", []string{"c1"}, "src")
	require.NoError(t, err)
	v2, err := WeeklyKey(KeyV2, "2026-W09", []string{"c1"}, "src")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
	assert.Len(t, v1, 32)
	assert.Len(t, v2, 32)

	// conversation order does not matter
	a := DailyKey("2026-03-01", []string{"c2", "c1"}, "src")
	b := DailyKey("2026-03-01", []string{"c1", "c2"}, "src")
	assert.Equal(t, a, b)
}

func TestPipeline_DedupeEvents(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, csvDir := testPipeline(t, now)

	writeEventsCSV(t, csvDir, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), [][3]string{
		{"c1", "remember", "same event"},
		{"c1", "remember", "same event"},
		{"c2", "remember", "same event"},
	})

	// default includes the conversation: c1 and c2 copies both survive
	summary, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Daily.InputEvents)
	assert.Equal(t, []string{"c1", "c2"}, summary.Daily.ConversationIDs)
}

func TestRuntimeState_Shapes(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	p, _ := testPipeline(t, now)

	require.NoError(t, p.state.Save(&State{
		Cycles: Cycles{Daily: CycleState{Status: CycleOK, TS: now}},
	}))

	v2, err := p.RuntimeState()
	require.NoError(t, err)
	shaped, ok := v2.(*RuntimeStateV2)
	require.True(t, ok)
	assert.Equal(t, CycleOK, shaped.DailyDigest.Status)
	assert.Equal(t, "FREE", shaped.Locking.Status)

	legacy := false
	p.cfg.Digest.RuntimeAPIV2 = &legacy
	v1, err := p.RuntimeState()
	require.NoError(t, err)
	_, ok = v1.(*RuntimeStateV1)
	assert.True(t, ok)
}

func TestNextTrigger(t *testing.T) {
	before := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC), nextTrigger(before))

	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), nextTrigger(after))
}
