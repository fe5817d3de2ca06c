package digest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hausgeist/hausgeist/pkg/config"
)

// triggerHour is the local hour the scheduled run fires.
const triggerHour = 4

// Runner drives the pipeline on a schedule. Inline mode runs a
// goroutine inside the server process; sidecar mode expects a separate
// `digest run` process, with the file lock keeping the two exclusive.
type Runner struct {
	cfg      *config.Config
	pipeline *Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewRunner(cfg *config.Config, pipeline *Pipeline) *Runner {
	return &Runner{cfg: cfg, pipeline: pipeline}
}

// Start launches the inline scheduler. Off and sidecar modes are a
// no-op here; the sidecar process calls RunNow directly.
func (r *Runner) Start(ctx context.Context) {
	if r.cfg.Digest.RunMode != config.DigestRunInline {
		slog.Info("Digest runner not started inline", "run_mode", r.cfg.Digest.RunMode)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})

	go r.loop(ctx)
	slog.Info("Digest runner started", "trigger_hour", triggerHour)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.stopped)

	for {
		wait := time.Until(nextTrigger(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.RunNow(ctx, nil)
		}
	}
}

// RunNow executes one full digest run. A lock held elsewhere is normal
// contention: the run is recorded as a locked skip, not an error.
func (r *Runner) RunNow(ctx context.Context, conversationIDs []string) (*Summary, error) {
	summary, err := r.pipeline.Run(ctx, conversationIDs)
	if errors.Is(err, ErrLockHeld) {
		slog.Info("Digest run skipped", "reason", ReasonLocked)
		return &Summary{
			Daily:  DailySummary{Skipped: 1, Reason: ReasonLocked},
			Weekly: WeeklySummary{Skipped: 1, Reason: ReasonLocked},
		}, nil
	}
	if err != nil {
		slog.Error("Digest run failed", "error", err)
		return nil, err
	}

	slog.Info("Digest run finished",
		"daily_written", summary.Daily.Written,
		"daily_skipped", summary.Daily.Skipped,
		"weekly_written", summary.Weekly.Written,
		"archive_written", summary.Archive.Written,
	)
	return summary, nil
}

// Stop halts the inline scheduler and waits for a run in flight.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	stopped := r.stopped
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// nextTrigger returns the next 04:00 local strictly after now.
func nextTrigger(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), triggerHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
