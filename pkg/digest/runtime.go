package digest

import (
	"github.com/hausgeist/hausgeist/pkg/config"
)

// RuntimeStateV2 is the runtime API's view of the digest worker.
type RuntimeStateV2 struct {
	JITOnly       bool           `json:"jit_only"`
	DailyDigest   CycleState     `json:"daily_digest"`
	WeeklyDigest  CycleState     `json:"weekly_digest"`
	ArchiveDigest CycleState     `json:"archive_digest"`
	CatchUp       CatchUpState   `json:"catch_up"`
	JIT           JITState       `json:"jit"`
	Locking       LockStatus     `json:"locking"`
	Flags         map[string]any `json:"flags"`
}

// RuntimeStateV1 is the legacy shape, returned when the v2 runtime API
// is switched off.
type RuntimeStateV1 struct {
	State map[string]any `json:"state"`
	Flags map[string]any `json:"flags"`
	Lock  LockStatus     `json:"lock"`
}

// RuntimeState reads the current state for the API. Read-only: the
// digest worker owns the state file, the API only observes.
func (p *Pipeline) RuntimeState() (any, error) {
	state, err := p.state.Load()
	if err != nil {
		return nil, err
	}

	lockStatus := p.lock.Status()
	jitOnly := config.BoolValue(p.cfg.Context.CSVJITOnly, true)
	flags := map[string]any{
		"daily_enable":   config.BoolValue(p.cfg.Digest.DailyEnable, true),
		"weekly_enable":  config.BoolValue(p.cfg.Digest.WeeklyEnable, true),
		"archive_enable": config.BoolValue(p.cfg.Digest.ArchiveEnable, true),
		"run_mode":       p.cfg.Digest.RunMode,
		"key_version":    p.cfg.Digest.KeyVersion,
	}

	if !config.BoolValue(p.cfg.Digest.RuntimeAPIV2, true) {
		return &RuntimeStateV1{
			State: map[string]any{
				"daily":           state.Cycles.Daily,
				"weekly":          state.Cycles.Weekly,
				"archive":         state.Cycles.Archive,
				"catch_up":        state.CatchUp,
				"last_daily_date": state.LastDailyDate,
			},
			Flags: flags,
			Lock:  lockStatus,
		}, nil
	}

	return &RuntimeStateV2{
		JITOnly:       jitOnly,
		DailyDigest:   state.Cycles.Daily,
		WeeklyDigest:  state.Cycles.Weekly,
		ArchiveDigest: state.Cycles.Archive,
		CatchUp:       state.CatchUp,
		JIT:           state.JIT,
		Locking:       lockStatus,
		Flags:         flags,
	}, nil
}

// RecordJIT stores the latest just-in-time load stats for the API.
func (p *Pipeline) RecordJIT(trigger string, rows int) {
	state, err := p.state.Load()
	if err != nil {
		return
	}
	state.JIT = JITState{Trigger: trigger, Rows: rows, TS: p.now().UTC()}
	p.saveQuietly(state, "jit")
}
