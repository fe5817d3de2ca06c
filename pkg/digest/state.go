package digest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is what every write emits. Readers migrate older files
// in memory before anything else sees them.
const SchemaVersion = 2

// Cycle statuses.
const (
	CycleOK      = "ok"
	CycleSkipped = "skipped"
	CycleFailed  = "failed"
)

// Retry policy transitions: "" -> retry -> ok | failed.
const (
	RetryPending = "retry"
	RetryOK      = "ok"
	RetryFailed  = "failed"
)

// CycleState records the outcome of one digest cycle kind.
type CycleState struct {
	Status      string    `json:"status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RetryPolicy string    `json:"retry_policy,omitempty"`
	TS          time.Time `json:"ts,omitempty"`
}

// CatchUpState summarizes the last catch-up pass.
type CatchUpState struct {
	MissedRuns int    `json:"missed_runs"`
	Recovered  int    `json:"recovered"`
	Generated  int    `json:"generated"`
	Mode       string `json:"mode,omitempty"`
}

// JITState records the last just-in-time CSV load, for the runtime API.
type JITState struct {
	Trigger string    `json:"trigger,omitempty"`
	Rows    int       `json:"rows"`
	TS      time.Time `json:"ts,omitempty"`
}

// Cycles groups the three cycle kinds.
type Cycles struct {
	Daily   CycleState `json:"daily"`
	Weekly  CycleState `json:"weekly"`
	Archive CycleState `json:"archive"`
}

// State is the digest worker's persistent state, schema v2.
type State struct {
	SchemaVersion int          `json:"schema_version"`
	Cycles        Cycles       `json:"cycles"`
	CatchUp       CatchUpState `json:"catch_up"`
	JIT           JITState     `json:"jit"`
	LastDailyDate string       `json:"last_daily_date,omitempty"`
}

// stateV1 is the legacy flat layout: cycle results at top level as bare
// status strings, catch-up fields inlined.
type stateV1 struct {
	Daily         string    `json:"daily,omitempty"`
	Weekly        string    `json:"weekly,omitempty"`
	Archive       string    `json:"archive,omitempty"`
	LastRun       time.Time `json:"last_run,omitempty"`
	LastDailyDate string    `json:"last_daily_date,omitempty"`
	MissedRuns    int       `json:"missed_runs,omitempty"`
	Recovered     int       `json:"recovered,omitempty"`
}

// MigrateState parses raw state bytes at any known schema version and
// returns v2. Pure: no I/O.
func MigrateState(raw []byte) (*State, error) {
	if len(raw) == 0 {
		return &State{SchemaVersion: SchemaVersion}, nil
	}

	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse digest state: %w", err)
	}

	if probe.SchemaVersion >= SchemaVersion {
		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("failed to parse digest state: %w", err)
		}
		return &state, nil
	}

	var legacy stateV1
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy digest state: %w", err)
	}

	state := &State{
		SchemaVersion: SchemaVersion,
		LastDailyDate: legacy.LastDailyDate,
		Cycles: Cycles{
			Daily:   CycleState{Status: legacy.Daily, TS: legacy.LastRun},
			Weekly:  CycleState{Status: legacy.Weekly, TS: legacy.LastRun},
			Archive: CycleState{Status: legacy.Archive, TS: legacy.LastRun},
		},
		CatchUp: CatchUpState{
			MissedRuns: legacy.MissedRuns,
			Recovered:  legacy.Recovered,
		},
	}
	return state, nil
}

// StateStore persists the digest state file with atomic writes.
type StateStore struct {
	path string
	mu   sync.Mutex
}

func NewStateStore(dir string) *StateStore {
	return &StateStore{path: filepath.Join(dir, "digest_state.json")}
}

// Load reads and migrates the state. A missing file is a fresh state.
func (s *StateStore) Load() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &State{SchemaVersion: SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read digest state: %w", err)
	}
	return MigrateState(raw)
}

// Save writes the state atomically: temp file in the same directory,
// then rename. The writer always emits schema v2.
func (s *StateStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode digest state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".digest_state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	return os.Rename(tmpName, s.path)
}
