package protocol

// StreamEventType enumerates the abstract stream chunk types emitted by the
// orchestrator. The set is stable across transports: the NDJSON chat
// endpoint serializes these one per line.
type StreamEventType string

const (
	EventThinkingStream    StreamEventType = "thinking_stream"
	EventThinkingDone      StreamEventType = "thinking_done"
	EventSeqThinkingStream StreamEventType = "seq_thinking_stream"
	EventSeqThinkingDone   StreamEventType = "seq_thinking_done"
	EventSequentialStart   StreamEventType = "sequential_start"
	EventSequentialStep    StreamEventType = "sequential_step"
	EventSequentialDone    StreamEventType = "sequential_done"
	EventControl           StreamEventType = "control"
	EventContainerStart    StreamEventType = "container_start"
	EventContainerDone     StreamEventType = "container_done"
	EventPanelCreateTab    StreamEventType = "panel_create_tab"
	EventPanelUpdate       StreamEventType = "panel_update"
	EventContent           StreamEventType = "content"
	EventMemory            StreamEventType = "memory"
	EventDone              StreamEventType = "done"
	EventError             StreamEventType = "error"
)

// StreamEvent is one chunk of an orchestrator run. Within one request all
// events are totally ordered.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Text string          `json:"text,omitempty"`
	Data map[string]any  `json:"data,omitempty"`
	Code string          `json:"code,omitempty"`
}

// Trigger gates just-in-time loading of CSV digest events into context.
type Trigger string

const (
	TriggerTimeReference Trigger = "time_reference"
	TriggerRemember      Trigger = "remember"
	TriggerFactRecall    Trigger = "fact_recall"
	TriggerNone          Trigger = "none"
)

// ContextMode selects how aggressively the context engine compacts.
type ContextMode string

const (
	ModeFull           ContextMode = "full"
	ModeSmallModel     ContextMode = "small_model"
	ModeFailureCompact ContextMode = "failure_compact"
)

// JobStatus tracks a deep-job submission.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)
