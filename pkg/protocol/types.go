// Package protocol defines the shared types that flow between the context
// engine, the layered pipeline, the skill authority and the HTTP surface.
// Everything here is plain data; behavior lives in the owning packages.
package protocol

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one user request as received by the orchestrator.
// It lives for exactly one orchestrator run.
type Request struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	Stream         bool      `json:"stream,omitempty"`
	DeepJob        bool      `json:"deep_job,omitempty"`
}

// LastUserMessage returns the content of the most recent user turn.
func (r *Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// HallucinationRisk grades how likely the planner considers an
// unsupported answer.
type HallucinationRisk string

const (
	RiskLow  HallucinationRisk = "low"
	RiskMed  HallucinationRisk = "med"
	RiskHigh HallucinationRisk = "high"
)

// Plan is the thinking layer's output. Immutable once produced.
type Plan struct {
	Intent            string            `json:"intent"`
	SuggestedTools    []string          `json:"suggested_tools"`
	NeedsMemory       bool              `json:"needs_memory"`
	NeedsChatHistory  bool              `json:"needs_chat_history"`
	NeedsContainer    bool              `json:"needs_container"`
	ContainerName     string            `json:"container_name,omitempty"`
	Complexity        int               `json:"complexity"`
	HallucinationRisk HallucinationRisk `json:"hallucination_risk"`
	Reasoning         string            `json:"reasoning"`
}

// DefaultPlan is the fail-safe plan used when the planner output cannot
// be parsed after one retry.
func DefaultPlan() *Plan {
	return &Plan{
		Complexity:        1,
		NeedsMemory:       false,
		NeedsChatHistory:  false,
		HallucinationRisk: RiskMed,
	}
}

// ControlAction is the verdict of the control layer or the skill authority.
type ControlAction string

const (
	ActionApprove  ControlAction = "approve"
	ActionWarn     ControlAction = "warn"
	ActionBlock    ControlAction = "block"
	ActionEscalate ControlAction = "escalate"
)

// ControlDecision is produced by the control layer or the skill authority.
// An absent, empty, or source-mismatched decision is equivalent to block.
type ControlDecision struct {
	Action        ControlAction `json:"action"`
	Passed        bool          `json:"passed"`
	Source        string        `json:"source"`
	PolicyVersion string        `json:"policy_version"`
	Reasons       []string      `json:"reasons,omitempty"`
}

// Permits reports whether the decision allows the guarded operation to
// proceed when issued by the expected authority.
func (d *ControlDecision) Permits(expectedSource string) bool {
	if d == nil {
		return false
	}
	if !d.Passed || d.Source != expectedSource {
		return false
	}
	return d.Action == ActionApprove || d.Action == ActionWarn
}

// ToolCallStatus tracks a single tool invocation outcome.
type ToolCallStatus string

const (
	ToolCallSuccess         ToolCallStatus = "success"
	ToolCallError           ToolCallStatus = "error"
	ToolCallPendingApproval ToolCallStatus = "pending_approval"
)

// ToolCall is one tool invocation with its outcome.
type ToolCall struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Status      ToolCallStatus `json:"status"`
	ContainerID string         `json:"container_id,omitempty"`
}

// Workspace entry sources. Entries are editable, events are read-only.
const (
	WorkspaceSourceEntry = "entry"
	WorkspaceSourceEvent = "event"
)

// EntryTypeApprovalRequested marks the workspace entry persisted when a
// skill-create request needs human package approval.
const EntryTypeApprovalRequested = "approval_requested"

// WorkspaceEntry is a persisted observation row. Owned by the memory
// component; the orchestrator writes, the UI reads.
type WorkspaceEntry struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	EntryType      string         `json:"entry_type"`
	SourceLayer    string         `json:"source_layer"`
	Content        map[string]any `json:"content,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Source         string         `json:"_source"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Editable reports whether the UI may modify this row.
func (e *WorkspaceEntry) Editable() bool {
	return e.Source == WorkspaceSourceEntry
}

// SkillCreateRequest asks the skill authority to create a new skill.
type SkillCreateRequest struct {
	Name              string           `json:"name"`
	Code              string           `json:"code"`
	Language          string           `json:"language"`
	RequestedPackages []string         `json:"requested_packages,omitempty"`
	ControlDecision   *ControlDecision `json:"control_decision,omitempty"`
}

// SkillStatus is the lifecycle state of a registered skill.
type SkillStatus string

const (
	SkillActive  SkillStatus = "active"
	SkillDraft   SkillStatus = "draft"
	SkillRevoked SkillStatus = "revoked"
)

// SkillRecord is the authoritative registry row for one skill.
// Unique by Key; the graph index holds only weak references.
type SkillRecord struct {
	Name    string      `json:"name"`
	Version int         `json:"version"`
	Status  SkillStatus `json:"status"`
	Key     string      `json:"key"`
}

// GraphCandidate is one graph-index row under hygiene consideration.
// Blueprints may appear in multiple revisions.
type GraphCandidate struct {
	BlueprintID string         `json:"blueprint_id"`
	Score       float64        `json:"score"`
	Meta        map[string]any `json:"meta,omitempty"`
	Content     string         `json:"content,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	NodeID      string         `json:"node_id"`
}

// EmbeddingRoutingDecision is the embedding router's verdict for one call.
// HardError true means the caller must fail rather than route anywhere.
type EmbeddingRoutingDecision struct {
	RequestedPolicy string `json:"requested_policy"`
	RequestedTarget string `json:"requested_target,omitempty"`
	EffectiveTarget string `json:"effective_target,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
	HardError       bool   `json:"hard_error"`
	ErrorCode       int    `json:"error_code,omitempty"`
}
