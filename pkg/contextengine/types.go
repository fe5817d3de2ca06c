// Package contextengine assembles the effective prompt context for one
// request. BuildEffectiveContext is the only place in the system where
// prompt context is composed from multiple sources.
package contextengine

import (
	"time"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Input carries everything one build needs. SelectedTools comes from the
// tool selector when the orchestrator runs it before the build; an empty
// slice just omits the tools section.
type Input struct {
	Request       *protocol.Request
	Trigger       protocol.Trigger
	Mode          protocol.ContextMode
	SelectedTools []ToolSummary
}

// ToolSummary is the catalog line rendered for one selected tool.
type ToolSummary struct {
	Name        string
	Description string
}

// Flags are the observability booleans on a build trace.
type Flags struct {
	SkillsPrefetchUsed    bool `json:"skills_prefetch_used"`
	DetectionRulesUsed    bool `json:"detection_rules_used"`
	OutputReinjectionRisk bool `json:"output_reinjection_risk"`
	Truncated             bool `json:"truncated"`
}

// Trace describes what one build actually did. Immutable once returned.
type Trace struct {
	Mode              protocol.ContextMode `json:"mode"`
	ContextSources    []string             `json:"context_sources"`
	ContextCharsFinal int                  `json:"context_chars_final"`
	RetrievalCount    int                  `json:"retrieval_count"`
	Flags             Flags                `json:"flags"`
}

// item is the internal unit the dedupe/correlate/select operations work
// on, regardless of which source produced it.
type item struct {
	ID             string
	ConvID         string
	EventType      string
	Content        string
	Score          float64
	CreatedAt      time.Time
	SourceEventIDs []string
}
