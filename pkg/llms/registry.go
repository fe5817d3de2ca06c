package llms

import (
	"context"
	"fmt"

	"github.com/hausgeist/hausgeist/pkg/config"
	"github.com/hausgeist/hausgeist/pkg/protocol"
	"github.com/hausgeist/hausgeist/pkg/registry"
)

// Model roles. The pipeline picks a role per stage: the small model
// re-ranks tool candidates and drives compact-context turns, the code
// model takes over when the output stage detects a code task.
const (
	RoleMain  = "main"
	RoleSmall = "small"
	RoleCode  = "code"
)

// Provider is a chat completion backend bound to one model.
type Provider interface {
	Generate(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (text string, toolCalls []*protocol.ToolCall, tokens int, err error)
	GenerateStreaming(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (<-chan StreamChunk, error)
	GenerateStructured(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, structCfg *StructuredOutputConfig) (text string, toolCalls []*protocol.ToolCall, tokens int, err error)
	ModelName() string
	Close() error
}

// Registry holds providers keyed by role.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// NewRegistryFromConfig builds providers for all three roles. Roles with
// no dedicated model configured share the main model's provider.
func NewRegistryFromConfig(cfg *config.LLMConfig) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("LLM config is required")
	}

	r := NewRegistry()

	main, err := NewOllamaProvider(cfg, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create main provider: %w", err)
	}
	if err := r.Register(RoleMain, main); err != nil {
		return nil, err
	}

	small := Provider(main)
	if cfg.SmallModel != "" && cfg.SmallModel != cfg.Model {
		small, err = NewOllamaProvider(cfg, cfg.SmallModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create small provider: %w", err)
		}
	}
	if err := r.Register(RoleSmall, small); err != nil {
		return nil, err
	}

	code := Provider(main)
	if cfg.CodeModel != "" && cfg.CodeModel != cfg.Model {
		code, err = NewOllamaProvider(cfg, cfg.CodeModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create code provider: %w", err)
		}
	}
	if err := r.Register(RoleCode, code); err != nil {
		return nil, err
	}

	return r, nil
}

// ForRole returns the provider for a role, falling back to main.
func (r *Registry) ForRole(role string) (Provider, error) {
	if p, ok := r.Get(role); ok {
		return p, nil
	}
	if p, ok := r.Get(RoleMain); ok {
		return p, nil
	}
	return nil, fmt.Errorf("no LLM provider registered for role %q", role)
}
