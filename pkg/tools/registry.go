// Package tools holds the catalog of callable tools exposed by external
// tool servers, routes single invocations to their server, and narrows
// the catalog per request before the pipeline sees it.
package tools

import (
	"fmt"

	"github.com/hausgeist/hausgeist/pkg/llms"
	"github.com/hausgeist/hausgeist/pkg/registry"
)

// Tool describes one callable tool. The catalog is dynamic; dispatch is
// always by exact name, semantic selection only narrows the candidate set.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ArgsSchema  map[string]any `json:"args_schema,omitempty"`
	ServerAddr  string         `json:"server_addr"`
}

// Registry is the tool catalog.
type Registry struct {
	*registry.BaseRegistry[*Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Tool]()}
}

// RegisterTool validates and adds a tool descriptor. Re-registering a
// name replaces the previous descriptor; tool servers re-announce on
// reconnect.
func (r *Registry) RegisterTool(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.ServerAddr == "" {
		return fmt.Errorf("tool %q has no server address", tool.Name)
	}
	r.Replace(tool.Name, tool)
	return nil
}

// Definitions renders tools into the model-facing tool-calling schema.
// With no names given the full catalog is returned, in name order.
func (r *Registry) Definitions(names ...string) []llms.ToolDefinition {
	var selected []*Tool
	if len(names) == 0 {
		selected = r.List()
	} else {
		for _, name := range names {
			if tool, ok := r.Get(name); ok {
				selected = append(selected, tool)
			}
		}
	}

	defs := make([]llms.ToolDefinition, 0, len(selected))
	for _, tool := range selected {
		params := tool.ArgsSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return defs
}
