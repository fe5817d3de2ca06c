package skills

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Renderer exposes the installed skill catalog to the context engine.
// It is the only path skill descriptions take into a prompt.
type Renderer struct {
	registry *Registry

	mu       sync.Mutex
	hints    []string
	hintedAt time.Time
}

const hintTTL = 10 * time.Minute

func NewRenderer(registry *Registry) *Renderer {
	return &Renderer{registry: registry}
}

// RenderTypedState renders the active skill catalog as a prompt section.
// An empty registry renders nothing.
func (r *Renderer) RenderTypedState(ctx context.Context) (string, error) {
	records, err := r.registry.List(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## SKILLS")
	for _, record := range records {
		fmt.Fprintf(&sb, "\n- %s v%d", record.Name, record.Version)
		if record.Status != protocol.SkillActive {
			fmt.Fprintf(&sb, " (%s)", record.Status)
		}
	}
	return sb.String(), nil
}

// Hints returns recent follow-up hints (pending approvals, new skills).
// Hints expire after a few minutes; they are nudges, not state.
func (r *Renderer) Hints(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.hintedAt) > hintTTL {
		r.hints = nil
	}
	return append([]string(nil), r.hints...)
}

// AddHint records a follow-up hint for the next few context builds.
func (r *Renderer) AddHint(hint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.hintedAt) > hintTTL {
		r.hints = nil
	}
	r.hints = append(r.hints, hint)
	r.hintedAt = time.Now()
}
