package memory

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// PersonaLoader reads the persona document that seeds the NOW block.
// The file is small and rarely changes, so it is cached with a short TTL
// instead of a watcher. A missing file is not an error; the context
// builder degrades to its minimal NOW block.
type PersonaLoader struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	cached   string
	loadedAt time.Time
}

func NewPersonaLoader(path string) *PersonaLoader {
	return &PersonaLoader{path: path, ttl: 30 * time.Second}
}

// Load returns the persona text, or "" when no persona is configured or
// readable.
func (p *PersonaLoader) Load() string {
	if p.path == "" {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loadedAt.IsZero() && time.Since(p.loadedAt) < p.ttl {
		return p.cached
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read persona file", "path", p.path, "error", err)
		}
		p.cached = ""
	} else {
		p.cached = strings.TrimSpace(string(data))
	}
	p.loadedAt = time.Now()
	return p.cached
}
