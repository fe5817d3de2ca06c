package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hausgeist/hausgeist/pkg/httpclient"
)

// Allowlist caches the package allowlist with a short TTL. Concurrent
// refreshes coalesce into a single fetch; a failed fetch yields an empty
// allowlist so every package classifies as non-allowlisted.
type Allowlist struct {
	url        string
	ttl        time.Duration
	httpClient *httpclient.Client
	group      singleflight.Group

	mu        sync.RWMutex
	packages  map[string]bool
	fetchedAt time.Time
}

type allowlistPayload struct {
	Packages []string `json:"packages"`
}

func NewAllowlist(url string, ttl time.Duration) *Allowlist {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Allowlist{
		url: url,
		ttl: ttl,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
		),
	}
}

// Get returns the current allowlist, refreshing when stale. Never errors:
// an unreachable allowlist is an empty one.
func (a *Allowlist) Get(ctx context.Context) map[string]bool {
	a.mu.RLock()
	if a.packages != nil && time.Since(a.fetchedAt) < a.ttl {
		cached := a.packages
		a.mu.RUnlock()
		return cached
	}
	a.mu.RUnlock()

	result, _, _ := a.group.Do("allowlist", func() (any, error) {
		packages, err := a.fetch(ctx)
		if err != nil {
			slog.Warn("Allowlist fetch failed, treating as empty", "url", a.url, "error", err)
			packages = map[string]bool{}
		}

		a.mu.Lock()
		a.packages = packages
		a.fetchedAt = time.Now()
		a.mu.Unlock()
		return packages, nil
	})
	return result.(map[string]bool)
}

func (a *Allowlist) fetch(ctx context.Context) (map[string]bool, error) {
	if a.url == "" {
		return nil, fmt.Errorf("allowlist url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create allowlist request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("allowlist request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("allowlist request failed with status %d", resp.StatusCode)
	}

	var payload allowlistPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid allowlist response: %w", err)
	}

	packages := make(map[string]bool, len(payload.Packages))
	for _, pkg := range payload.Packages {
		packages[pkg] = true
	}
	return packages, nil
}

// Invalidate forces the next Get to refetch.
func (a *Allowlist) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packages = nil
	a.fetchedAt = time.Time{}
}

// classifyPackages splits requested packages into allowlisted and
// missing. Order is preserved; duplicates collapse.
func classifyPackages(requested []string, allowlist map[string]bool) (allowed, missing []string) {
	seen := make(map[string]bool, len(requested))
	for _, pkg := range requested {
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		if allowlist[pkg] {
			allowed = append(allowed, pkg)
		} else {
			missing = append(missing, pkg)
		}
	}
	return allowed, missing
}
