// Package skills holds the single control authority for skill creation:
// package policy, safety validation, the authoritative registry file and
// the executor that owns all side effects. The graph index only ever
// receives weak, best-effort updates from here.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Registry is the authoritative truth store for installed skills, backed
// by a single installed.json file. Writes are atomic; readers tolerate
// one old version during the rename.
type Registry struct {
	path string

	mu sync.Mutex
}

type registryFile struct {
	Skills []*protocol.SkillRecord `json:"skills"`
}

func NewRegistry(home string) *Registry {
	return &Registry{path: filepath.Join(home, "installed.json")}
}

// Load reads all records. A missing file is an empty registry.
func (r *Registry) Load() ([]*protocol.SkillRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read skill registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse skill registry: %w", err)
	}
	return file.Skills, nil
}

// Install adds or replaces one record. Dedupe keeps exactly one latest
// non-revoked record per key: an existing record with the same key is
// superseded, its version carried forward.
func (r *Registry) Install(ctx context.Context, record *protocol.SkillRecord) (*protocol.SkillRecord, error) {
	if record == nil || record.Name == "" || record.Key == "" {
		return nil, fmt.Errorf("skill record requires name and key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.Load()
	if err != nil {
		return nil, err
	}

	version := 1
	kept := records[:0:0]
	for _, existing := range records {
		if existing.Key == record.Key && existing.Status != protocol.SkillRevoked {
			if existing.Version >= version {
				version = existing.Version + 1
			}
			continue
		}
		kept = append(kept, existing)
	}

	installed := &protocol.SkillRecord{
		Name:    record.Name,
		Version: version,
		Status:  record.Status,
		Key:     record.Key,
	}
	if installed.Status == "" {
		installed.Status = protocol.SkillActive
	}
	kept = append(kept, installed)

	if err := r.save(kept); err != nil {
		return nil, err
	}
	return installed, nil
}

// Revoke marks every non-revoked record of the named skill revoked and
// returns the keys it touched.
func (r *Registry) Revoke(ctx context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.Load()
	if err != nil {
		return nil, err
	}

	var revoked []string
	for _, record := range records {
		if record.Name == name && record.Status != protocol.SkillRevoked {
			record.Status = protocol.SkillRevoked
			revoked = append(revoked, record.Key)
		}
	}
	if len(revoked) == 0 {
		return nil, fmt.Errorf("skill %s not found", name)
	}

	if err := r.save(records); err != nil {
		return nil, err
	}
	return revoked, nil
}

// Get returns the latest non-revoked record for one skill name.
func (r *Registry) Get(ctx context.Context, name string) (*protocol.SkillRecord, error) {
	records, err := r.Load()
	if err != nil {
		return nil, err
	}

	var best *protocol.SkillRecord
	for _, record := range records {
		if record.Name != name || record.Status == protocol.SkillRevoked {
			continue
		}
		if best == nil || record.Version > best.Version {
			best = record
		}
	}
	if best == nil {
		return nil, fmt.Errorf("skill %s not found", name)
	}
	return best, nil
}

// List returns all non-revoked records sorted by name.
func (r *Registry) List(ctx context.Context) ([]*protocol.SkillRecord, error) {
	records, err := r.Load()
	if err != nil {
		return nil, err
	}

	var out []*protocol.SkillRecord
	for _, record := range records {
		if record.Status != protocol.SkillRevoked {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ActiveBlueprintIDs exposes the active set for graph hygiene. Blueprint
// ids are skill keys.
func (r *Registry) ActiveBlueprintIDs(ctx context.Context) (map[string]bool, error) {
	records, err := r.Load()
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Status == protocol.SkillActive {
			active[record.Key] = true
		}
	}
	return active, nil
}

// save writes the registry atomically: temp file, fsync, rename.
func (r *Registry) save(records []*protocol.SkillRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := json.MarshalIndent(registryFile{Skills: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode skill registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".installed-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace skill registry: %w", err)
	}

	slog.Debug("Skill registry saved", "path", r.path, "records", len(records))
	return nil
}

// WriteCode persists the skill source next to the registry, same temp +
// fsync + rename discipline as the registry file.
func (r *Registry) WriteCode(name, language, code string) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create skill directory: %w", err)
	}

	path := filepath.Join(dir, name+codeExtension(language))
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp code file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp code file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp code file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp code file: %w", err)
	}
	return os.Rename(tmpName, path)
}

func codeExtension(language string) string {
	switch language {
	case "python":
		return ".py"
	case "javascript":
		return ".js"
	default:
		return ".txt"
	}
}
