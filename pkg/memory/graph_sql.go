package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// SQLGraphStore implements GraphStore on SQLite. Tombstoned rows stay in
// the table for audit but never surface as candidates.
type SQLGraphStore struct {
	db *sql.DB
}

const createGraphSchemaSQL = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    node_id VARCHAR(255) PRIMARY KEY,
    blueprint_id VARCHAR(255) NOT NULL,
    score REAL NOT NULL DEFAULT 0,
    meta_json TEXT,
    content TEXT,
    updated_at TIMESTAMP NOT NULL,
    tombstoned INTEGER NOT NULL DEFAULT 0,
    tombstone_reason TEXT
)`

const createGraphIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_graph_blueprint
ON graph_nodes(blueprint_id, updated_at)`

// NewSQLGraphStore opens (or creates) the graph index database at path.
func NewSQLGraphStore(path string) (*SQLGraphStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}

	s := &SQLGraphStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return s, nil
}

func (s *SQLGraphStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createGraphSchemaSQL, createGraphIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLGraphStore) Close() error {
	return s.db.Close()
}

// ListCandidates returns all live (non-tombstoned) graph rows.
func (s *SQLGraphStore) ListCandidates(ctx context.Context) ([]*protocol.GraphCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, blueprint_id, score, meta_json, content, updated_at
         FROM graph_nodes WHERE tombstoned = 0
         ORDER BY blueprint_id, updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*protocol.GraphCandidate
	for rows.Next() {
		var c protocol.GraphCandidate
		var metaJSON, content sql.NullString
		if err := rows.Scan(&c.NodeID, &c.BlueprintID, &c.Score, &metaJSON, &content, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan graph candidate: %w", err)
		}
		c.Content = content.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &c.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal candidate meta: %w", err)
			}
		}
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

// UpsertNode writes one candidate by node id, clearing any earlier
// tombstone so re-created blueprints become visible again.
func (s *SQLGraphStore) UpsertNode(ctx context.Context, candidate *protocol.GraphCandidate) error {
	if candidate == nil {
		return fmt.Errorf("candidate is nil")
	}
	if candidate.NodeID == "" || candidate.BlueprintID == "" {
		return fmt.Errorf("candidate requires node_id and blueprint_id")
	}

	updatedAt := candidate.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	metaJSON, err := marshalMap(candidate.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_nodes (node_id, blueprint_id, score, meta_json, content, updated_at, tombstoned, tombstone_reason)
         VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
         ON CONFLICT(node_id) DO UPDATE SET
             blueprint_id = excluded.blueprint_id,
             score = excluded.score,
             meta_json = excluded.meta_json,
             content = excluded.content,
             updated_at = excluded.updated_at,
             tombstoned = 0,
             tombstone_reason = NULL`,
		candidate.NodeID, candidate.BlueprintID, candidate.Score, metaJSON, candidate.Content, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert graph node: %w", err)
	}
	return nil
}

// RemoveNode deletes one row outright.
func (s *SQLGraphStore) RemoveNode(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to remove graph node: %w", err)
	}
	return nil
}

// TombstoneNode hides a row from candidate listings while keeping it for
// audit.
func (s *SQLGraphStore) TombstoneNode(ctx context.Context, nodeID string, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE graph_nodes SET tombstoned = 1, tombstone_reason = ? WHERE node_id = ?`,
		reason, nodeID)
	if err != nil {
		return fmt.Errorf("failed to tombstone graph node: %w", err)
	}
	return nil
}
