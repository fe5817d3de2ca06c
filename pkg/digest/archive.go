package digest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hausgeist/hausgeist/pkg/memory"
)

// Document is one written digest.
type Document struct {
	Key        string         `json:"key"`
	Action     string         `json:"action"`
	Period     string         `json:"period"`
	Content    string         `json:"content"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Archive persists digests and answers the idempotency question. The
// digest key always travels in parameters so exists() recognizes rows
// written by older versions too.
type Archive interface {
	Exists(ctx context.Context, key string) (bool, error)
	Write(ctx context.Context, doc *Document) error
	CountByPeriod(ctx context.Context, action, fromPeriod, toPeriod string) (int, error)
	ListByPeriod(ctx context.Context, action, fromPeriod, toPeriod string) ([]*Document, error)
	Close() error
}

// SQLArchive stores digests in SQLite. An optional fact store receives
// each digest for semantic retrieval; embedding failures never fail the
// write.
type SQLArchive struct {
	db    *sql.DB
	facts memory.FactStore
}

const createArchiveSchemaSQL = `
CREATE TABLE IF NOT EXISTS digests (
    digest_key VARCHAR(64) PRIMARY KEY,
    action VARCHAR(20) NOT NULL,
    period VARCHAR(30) NOT NULL,
    content TEXT NOT NULL,
    parameters_json TEXT,
    created_at TIMESTAMP NOT NULL
)`

const createArchiveIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_digests_action_period
ON digests(action, period)`

// NewSQLArchive opens (or creates) the digest archive at path. facts may
// be nil.
func NewSQLArchive(path string, facts memory.FactStore) (*SQLArchive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open digest archive: %w", err)
	}

	a := &SQLArchive{db: db, facts: facts}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createArchiveSchemaSQL, createArchiveIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
		}
	}
	return a, nil
}

func (a *SQLArchive) Close() error {
	return a.db.Close()
}

// Exists reports whether a digest with this key was already written.
func (a *SQLArchive) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx,
		`SELECT 1 FROM digests WHERE digest_key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check digest existence: %w", err)
	}
	return true, nil
}

// Write persists one digest. The key is stored both as the primary key
// and inside parameters.digest_key.
func (a *SQLArchive) Write(ctx context.Context, doc *Document) error {
	if doc == nil || doc.Key == "" {
		return fmt.Errorf("digest document requires a key")
	}

	if doc.Parameters == nil {
		doc.Parameters = map[string]any{}
	}
	doc.Parameters["digest_key"] = doc.Key
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	paramsJSON, err := json.Marshal(doc.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode digest parameters: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO digests (digest_key, action, period, content, parameters_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		doc.Key, doc.Action, doc.Period, doc.Content, string(paramsJSON), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write digest: %w", err)
	}

	if a.facts != nil {
		fact := memory.Fact{
			ID:      "digest-" + doc.Key,
			Content: doc.Content,
			Meta: map[string]string{
				"digest_key": doc.Key,
				"action":     doc.Action,
				"period":     doc.Period,
			},
			CreatedAt: doc.CreatedAt,
		}
		if err := a.facts.Add(ctx, fact); err != nil {
			slog.Warn("Digest fact indexing failed, archive row kept", "key", doc.Key, "error", err)
		}
	}
	return nil
}

// CountByPeriod counts digests of one action whose covered period falls
// in [fromPeriod, toPeriod]. Periods are ISO dates, so string order is
// date order.
func (a *SQLArchive) CountByPeriod(ctx context.Context, action, fromPeriod, toPeriod string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM digests WHERE action = ? AND period >= ? AND period <= ?`,
		action, fromPeriod, toPeriod).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count digests: %w", err)
	}
	return count, nil
}

// ListByPeriod returns digests of one action covering [fromPeriod,
// toPeriod] in period order.
func (a *SQLArchive) ListByPeriod(ctx context.Context, action, fromPeriod, toPeriod string) ([]*Document, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT digest_key, action, period, content, parameters_json, created_at
         FROM digests WHERE action = ? AND period >= ? AND period <= ?
         ORDER BY period`,
		action, fromPeriod, toPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to list digests: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var doc Document
		var paramsJSON sql.NullString
		if err := rows.Scan(&doc.Key, &doc.Action, &doc.Period, &doc.Content, &paramsJSON, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan digest: %w", err)
		}
		if paramsJSON.Valid && paramsJSON.String != "" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &doc.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode digest parameters: %w", err)
			}
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}
