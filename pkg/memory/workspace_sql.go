package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// SQLWorkspaceStore implements WorkspaceStore on SQLite. Concurrency is
// handled by database-level locking; WAL mode keeps readers off the
// writer's back.
type SQLWorkspaceStore struct {
	db *sql.DB
}

const createWorkspaceSchemaSQL = `
CREATE TABLE IF NOT EXISTS workspace_entries (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    entry_type VARCHAR(100) NOT NULL,
    source_layer VARCHAR(100),
    content_json TEXT,
    event_data_json TEXT,
    source VARCHAR(10) NOT NULL,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createWorkspaceIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_workspace_conversation
ON workspace_entries(conversation_id, sequence_num)`

const createWorkspaceCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_workspace_created_at
ON workspace_entries(source, created_at)`

// NewSQLWorkspaceStore opens (or creates) the workspace database at path.
func NewSQLWorkspaceStore(path string) (*SQLWorkspaceStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace database: %w", err)
	}

	s := &SQLWorkspaceStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize workspace schema: %w", err)
	}
	return s, nil
}

func (s *SQLWorkspaceStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createWorkspaceSchemaSQL,
		createWorkspaceIndexSQL,
		createWorkspaceCreatedAtIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLWorkspaceStore) Close() error {
	return s.db.Close()
}

// Append persists one entry. Per-conversation sequence numbers are
// assigned inside the transaction; created_at never moves backwards
// within a conversation even when the wall clock does.
func (s *SQLWorkspaceStore) Append(ctx context.Context, entry *protocol.WorkspaceEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if entry.Source != protocol.WorkspaceSourceEntry && entry.Source != protocol.WorkspaceSourceEvent {
		return fmt.Errorf("invalid source %q", entry.Source)
	}
	if err := validateApprovalEntry(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seqNum int
	var lastCreatedAtRaw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_num), 0) + 1, MAX(created_at)
         FROM workspace_entries WHERE conversation_id = ?`,
		entry.ConversationID).Scan(&seqNum, &lastCreatedAtRaw)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	// MAX() strips the column's declared type, so the sqlite driver hands
	// back the stored text instead of a time.Time; parse it ourselves.
	var lastCreatedAt sql.NullTime
	if lastCreatedAtRaw.Valid {
		for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", time.RFC3339Nano} {
			if t, perr := time.Parse(layout, lastCreatedAtRaw.String); perr == nil {
				lastCreatedAt = sql.NullTime{Time: t, Valid: true}
				break
			}
		}
		if !lastCreatedAt.Valid {
			return fmt.Errorf("failed to get sequence number: unparseable created_at %q", lastCreatedAtRaw.String)
		}
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if lastCreatedAt.Valid && entry.CreatedAt.Before(lastCreatedAt.Time) {
		entry.CreatedAt = lastCreatedAt.Time
	}

	contentJSON, err := marshalMap(entry.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	eventDataJSON, err := marshalMap(entry.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workspace_entries
         (id, conversation_id, entry_type, source_layer, content_json, event_data_json, source, sequence_num, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, entry.EntryType, entry.SourceLayer,
		contentJSON, eventDataJSON, entry.Source, seqNum, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workspace entry: %w", err)
	}

	return tx.Commit()
}

// validateApprovalEntry enforces the shape of approval_requested rows:
// their content always names the skill and the packages awaiting review.
func validateApprovalEntry(entry *protocol.WorkspaceEntry) error {
	if entry.EntryType != protocol.EntryTypeApprovalRequested {
		return nil
	}
	if entry.Content == nil {
		return fmt.Errorf("approval_requested entry requires content")
	}
	if name, ok := entry.Content["skill_name"].(string); !ok || name == "" {
		return fmt.Errorf("approval_requested entry requires content.skill_name")
	}
	if _, ok := entry.Content["missing_packages"]; !ok {
		return fmt.Errorf("approval_requested entry requires content.missing_packages")
	}
	return nil
}

// List returns entries for one conversation in append order. A positive
// limit returns the most recent N, still in chronological order.
func (s *SQLWorkspaceStore) List(ctx context.Context, conversationID string, limit int) ([]*protocol.WorkspaceEntry, error) {
	var query string
	var args []any

	cols := `id, conversation_id, entry_type, source_layer, content_json, event_data_json, source, created_at`
	if limit > 0 {
		query = `SELECT ` + cols + ` FROM (
            SELECT ` + cols + `, sequence_num FROM workspace_entries
            WHERE conversation_id = ?
            ORDER BY sequence_num DESC LIMIT ?
        ) sub ORDER BY sequence_num ASC`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + cols + ` FROM workspace_entries
            WHERE conversation_id = ? ORDER BY sequence_num ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Update modifies the content of an editable entry. Event rows are
// read-only and reject updates.
func (s *SQLWorkspaceStore) Update(ctx context.Context, id string, content map[string]any) error {
	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !entry.Editable() {
		return fmt.Errorf("workspace entry %s is read-only", id)
	}

	contentJSON, err := marshalMap(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workspace_entries SET content_json = ? WHERE id = ?`, contentJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update workspace entry: %w", err)
	}
	return nil
}

// Delete removes an editable entry. Event rows reject deletion.
func (s *SQLWorkspaceStore) Delete(ctx context.Context, id string) error {
	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !entry.Editable() {
		return fmt.Errorf("workspace entry %s is read-only", id)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM workspace_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace entry: %w", err)
	}
	return nil
}

// ListEvents returns the most recent event rows across all conversations,
// newest first.
func (s *SQLWorkspaceStore) ListEvents(ctx context.Context, limit int) ([]*protocol.WorkspaceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, entry_type, source_layer, content_json, event_data_json, source, created_at
         FROM workspace_entries WHERE source = ?
         ORDER BY created_at DESC LIMIT ?`,
		protocol.WorkspaceSourceEvent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace events: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *SQLWorkspaceStore) get(ctx context.Context, id string) (*protocol.WorkspaceEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, entry_type, source_layer, content_json, event_data_json, source, created_at
         FROM workspace_entries WHERE id = ?`, id)

	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace entry: %w", err)
	}
	return entry, nil
}

func scanEntries(rows *sql.Rows) ([]*protocol.WorkspaceEntry, error) {
	var entries []*protocol.WorkspaceEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(scan func(...any) error) (*protocol.WorkspaceEntry, error) {
	var entry protocol.WorkspaceEntry
	var sourceLayer sql.NullString
	var contentJSON, eventDataJSON sql.NullString

	if err := scan(&entry.ID, &entry.ConversationID, &entry.EntryType, &sourceLayer,
		&contentJSON, &eventDataJSON, &entry.Source, &entry.CreatedAt); err != nil {
		return nil, err
	}

	entry.SourceLayer = sourceLayer.String
	if contentJSON.Valid && contentJSON.String != "" {
		if err := json.Unmarshal([]byte(contentJSON.String), &entry.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content: %w", err)
		}
	}
	if eventDataJSON.Valid && eventDataJSON.String != "" {
		if err := json.Unmarshal([]byte(eventDataJSON.String), &entry.EventData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	return &entry, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
