// Package store persists chat sessions, their message history, and upload
// records in SQLite. The knowledge graph itself lives in Neo4j; this store
// only carries the conversational state around it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultTitle is the title of a freshly created session.
const DefaultTitle = "New Chat"

// Session is one isolated conversation with its own knowledge graph.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Source cites one piece of context behind an answer: an entity, a
// relationship, or a document chunk. Only the fields for its Type are set.
type Source struct {
	Type             string `json:"type,omitempty"`
	Name             string `json:"name,omitempty"`
	EntityType       string `json:"entity_type,omitempty"`
	RelationshipType string `json:"relationship_type,omitempty"`
	SourceFile       string `json:"source_file,omitempty"`
	Page             int    `json:"page,omitempty"`
	Language         string `json:"language,omitempty"`
}

// Message is one turn in a session. The message log is append-only: rows
// are never updated, only written and eventually deleted with the session.
type Message struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Sources   []Source `json:"sources,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Upload records one ingested file.
type Upload struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// Store wraps the SQLite database for all session persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and applies
// the schema. The path may already carry DSN parameters after a "?"; the
// WAL and busy-timeout settings are appended either way.
func New(dbPath string) (*Store, error) {
	path, sep := dbPath, "?"
	if i := strings.Index(dbPath, "?"); i >= 0 {
		path, sep = dbPath[:i], "&"
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+sep+"_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- Session operations ---

// CreateSession creates a new empty session. An empty title gets the
// default.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by most recent activity first, with
// offset pagination.
func (s *Store) ListSessions(ctx context.Context, skip, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RenameSession updates a session's title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, now(), id)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchSession bumps a session's updated_at so it sorts first in listings.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE id = ?
	`, now(), id)
	return err
}

// DeleteSession removes the session and, via cascade, all of its messages
// and uploads. Returns ErrNotFound if the session does not exist.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	defer tx.Rollback()

	// Explicit deletes rather than relying on the cascade, so the whole
	// removal is one transaction regardless of pragma state.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session uploads: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session row: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// --- Message operations ---

// AppendMessage adds one message to a session's history and bumps the
// session's activity timestamp.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string, sources []Source) (*Message, error) {
	if sources == nil {
		sources = []Source{}
	}
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encoding sources: %w", err)
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sources:   sources,
		CreatedAt: now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, string(srcJSON), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	if err := s.TouchSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}
	return msg, nil
}

// History returns the most recent limit messages of a session in
// chronological order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sources, created_at FROM (
			SELECT id, session_id, role, content, sources, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var srcJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &srcJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(srcJSON), &msg.Sources); err != nil {
			msg.Sources = nil
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns how many messages a session holds.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_id = ?
	`, sessionID).Scan(&n)
	return n, err
}

// --- Upload operations ---

// RecordUpload stores an upload record. Re-uploading the same file name in
// the same session refreshes the existing row instead of duplicating it.
func (s *Store) RecordUpload(ctx context.Context, sessionID, fileName string, sizeBytes int64) (*Upload, error) {
	up := &Upload{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FileName:  fileName,
		SizeBytes: sizeBytes,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, session_id, file_name, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, file_name) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at
	`, up.ID, up.SessionID, up.FileName, up.SizeBytes, up.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	if err := s.TouchSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}
	return up, nil
}

// ListUploads returns the session's uploads, most recent first.
func (s *Store) ListUploads(ctx context.Context, sessionID string) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, file_name, size_bytes, created_at
		FROM uploads WHERE session_id = ?
		ORDER BY created_at DESC, file_name
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	uploads := []Upload{}
	for rows.Next() {
		var up Upload
		if err := rows.Scan(&up.ID, &up.SessionID, &up.FileName, &up.SizeBytes, &up.CreatedAt); err != nil {
			return nil, err
		}
		uploads = append(uploads, up)
	}
	return uploads, rows.Err()
}
