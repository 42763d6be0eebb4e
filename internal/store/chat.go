// ABOUTME: Chat session and turn persistence for the agent loop
// ABOUTME: Turns are replayed in insertion order to rebuild loop history on resume

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession creates a new chat session. Generates ID and timestamps if unset.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *ChatSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, title, system_prompt, agent_id, unread, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Title, sess.SystemPrompt, sess.AgentID, boolToInt(sess.Unread),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting chat session: %w", err)
	}

	s.logger.Debug("created chat session", "session_id", sess.ID, "title", sess.Title)
	return nil
}

const sessionColumns = `id, title, system_prompt, agent_id, unread, created_at, updated_at`

func scanSession(row rowScanner) (*ChatSession, error) {
	var sess ChatSession
	var unread int
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.Title, &sess.SystemPrompt, &sess.AgentID, &unread, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Unread = unread != 0

	var err error
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves a chat session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetSessionUnread flags (or clears) unseen output on a session.
func (s *SQLiteStore) SetSessionUnread(ctx context.Context, id string, unread bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET unread = ? WHERE id = ?`, boolToInt(unread), id)
	if err != nil {
		return fmt.Errorf("updating session unread flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists a turn and bumps the session's updated_at.
// Seq is filled in from the database.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	meta, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, meta, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting chat message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.SessionID); err != nil {
		return fmt.Errorf("touching chat session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chat message: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages returns every turn of a session in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, role, content, metadata_json, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var meta sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		if msg.Metadata, err = unmarshalMap("metadata_json", meta); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
