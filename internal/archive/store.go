// Package archive provides PostgreSQL-backed long-term storage for finished
// conversations. The live routing layer keeps only a bounded Redis log; the
// archiver consumes lifecycle events and builds one durable row per
// conversation, with the transcript accumulated as JSONB.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation statuses as stored in the chat_conversations table.
const (
	StatusQueued  = "queued"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusClosed  = "closed"
)

// Store manages archived conversations in PostgreSQL.
type Store struct {
	db *sql.DB
}

// TranscriptEntry is one message in the archived transcript.
type TranscriptEntry struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordRequested inserts a conversation row in the queued state. Replayed
// events are harmless: an existing row is left untouched.
func (s *Store) RecordRequested(ctx context.Context, sessionID, userName, department string, requestedAt time.Time) error {
	const query = `
		INSERT INTO chat_conversations (session_id, user_name, department, status, requested_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, sessionID, userName, department, StatusQueued, requestedAt)
	if err != nil {
		return fmt.Errorf("archive: insert conversation: %w", err)
	}
	return nil
}

// RecordAccepted marks a conversation as active.
func (s *Store) RecordAccepted(ctx context.Context, sessionID string, acceptedAt time.Time) error {
	const query = `
		UPDATE chat_conversations
		SET status = $2, accepted_at = $3
		WHERE session_id = $1`

	_, err := s.db.ExecContext(ctx, query, sessionID, StatusActive, acceptedAt)
	if err != nil {
		return fmt.Errorf("archive: mark accepted: %w", err)
	}
	return nil
}

// RecordExpired marks a conversation whose request was never accepted.
func (s *Store) RecordExpired(ctx context.Context, sessionID string, expiredAt time.Time) error {
	const query = `
		UPDATE chat_conversations
		SET status = $2, closed_at = $3
		WHERE session_id = $1 AND status = $4`

	_, err := s.db.ExecContext(ctx, query, sessionID, StatusExpired, expiredAt, StatusQueued)
	if err != nil {
		return fmt.Errorf("archive: mark expired: %w", err)
	}
	return nil
}

// RecordClosed marks a conversation whose last participant has left. A later
// reconnect reactivates nothing here; the row just keeps its final close time.
func (s *Store) RecordClosed(ctx context.Context, sessionID string, closedAt time.Time) error {
	const query = `
		UPDATE chat_conversations
		SET status = $2, closed_at = $3
		WHERE session_id = $1`

	_, err := s.db.ExecContext(ctx, query, sessionID, StatusClosed, closedAt)
	if err != nil {
		return fmt.Errorf("archive: mark closed: %w", err)
	}
	return nil
}

// AppendMessage appends one transcript entry to the conversation's JSONB
// message array.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	data, err := json.Marshal([]TranscriptEntry{entry})
	if err != nil {
		return fmt.Errorf("archive: marshal transcript entry: %w", err)
	}

	const query = `
		UPDATE chat_conversations
		SET messages = messages || $2::jsonb
		WHERE session_id = $1`

	_, err = s.db.ExecContext(ctx, query, sessionID, data)
	if err != nil {
		return fmt.Errorf("archive: append message: %w", err)
	}
	return nil
}

// Transcript returns the archived transcript for a conversation, in send
// order. Returns nil if the conversation is not archived.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	const query = `
		SELECT messages
		FROM chat_conversations
		WHERE session_id = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: load transcript: %w", err)
	}

	var transcript []TranscriptEntry
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("archive: decode transcript: %w", err)
	}
	return transcript, nil
}
