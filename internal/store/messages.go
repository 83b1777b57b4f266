package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const messageColumns = `id, conversation_id, content, reasoning, timestamp, role, summary, chunks`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m         Message
		reasoning sql.NullString
		timestamp sql.NullString
		summary   sql.NullString
		chunks    sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &reasoning,
		&timestamp, &m.Role, &summary, &chunks)
	if err != nil {
		return nil, err
	}
	m.Reasoning = reasoning.String
	m.Timestamp = timestamp.String
	m.Summary = summary.String
	if chunks.Valid && chunks.String != "" {
		if err := json.Unmarshal([]byte(chunks.String), &m.Chunks); err != nil {
			return nil, fmt.Errorf("failed to decode chunk refs: %w", err)
		}
	}
	return &m, nil
}

func encodeChunks(refs []ChunkRef) (any, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk refs: %w", err)
	}
	return string(data), nil
}

// AddMessage appends a message to a conversation and returns it with the
// assigned id and timestamp.
func (s *Store) AddMessage(ctx context.Context, m *Message) (*Message, error) {
	chunks, err := encodeChunks(m.Chunks)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, content, reasoning, role, summary, chunks)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Content, nullableString(m.Reasoning), m.Role,
		nullableString(m.Summary), chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetLastMessages returns up to limit messages of a conversation in
// chronological order. A non-zero beforeID restricts the page to messages
// older than that id.
func (s *Store) GetLastMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE conversation_id = ? AND id < ?
			 ORDER BY id DESC LIMIT ?`,
			conversationID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE conversation_id = ?
			 ORDER BY id DESC LIMIT ?`,
			conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query walks newest-first; callers want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetLatestMessage returns the newest message of a conversation.
func (s *Store) GetLatestMessage(ctx context.Context, conversationID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`, conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}
	return m, nil
}

// UpdateMessage persists content, reasoning, summary and chunk refs.
func (s *Store) UpdateMessage(ctx context.Context, m *Message) error {
	chunks, err := encodeChunks(m.Chunks)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, reasoning = ?, summary = ?, chunks = ? WHERE id = ?`,
		m.Content, nullableString(m.Reasoning), nullableString(m.Summary), chunks, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversationMessages removes every message of a conversation.
func (s *Store) DeleteConversationMessages(ctx context.Context, conversationID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	return nil
}
