package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationColumns = `id, name, parent_id, type, ordr, preset_id,
	max_messages, embedding_provider, embedding_model, rag_chunk_size,
	rag_chunks_count, summary_enabled, summary_model, summary_provider,
	provider, model, prompt`

func scanConversation(row interface{ Scan(...any) error }) (*ConversationNode, error) {
	var (
		n              ConversationNode
		parentID       sql.NullInt64
		presetID       sql.NullInt64
		maxMessages    sql.NullInt64
		embedProvider  sql.NullInt64
		embedModel     sql.NullString
		chunkSize      sql.NullInt64
		chunksCount    sql.NullInt64
		summaryModel   sql.NullString
		summaryProv    sql.NullInt64
		providerID     sql.NullInt64
		model          sql.NullString
		prompt         sql.NullString
		summaryEnabled int
	)

	err := row.Scan(&n.ID, &n.Name, &parentID, &n.Type, &n.Order, &presetID,
		&maxMessages, &embedProvider, &embedModel, &chunkSize,
		&chunksCount, &summaryEnabled, &summaryModel, &summaryProv,
		&providerID, &model, &prompt)
	if err != nil {
		return nil, err
	}

	n.ParentID = parentID.Int64
	n.PresetID = presetID.Int64
	n.MaxMessages = int(maxMessages.Int64)
	n.EmbeddingProvider = embedProvider.Int64
	n.EmbeddingModel = embedModel.String
	n.RagChunkSize = int(chunkSize.Int64)
	n.RagChunksCount = int(chunksCount.Int64)
	n.SummaryEnabled = summaryEnabled != 0
	n.SummaryModel = summaryModel.String
	n.SummaryProvider = summaryProv.Int64
	n.ProviderID = providerID.Int64
	n.Model = model.String
	n.Prompt = prompt.String

	if n.MaxMessages <= 0 {
		n.MaxMessages = DefaultMaxMessages
	}
	if n.RagChunkSize <= 0 {
		n.RagChunkSize = DefaultRagChunkSize
	}
	if n.RagChunksCount <= 0 {
		n.RagChunksCount = DefaultRagChunksCount
	}
	return &n, nil
}

// nullableID maps the zero id to NULL so root nodes and unset references
// store as NULL rather than a dangling 0.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AddConversation inserts a node as the first child of its parent. Existing
// siblings shift down one position so the new node lands at order zero.
func (s *Store) AddConversation(ctx context.Context, name string, parentID int64, typ NodeType) (*ConversationNode, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if parentID == 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE conversations SET ordr = ordr + 1 WHERE parent_id IS NULL`)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE conversations SET ordr = ordr + 1 WHERE parent_id = ?`, parentID)
		}
		if err != nil {
			return fmt.Errorf("failed to shift siblings: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (name, parent_id, type, ordr) VALUES (?, ?, ?, 0)`,
			name, nullableID(parentID), typ)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get conversation id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns a single node by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*ConversationNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	n, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return n, nil
}

// GetChildren returns the children of parentID ordered by position. A zero
// parentID selects the root level.
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]*ConversationNode, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE parent_id IS NULL ORDER BY ordr`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE parent_id = ? ORDER BY ordr`, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var nodes []*ConversationNode
	for rows.Next() {
		n, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// MoveConversation reparents a node and places it at newIndex among the new
// parent's children. Both the old and new sibling lists end up dense.
func (s *Store) MoveConversation(ctx context.Context, id, newParentID int64, newIndex int) error {
	node, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	oldParentID := node.ParentID

	if err := s.normalizeOrder(ctx, newParentID); err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if newParentID == 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE conversations SET ordr = ordr + 1 WHERE parent_id IS NULL AND ordr >= ?`, newIndex)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE conversations SET ordr = ordr + 1 WHERE parent_id = ? AND ordr >= ?`, newParentID, newIndex)
		}
		if err != nil {
			return fmt.Errorf("failed to open slot: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET parent_id = ?, ordr = ? WHERE id = ?`,
			nullableID(newParentID), newIndex, id)
		if err != nil {
			return fmt.Errorf("failed to move conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.normalizeOrder(ctx, newParentID); err != nil {
		return err
	}
	if oldParentID != newParentID {
		if err := s.normalizeOrder(ctx, oldParentID); err != nil {
			return err
		}
	}
	return nil
}

// normalizeOrder rewrites the ordr column of a sibling list to a dense
// 0..N-1 sequence preserving relative order.
func (s *Store) normalizeOrder(ctx context.Context, parentID int64) error {
	children, err := s.GetChildren(ctx, parentID)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, child := range children {
			if child.Order == i {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET ordr = ? WHERE id = ?`, i, child.ID); err != nil {
				return fmt.Errorf("failed to normalize order: %w", err)
			}
		}
		return nil
	})
}

// UpdateConversation persists every mutable field of a node.
func (s *Store) UpdateConversation(ctx context.Context, n *ConversationNode) error {
	summaryEnabled := 0
	if n.SummaryEnabled {
		summaryEnabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET name = ?, preset_id = ?, max_messages = ?,
			embedding_provider = ?, embedding_model = ?, rag_chunk_size = ?,
			rag_chunks_count = ?, summary_enabled = ?, summary_model = ?,
			summary_provider = ?, provider = ?, model = ?, prompt = ?
		WHERE id = ?`,
		n.Name, nullableID(n.PresetID), n.MaxMessages,
		nullableID(n.EmbeddingProvider), nullableString(n.EmbeddingModel), n.RagChunkSize,
		n.RagChunksCount, summaryEnabled, nullableString(n.SummaryModel),
		nullableID(n.SummaryProvider), nullableID(n.ProviderID), nullableString(n.Model),
		nullableString(n.Prompt), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
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

// SetConversationPreset attaches or detaches (presetID 0) a preset.
func (s *Store) SetConversationPreset(ctx context.Context, id, presetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET preset_id = ? WHERE id = ?`, nullableID(presetID), id)
	if err != nil {
		return fmt.Errorf("failed to set conversation preset: %w", err)
	}
	return nil
}

// DeleteConversation removes a single node row. Subtree and message cleanup
// is the caller's responsibility.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	node, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return s.normalizeOrder(ctx, node.ParentID)
}
