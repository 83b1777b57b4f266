package store

import (
	"context"
	"database/sql"
	"fmt"
)

// runMigrations creates the base schema. All statements run in a single
// transaction so a partial schema never survives a failure.
func (s *Store) runMigrations(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			parent_id INTEGER,
			type INTEGER NOT NULL DEFAULT 0,
			ordr INTEGER NOT NULL DEFAULT 0,
			preset_id INTEGER,
			max_messages INTEGER,
			embedding_provider INTEGER,
			embedding_model TEXT,
			rag_chunk_size INTEGER,
			rag_chunks_count INTEGER,
			summary_enabled INTEGER NOT NULL DEFAULT 0,
			summary_model TEXT,
			summary_provider INTEGER,
			provider INTEGER,
			model TEXT,
			prompt TEXT,
			FOREIGN KEY (parent_id) REFERENCES conversations(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			role INTEGER NOT NULL,
			summary TEXT,
			chunks TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE TABLE IF NOT EXISTS presets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			temperature REAL NOT NULL DEFAULT 0.7,
			max_tokens INTEGER NOT NULL DEFAULT 2048
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			default_model TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS storage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vectors_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			file_name TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			embedding_model TEXT NOT NULL,
			UNIQUE(conversation_id, file_hash, dimensions, embedding_model)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_parent ON conversations(parent_id)`,
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}
		return nil
	})
}
