package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ChunkMatch is one nearest-neighbor hit from a vector table search.
type ChunkMatch struct {
	ChunkID        int64
	FileID         int64
	Chunk          string
	Distance       float64
	Dimension      int
	EmbeddingModel string
}

// vectorTableName derives the table holding vectors for one
// (conversation, model, dimension) combination. Model names carry characters
// that are not valid in identifiers, so they are sanitized.
func vectorTableName(conversationID int64, model string, dimensions int) string {
	sanitized := strings.NewReplacer("-", "_", ":", "_").Replace(model)
	return fmt.Sprintf("vectors_conversation_%d_%s_%d", conversationID, sanitized, dimensions)
}

// ensureVectorTable creates the vector table for a combination if missing.
func (s *Store) ensureVectorTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL,
			chunk TEXT NOT NULL,
			embedding BLOB NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

// encodeEmbedding serializes a vector as little-endian float32 values.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes a little-endian float32 vector.
func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(data))
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}

// cosineDistance returns 1 minus the cosine similarity of two vectors.
// Mismatched lengths and zero vectors yield the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// GetRagFile looks up a registered file by its content hash under one
// embedding configuration.
func (s *Store) GetRagFile(ctx context.Context, conversationID int64, fileHash string, dimensions int, model string) (*RagFile, error) {
	var f RagFile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, file_name, file_hash, dimensions, embedding_model
		 FROM vectors_files
		 WHERE conversation_id = ? AND file_hash = ? AND dimensions = ? AND embedding_model = ?`,
		conversationID, fileHash, dimensions, model).
		Scan(&f.ID, &f.ConversationID, &f.FileName, &f.FileHash, &f.Dimensions, &f.EmbeddingModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rag file: %w", err)
	}
	return &f, nil
}

// GetRagFiles returns every file registered for a conversation across all
// embedding configurations.
func (s *Store) GetRagFiles(ctx context.Context, conversationID int64) ([]*RagFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, file_name, file_hash, dimensions, embedding_model
		 FROM vectors_files WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rag files: %w", err)
	}
	defer rows.Close()

	var files []*RagFile
	for rows.Next() {
		var f RagFile
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.FileName, &f.FileHash,
			&f.Dimensions, &f.EmbeddingModel); err != nil {
			return nil, fmt.Errorf("failed to scan rag file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// UpsertRagFile registers a file under one embedding configuration. A file
// already known by hash keeps its row and only refreshes the display name.
func (s *Store) UpsertRagFile(ctx context.Context, f *RagFile) (*RagFile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors_files (conversation_id, file_name, file_hash, dimensions, embedding_model)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, file_hash, dimensions, embedding_model)
		 DO UPDATE SET file_name = excluded.file_name`,
		f.ConversationID, f.FileName, f.FileHash, f.Dimensions, f.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert rag file: %w", err)
	}
	return s.GetRagFile(ctx, f.ConversationID, f.FileHash, f.Dimensions, f.EmbeddingModel)
}

// VectorRecord pairs a chunk with its embedding for insertion.
type VectorRecord struct {
	Chunk     string
	Embedding []float32
}

// InsertVectors stores chunk embeddings for a file, creating the vector
// table on first use. A chunk already present for the file is skipped so
// re-ingestion stays idempotent.
func (s *Store) InsertVectors(ctx context.Context, conversationID int64, file *RagFile, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	table := vectorTableName(conversationID, file.EmbeddingModel, file.Dimensions)
	if err := s.ensureVectorTable(ctx, table); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			var count int
			err := tx.QueryRowContext(ctx, fmt.Sprintf(
				`SELECT COUNT(*) FROM %s WHERE file_id = ? AND chunk = ?`, table),
				file.ID, rec.Chunk).Scan(&count)
			if err != nil {
				return fmt.Errorf("failed to check chunk: %w", err)
			}
			if count > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (file_id, chunk, embedding) VALUES (?, ?, ?)`, table),
				file.ID, rec.Chunk, encodeEmbedding(rec.Embedding)); err != nil {
				return fmt.Errorf("failed to insert vector: %w", err)
			}
		}
		return nil
	})
}

// SearchVectors scans one vector table and returns up to limit chunks
// nearest to the query embedding, ordered by ascending cosine distance.
func (s *Store) SearchVectors(ctx context.Context, conversationID int64, model string, query []float32, limit int) ([]ChunkMatch, error) {
	dimensions := len(query)
	table := vectorTableName(conversationID, model, dimensions)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, file_id, chunk, embedding FROM %s`, table))
	if err != nil {
		// A missing table means nothing was ingested for this combination.
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var (
			m    ChunkMatch
			blob []byte
		)
		if err := rows.Scan(&m.ChunkID, &m.FileID, &m.Chunk, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		embedding, err := decodeEmbedding(blob)
		if err != nil {
			return nil, err
		}
		m.Distance = cosineDistance(query, embedding)
		m.Dimension = dimensions
		m.EmbeddingModel = model
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetChunk returns one stored chunk by id from a vector table.
func (s *Store) GetChunk(ctx context.Context, conversationID int64, model string, dimensions int, chunkID int64) (*RagChunk, error) {
	table := vectorTableName(conversationID, model, dimensions)
	var c RagChunk
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, file_id, chunk FROM %s WHERE id = ?`, table), chunkID).
		Scan(&c.ID, &c.FileID, &c.Chunk)
	if errors.Is(err, sql.ErrNoRows) || (err != nil && strings.Contains(err.Error(), "no such table")) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &c, nil
}

// DeleteRagFile removes a file's vectors and its registration. An emptied
// vector table is dropped and the database compacted.
func (s *Store) DeleteRagFile(ctx context.Context, fileID int64) error {
	var f RagFile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, file_name, file_hash, dimensions, embedding_model
		 FROM vectors_files WHERE id = ?`, fileID).
		Scan(&f.ID, &f.ConversationID, &f.FileName, &f.FileHash, &f.Dimensions, &f.EmbeddingModel)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get rag file: %w", err)
	}

	table := vectorTableName(f.ConversationID, f.EmbeddingModel, f.Dimensions)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE file_id = ?`, table), fileID); err != nil {
			if !strings.Contains(err.Error(), "no such table") {
				return fmt.Errorf("failed to delete vectors: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vectors_files WHERE id = ?`, fileID); err != nil {
			return fmt.Errorf("failed to delete rag file: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var remaining int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s`, table)).Scan(&remaining)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return fmt.Errorf("failed to count vectors: %w", err)
	}
	if remaining == 0 {
		return s.dropVectorTable(ctx, table)
	}
	return nil
}

// DeleteConversationVectors removes every vector table and file
// registration of a conversation.
func (s *Store) DeleteConversationVectors(ctx context.Context, conversationID int64) error {
	files, err := s.GetRagFiles(ctx, conversationID)
	if err != nil {
		return err
	}

	dropped := make(map[string]bool)
	for _, f := range files {
		table := vectorTableName(conversationID, f.EmbeddingModel, f.Dimensions)
		if dropped[table] {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return fmt.Errorf("failed to drop vector table: %w", err)
		}
		dropped[table] = true
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors_files WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete rag files: %w", err)
	}

	if len(dropped) > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return fmt.Errorf("failed to vacuum database: %w", err)
		}
	}
	return nil
}

func (s *Store) dropVectorTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
