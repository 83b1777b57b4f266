package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorTableName(t *testing.T) {
	name := vectorTableName(7, "text-embedding:latest", 768)
	assert.Equal(t, "vectors_conversation_7_text_embedding_latest_768", name)
}

func TestEmbeddingCodecRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := decodeEmbedding(encodeEmbedding(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUpsertRagFileRefreshesName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	first, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "notes.txt",
		FileHash:       "abc123",
		Dimensions:     4,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)

	second, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "renamed.txt",
		FileHash:       "abc123",
		Dimensions:     4,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "renamed.txt", second.FileName)

	files, err := st.GetRagFiles(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestInsertVectorsSkipsDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	file, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "doc.txt",
		FileHash:       "hash",
		Dimensions:     2,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)

	records := []VectorRecord{
		{Chunk: "alpha", Embedding: []float32{1, 0}},
		{Chunk: "beta", Embedding: []float32{0, 1}},
	}
	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, records))
	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, records))

	matches, err := st.SearchVectors(ctx, chat.ID, "embed-model", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSearchVectorsOrdersByDistance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	file, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "doc.txt",
		FileHash:       "hash",
		Dimensions:     2,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)

	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, []VectorRecord{
		{Chunk: "same direction", Embedding: []float32{2, 0}},
		{Chunk: "orthogonal", Embedding: []float32{0, 1}},
		{Chunk: "opposite", Embedding: []float32{-1, 0}},
	}))

	matches, err := st.SearchVectors(ctx, chat.ID, "embed-model", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "same direction", matches[0].Chunk)
	assert.InDelta(t, 0, matches[0].Distance, 1e-6)
	assert.Equal(t, "orthogonal", matches[1].Chunk)
	assert.InDelta(t, 1, matches[1].Distance, 1e-6)
}

func TestSearchVectorsMissingTable(t *testing.T) {
	st := newTestStore(t)

	matches, err := st.SearchVectors(context.Background(), 99, "nope", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestGetChunk(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	file, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "doc.txt",
		FileHash:       "hash",
		Dimensions:     2,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)
	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, []VectorRecord{
		{Chunk: "the text", Embedding: []float32{1, 1}},
	}))

	matches, err := st.SearchVectors(ctx, chat.ID, "embed-model", []float32{1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	chunk, err := st.GetChunk(ctx, chat.ID, "embed-model", 2, matches[0].ChunkID)
	require.NoError(t, err)
	assert.Equal(t, "the text", chunk.Chunk)

	_, err = st.GetChunk(ctx, chat.ID, "embed-model", 2, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRagFileDropsEmptyTable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	file, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "doc.txt",
		FileHash:       "hash",
		Dimensions:     2,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)
	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, []VectorRecord{
		{Chunk: "only", Embedding: []float32{1, 0}},
	}))

	require.NoError(t, st.DeleteRagFile(ctx, file.ID))

	_, err = st.GetRagFile(ctx, chat.ID, "hash", 2, "embed-model")
	assert.ErrorIs(t, err, ErrNotFound)

	// The emptied table was dropped; a search finds nothing.
	matches, err := st.SearchVectors(ctx, chat.ID, "embed-model", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteConversationVectors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	chat := addTestChat(t, st)

	file, err := st.UpsertRagFile(ctx, &RagFile{
		ConversationID: chat.ID,
		FileName:       "doc.txt",
		FileHash:       "hash",
		Dimensions:     2,
		EmbeddingModel: "embed-model",
	})
	require.NoError(t, err)
	require.NoError(t, st.InsertVectors(ctx, chat.ID, file, []VectorRecord{
		{Chunk: "c1", Embedding: []float32{1, 0}},
		{Chunk: "c2", Embedding: []float32{0, 1}},
	}))

	require.NoError(t, st.DeleteConversationVectors(ctx, chat.ID))

	files, err := st.GetRagFiles(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	matches, err := st.SearchVectors(ctx, chat.ID, "embed-model", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCosineDistanceEdgeCases(t *testing.T) {
	assert.Equal(t, float64(2), cosineDistance([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float64(2), cosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
}
