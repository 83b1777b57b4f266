package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmclient/internal/events"
	"lmclient/internal/llm"
	"lmclient/internal/logging"
	"lmclient/internal/store"
)

// embeddingsTestServer returns deterministic two-dimensional vectors so the
// same text always lands in the same direction.
func embeddingsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for _, text := range req.Input {
			data = append(data, item{Embedding: []float32{1, float32(len(text))}})
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
	t.Cleanup(server.Close)
	return server
}

type engineFixture struct {
	store  *store.Store
	engine *Engine
	bus    *events.Bus
	node   *store.ConversationNode
	model  llm.Model
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	server := embeddingsTestServer(t)
	provider, err := st.AddProvider(ctx, &store.Provider{
		Name:         "embedder",
		URL:          server.URL,
		DefaultModel: "embed-model",
	})
	require.NoError(t, err)

	node, err := st.AddConversation(ctx, "chat", 0, store.NodeChat)
	require.NoError(t, err)
	node.EmbeddingProvider = provider.ID
	node.EmbeddingModel = "embed-model"
	node.RagChunkSize = 4
	require.NoError(t, st.UpdateConversation(ctx, node))

	bus := events.New()
	client := llm.NewClient(logging.NewLogger("llm-test"))
	engine := NewEngine(st, client, bus, newFakeTokenizer(), logging.NewLogger("rag-test"))

	return &engineFixture{
		store:  st,
		engine: engine,
		bus:    bus,
		node:   node,
		model:  llm.Model{Name: "embed-model", Provider: provider},
	}
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func drainProgress(t *testing.T, ch <-chan events.Progress) []events.Progress {
	t.Helper()
	var updates []events.Progress
	for p := range ch {
		updates = append(updates, p)
	}
	return updates
}

func TestIngestFiles(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	path := writeTestFile(t, "doc.txt", "w1 w2 w3 w4 w5 w6 w7 w8")

	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)

	updates := drainProgress(t, progress)
	require.NotEmpty(t, updates)
	assert.Equal(t, events.ProgressStarted, updates[0].State)
	assert.Equal(t, "doc.txt", updates[0].Name)
	assert.Equal(t, events.ProgressFinished, updates[len(updates)-1].State)

	files, err := fx.store.GetRagFiles(ctx, fx.node.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "doc.txt", files[0].FileName)
	assert.Equal(t, 2, files[0].Dimensions)

	// chunkSize 4 with overlap 2 over 8 tokens yields 3 chunks.
	matches, err := fx.store.SearchVectors(ctx, fx.node.ID, "embed-model", []float32{1, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	fx.bus.PreUpdate()
	assert.NotEmpty(t, fx.bus.Subscribe(events.Event{Kind: events.KindProgress}))
	assert.NotEmpty(t, fx.bus.Subscribe(events.Event{Kind: events.KindRagFilesUpdated, ConversationID: fx.node.ID}))
}

func TestIngestFilesSkipsKnownContent(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	path := writeTestFile(t, "doc.txt", "w1 w2 w3 w4 w5 w6 w7 w8")

	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)
	drainProgress(t, progress)

	// Same content under a new name: no new vectors, just a rename.
	renamed := writeTestFile(t, "renamed.txt", "w1 w2 w3 w4 w5 w6 w7 w8")
	progress, err = fx.engine.IngestFiles(ctx, fx.node.ID, []string{renamed})
	require.NoError(t, err)
	drainProgress(t, progress)

	files, err := fx.store.GetRagFiles(ctx, fx.node.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "renamed.txt", files[0].FileName)

	matches, err := fx.store.SearchVectors(ctx, fx.node.ID, "embed-model", []float32{1, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

// requireFinished drains the progress stream in a goroutine so a stream
// that never closes fails the test instead of hanging it.
func requireFinished(t *testing.T, ch <-chan events.Progress) {
	t.Helper()
	done := make(chan []events.Progress, 1)
	go func() {
		var updates []events.Progress
		for p := range ch {
			updates = append(updates, p)
		}
		done <- updates
	}()
	select {
	case updates := <-done:
		require.NotEmpty(t, updates)
		assert.Equal(t, events.ProgressFinished, updates[len(updates)-1].State)
	case <-time.After(10 * time.Second):
		t.Fatal("progress stream never finished")
	}
}

func TestIngestFilesSkipsKnownContentAcrossBatches(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Enough words that chunking spans several embedding batches.
	var b strings.Builder
	for i := 0; i < 4200; i++ {
		fmt.Fprintf(&b, "w%d ", i)
	}
	content := strings.TrimSpace(b.String())

	path := writeTestFile(t, "big.txt", content)
	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)
	drainProgress(t, progress)

	renamed := writeTestFile(t, "big-renamed.txt", content)
	progress, err = fx.engine.IngestFiles(ctx, fx.node.ID, []string{renamed})
	require.NoError(t, err)
	requireFinished(t, progress)

	files, err := fx.store.GetRagFiles(ctx, fx.node.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "big-renamed.txt", files[0].FileName)
}

func TestIngestFilesCancelledStillFinishes(t *testing.T) {
	fx := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An embeddings endpoint that never answers until the request dies.
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(stalled.Close)

	provider, err := fx.store.AddProvider(ctx, &store.Provider{
		Name:         "stalled",
		URL:          stalled.URL,
		DefaultModel: "embed-model",
	})
	require.NoError(t, err)
	fx.node.EmbeddingProvider = provider.ID
	require.NoError(t, fx.store.UpdateConversation(ctx, fx.node))

	path := writeTestFile(t, "doc.txt", "w1 w2 w3 w4 w5 w6 w7 w8")
	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)

	require.Equal(t, events.ProgressStarted, (<-progress).State)
	cancel()

	requireFinished(t, progress)
}

func TestSearchReturnsNearestChunks(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Word lengths differ so every chunk embeds in its own direction.
	path := writeTestFile(t, "doc.txt", "a bb ccc dddd eeeee ffffff ggggggg hhhhhhhh")
	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)
	drainProgress(t, progress)

	// The query embeds to the same vector as the first chunk's text.
	refs, err := fx.engine.Search(ctx, fx.model, "a bb ccc dddd", fx.node.ID)
	require.NoError(t, err)
	require.NotEmpty(t, refs)
	assert.LessOrEqual(t, len(refs), store.DefaultRagChunksCount)

	text, err := fx.engine.Chunk(ctx, fx.node.ID, refs[0])
	require.NoError(t, err)
	assert.Equal(t, "a bb ccc dddd", text)
}

func TestSearchWithoutIngestedFiles(t *testing.T) {
	fx := newEngineFixture(t)

	refs, err := fx.engine.Search(context.Background(), fx.model, "anything", fx.node.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDeleteFile(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	path := writeTestFile(t, "doc.txt", "w1 w2 w3 w4")
	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{path})
	require.NoError(t, err)
	drainProgress(t, progress)

	files, err := fx.engine.Files(ctx, fx.node.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, fx.engine.DeleteFile(ctx, fx.node.ID, files[0].ID))

	files, err = fx.engine.Files(ctx, fx.node.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	fx.bus.PreUpdate()
	assert.NotEmpty(t, fx.bus.Subscribe(events.Event{Kind: events.KindRagFilesUpdated, ConversationID: fx.node.ID}))
}

func TestDeleteAllFiles(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	first := writeTestFile(t, "one.txt", "w1 w2 w3 w4")
	second := writeTestFile(t, "two.txt", "v1 v2 v3 v4")
	progress, err := fx.engine.IngestFiles(ctx, fx.node.ID, []string{first, second})
	require.NoError(t, err)
	drainProgress(t, progress)

	files, err := fx.engine.Files(ctx, fx.node.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.NoError(t, fx.engine.DeleteAllFiles(ctx, fx.node.ID))

	files, err = fx.engine.Files(ctx, fx.node.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIngestFilesRequiresEmbeddingProvider(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	bare, err := fx.store.AddConversation(ctx, "bare", 0, store.NodeChat)
	require.NoError(t, err)

	_, err = fx.engine.IngestFiles(ctx, bare.ID, []string{"whatever.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding provider")
}
