package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmclient/internal/store"
)

func embeddingsServer(t *testing.T, captured *embeddingsRequest, vectors [][]float32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		resp := embeddingsResponse{}
		for _, v := range vectors {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
			}{Embedding: v})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEmbeddings(t *testing.T) {
	var captured embeddingsRequest
	server := embeddingsServer(t, &captured, [][]float32{{1, 2}, {3, 4}})

	vectors, err := newTestClient().Embeddings(context.Background(), testModel(server.URL), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 2}, vectors[0])
	assert.Equal(t, []float32{3, 4}, vectors[1])

	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, []string{"a", "b"}, captured.Input)
	assert.Equal(t, "float", captured.EncodingFormat)
}

func TestEmbeddingsCountMismatch(t *testing.T) {
	server := embeddingsServer(t, nil, [][]float32{{1, 2}, {3, 4}})

	_, err := newTestClient().Embeddings(context.Background(), testModel(server.URL), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 embeddings for 3 inputs")
}

func TestEmbeddingsEmptyResponse(t *testing.T) {
	server := embeddingsServer(t, nil, nil)

	_, err := newTestClient().Embeddings(context.Background(), testModel(server.URL), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embeddings")
}

func TestEmbeddingsNoInputs(t *testing.T) {
	vectors, err := newTestClient().Embeddings(context.Background(), testModel("http://unused"), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"id":"model-a"},{"id":"model-b"}]}`))
	}))
	t.Cleanup(server.Close)

	models, err := newTestClient().Models(context.Background(), testModel(server.URL).Provider)
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a", "model-b"}, models)
}

func TestModelsStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"unauthorized", http.StatusUnauthorized, "invalid API key"},
		{"rate limited", http.StatusTooManyRequests, "rate limit exceeded"},
		{"server error", http.StatusInternalServerError, "status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(server.Close)

			_, err := newTestClient().Models(context.Background(), &store.Provider{URL: server.URL})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
