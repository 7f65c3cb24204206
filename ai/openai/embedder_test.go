package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/poiesic/kbingest/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingServer answers /v1/embeddings with [len(input), index] vectors.
func fakeEmbeddingServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		requests.Add(1)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{Object: "embedding", Embedding: []float32{float32(len(text)), float32(i)}, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEmbedder_BatchesRequests(t *testing.T) {
	var requests atomic.Int32
	server := fakeEmbeddingServer(t, &requests)

	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(server.URL),
		ai.WithEmbeddingModel("test-embed"),
		ai.WithDimension(2),
		ai.WithBatchSize(2),
	)
	embedder, err := NewEmbedder(cfg)
	require.NoError(t, err)

	vectors, err := embedder.EmbedTexts(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for i, v := range vectors {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestEmbedder_EmbedText(t *testing.T) {
	var requests atomic.Int32
	server := fakeEmbeddingServer(t, &requests)

	provider, err := NewProvider(ai.NewConfig(ai.WithEmbeddingHost(server.URL), ai.WithDimension(2)))
	require.NoError(t, err)
	defer provider.Close()

	vector, err := provider.Embedder().EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0}, vector)
	assert.Equal(t, 2, provider.Dimension())
}

func TestEmbedder_RateLimitHonoursContext(t *testing.T) {
	var requests atomic.Int32
	server := fakeEmbeddingServer(t, &requests)

	embedder, err := NewEmbedder(ai.NewConfig(
		ai.WithEmbeddingHost(server.URL),
		ai.WithRequestsPerSecond(0.001),
	))
	require.NoError(t, err)

	// The first request consumes the only token
	_, err = embedder.EmbedText(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = embedder.EmbedText(ctx, "second")
	assert.Error(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestNewEmbedder_InvalidConfig(t *testing.T) {
	_, err := NewEmbedder(&ai.Config{EmbeddingModel: "m", Dimension: 4})
	assert.Error(t, err)
}
