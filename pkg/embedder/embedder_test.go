package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/internal/httpclient"
	"github.com/atlas-hass/atlas/pkg/config"
)

func TestOllamaEmbedder(t *testing.T) {
	var gotModel, gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "nomic-embed-text", "")
	vec, err := emb.Embed(context.Background(), "federation debate")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "nomic-embed-text", gotModel)
	assert.Equal(t, "federation debate", gotPrompt)
	assert.Equal(t, "nomic-embed-text", emb.Model())
}

func TestOllamaEmbedderGPUFallback(t *testing.T) {
	var calls atomic.Int32
	var lastNumGPU atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if gpu, ok := req.Options["num_gpu"].(float64); ok {
			lastNumGPU.Store(int64(gpu))
		}
		if n == 1 {
			http.Error(w, "CUDA error: out of memory", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1}})
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "nomic-embed-text", "gpu")
	emb.client = noRetryClient()

	vec, err := emb.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, int64(0), lastNumGPU.Load(), "fallback call should pin num_gpu to 0")

	// The fallback is one-shot; later calls stay on CPU without retry
	// gymnastics.
	_, err = emb.Embed(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, int64(0), lastNumGPU.Load())
}

func TestOllamaEmbedderCPUFailsWithoutFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "missing", "cpu")
	emb.client = noRetryClient()

	_, err := emb.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaEmbedderEmptyEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "nomic-embed-text", "")
	_, err := emb.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embedding")
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello"}, req.Input)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.6],"index":0}]}`))
	}))
	defer server.Close()

	emb, err := NewOpenAIEmbedder(server.URL, "text-embedding-3-small")
	require.NoError(t, err)
	vec, err := emb.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, vec)
}

func TestCacheReusesEmbedders(t *testing.T) {
	cache := NewCache(config.EmbeddingConfig{Provider: "ollama"})
	defer func() { _ = cache.Close() }()

	a, err := cache.Get("model-a")
	require.NoError(t, err)
	b, err := cache.Get("model-a")
	require.NoError(t, err)
	assert.Same(t, a.(*OllamaEmbedder), b.(*OllamaEmbedder))

	c, err := cache.Get("model-b")
	require.NoError(t, err)
	assert.NotSame(t, a.(*OllamaEmbedder), c.(*OllamaEmbedder))
	assert.Equal(t, 2, cache.Len())

	require.NoError(t, cache.Close())
	assert.Equal(t, 0, cache.Len())
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "bogus"}, "m")
	require.Error(t, err)

	_, err = New(config.EmbeddingConfig{}, "")
	require.Error(t, err)
}

// noRetryClient keeps failure-path tests from sleeping through backoff.
func noRetryClient() *httpclient.Client {
	return httpclient.New(httpclient.WithMaxRetries(0))
}
