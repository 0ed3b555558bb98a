package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atlas-hass/atlas/internal/httpclient"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama crashes under concurrent embedding load, so all requests are
// serialized process-wide.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder embeds text through a local Ollama server.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *httpclient.Client

	// gpuLayers is sent as the num_gpu option. -1 means unset.
	mu        sync.Mutex
	gpuLayers int
	fellBack  bool
}

type ollamaEmbedRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an Ollama embedder. Device "gpu" requests
// GPU offload and falls back to CPU once if the server rejects it;
// "cpu" pins num_gpu to zero.
func NewOllamaEmbedder(baseURL, model, device string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	gpuLayers := -1
	switch strings.ToLower(device) {
	case "cpu":
		gpuLayers = 0
	case "gpu":
		gpuLayers = 999
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
		gpuLayers: gpuLayers,
	}
}

// Embed returns the embedding for text. A GPU-configured embedder that
// fails its first call rebuilds itself for CPU and retries once.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	vec, err := e.embedOnce(ctx, text)
	if err == nil {
		return vec, nil
	}

	e.mu.Lock()
	retryOnCPU := e.gpuLayers > 0 && !e.fellBack
	if retryOnCPU {
		e.fellBack = true
		e.gpuLayers = 0
	}
	e.mu.Unlock()

	if !retryOnCPU {
		return nil, err
	}
	slog.Warn("GPU embedding failed, retrying on CPU", "model", e.model, "error", err)
	return e.embedOnce(ctx, text)
}

func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	gpuLayers := e.gpuLayers
	e.mu.Unlock()

	reqBody := ollamaEmbedRequest{Model: e.model, Prompt: text}
	if gpuLayers >= 0 {
		reqBody.Options = map[string]any{"num_gpu": gpuLayers}
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embedding returned status %d: %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding for model %s", e.model)
	}
	return embedResp.Embedding, nil
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Close is a no-op; the embedder holds no persistent connections.
func (e *OllamaEmbedder) Close() error {
	return nil
}
