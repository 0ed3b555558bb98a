package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atlas-hass/atlas/internal/httpclient"
)

// Ollama generates answers through a local or remote Ollama server.
type Ollama struct {
	baseURL     string
	model       string
	temperature float64
	client      *httpclient.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaChunk is one NDJSON line of /api/generate output. The final line
// has Done set and carries eval counts.
type ollamaChunk struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error,omitempty"`
}

// NewOllama builds the provider. No credentials are involved; the
// endpoint defaults to the local server.
func NewOllama(baseURL, model string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL:     baseURL,
		model:       model,
		temperature: defaultTemperature,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
		),
	}, nil
}

func (p *Ollama) ModelName() string { return p.model }

func (p *Ollama) setTemperature(t float64) { p.temperature = t }

func (p *Ollama) Close() error { return nil }

func (p *Ollama) post(ctx context.Context, stream bool, prompt string) (*http.Response, error) {
	data, err := json.Marshal(ollamaRequest{
		Model:   p.model,
		Prompt:  prompt,
		Stream:  stream,
		Options: map[string]any{"temperature": p.temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("Ollama request failed (%d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("Ollama request failed: %w", err)
	}
	return resp, nil
}

// Generate returns the full response text and the eval token count.
func (p *Ollama) Generate(ctx context.Context, prompt string) (string, int, error) {
	resp, err := p.post(ctx, false, prompt)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var parsed ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", 0, fmt.Errorf("Ollama error: %s", parsed.Error)
	}
	return parsed.Response, parsed.EvalCount, nil
}

// GenerateStreaming streams NDJSON chunks until the server reports done.
func (p *Ollama) GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, prompt, out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()
	return out, nil
}

func (p *Ollama) stream(ctx context.Context, prompt string, out chan<- StreamChunk) error {
	resp, err := p.post(ctx, true, prompt)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama error: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: chunk.Response}) {
				return ctx.Err()
			}
		}
		if chunk.Done {
			emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: chunk.EvalCount})
			return nil
		}
	}

	emit(ctx, out, StreamChunk{Type: ChunkDone})
	return nil
}

var _ Provider = (*Ollama)(nil)
