package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-hass/atlas/internal/httpclient"
	"github.com/atlas-hass/atlas/pkg/config"
)

// OpenAI generates answers through the chat completions API.
type OpenAI struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *httpclient.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Temperature   float64              `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// NewOpenAI builds the provider. The OPENAI_API_KEY environment variable
// is required.
func NewOpenAI(model string) (*OpenAI, error) {
	apiKey := config.ProviderAPIKey("OPENAI")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &OpenAI{
		baseURL:     "https://api.openai.com",
		apiKey:      apiKey,
		model:       model,
		temperature: defaultTemperature,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAI) ModelName() string { return p.model }

func (p *OpenAI) setTemperature(t float64) { p.temperature = t }

func (p *OpenAI) Close() error { return nil }

func (p *OpenAI) buildRequest(prompt string, stream bool) openAIRequest {
	req := openAIRequest{
		Model:       p.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: p.temperature,
		MaxTokens:   defaultMaxTokens,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return req
}

func (p *OpenAI) post(ctx context.Context, request openAIRequest) (*http.Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("OpenAI request failed (%d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("OpenAI request failed: %w", err)
	}
	return resp, nil
}

// Generate returns the full response text and the reported completion
// token count.
func (p *OpenAI) Generate(ctx context.Context, prompt string) (string, int, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, false))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("failed to decode OpenAI response: %w", err)
	}
	if parsed.Error != nil {
		return "", 0, fmt.Errorf("OpenAI error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("OpenAI returned no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.CompletionTokens, nil
}

// GenerateStreaming streams the response as SSE deltas.
func (p *OpenAI) GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, prompt, out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()
	return out, nil
}

func (p *OpenAI) stream(ctx context.Context, prompt string, out chan<- StreamChunk) error {
	resp, err := p.post(ctx, p.buildRequest(prompt, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var tokens int
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var event openAIStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		if event.Usage != nil {
			tokens = event.Usage.CompletionTokens
		}
		for _, choice := range event.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: tokens})
	return nil
}

var _ Provider = (*OpenAI)(nil)
