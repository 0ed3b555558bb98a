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

const anthropicVersion = "2023-06-01"

// Anthropic generates answers through the messages API.
type Anthropic struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *httpclient.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// NewAnthropic builds the provider. The ANTHROPIC_API_KEY environment
// variable is required.
func NewAnthropic(model string) (*Anthropic, error) {
	apiKey := config.ProviderAPIKey("ANTHROPIC")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	return &Anthropic{
		baseURL:     "https://api.anthropic.com",
		apiKey:      apiKey,
		model:       model,
		temperature: defaultTemperature,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *Anthropic) ModelName() string { return p.model }

func (p *Anthropic) setTemperature(t float64) { p.temperature = t }

func (p *Anthropic) Close() error { return nil }

func (p *Anthropic) post(ctx context.Context, request anthropicRequest) (*http.Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("Anthropic request failed (%d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("Anthropic request failed: %w", err)
	}
	return resp, nil
}

// Generate returns the full response text and the reported output token
// count.
func (p *Anthropic) Generate(ctx context.Context, prompt string) (string, int, error) {
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   defaultMaxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("failed to decode Anthropic response: %w", err)
	}
	if parsed.Error != nil {
		return "", 0, fmt.Errorf("Anthropic error: %s", parsed.Error.Message)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), parsed.Usage.OutputTokens, nil
}

// GenerateStreaming streams content_block_delta events until
// message_stop.
func (p *Anthropic) GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, prompt, out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()
	return out, nil
}

func (p *Anthropic) stream(ctx context.Context, prompt string, out chan<- StreamChunk) error {
	resp, err := p.post(ctx, anthropicRequest{
		Model:       p.model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   defaultMaxTokens,
		Temperature: p.temperature,
		Stream:      true,
	})
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

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				continue
			}
			if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: event.Delta.Text}) {
				return ctx.Err()
			}
		case "message_delta":
			if event.Usage != nil {
				tokens = event.Usage.OutputTokens
			}
		case "message_stop":
			emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: tokens})
			return nil
		case "error":
			if event.Error != nil {
				return fmt.Errorf("Anthropic stream error: %s", event.Error.Message)
			}
			return fmt.Errorf("Anthropic stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}

	// Stream ended without message_stop; finish with what was seen.
	emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: tokens})
	return nil
}

var _ Provider = (*Anthropic)(nil)
