package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/atlas-hass/atlas/pkg/config"
)

// Google generates answers through the Gemini API using the official
// genai SDK.
type Google struct {
	client      *genai.Client
	model       string
	temperature float64
}

// NewGoogle builds the provider. GOOGLE_API_KEY (or GEMINI_API_KEY) is
// required.
func NewGoogle(model string) (*Google, error) {
	apiKey := config.ProviderAPIKey("GOOGLE")
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY not set")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Google{client: client, model: model, temperature: defaultTemperature}, nil
}

func (p *Google) ModelName() string { return p.model }

func (p *Google) setTemperature(t float64) { p.temperature = t }

func (p *Google) Close() error { return nil }

func promptContents(prompt string) []*genai.Content {
	return []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}
}

func (p *Google) geminiConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.temperature)),
		MaxOutputTokens: int32(defaultMaxTokens),
	}
}

// candidateText concatenates the text parts of the first candidate,
// skipping thought parts.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	return text.String()
}

func outputTokens(resp *genai.GenerateContentResponse) int {
	if resp == nil || resp.UsageMetadata == nil {
		return 0
	}
	return int(resp.UsageMetadata.CandidatesTokenCount)
}

// Generate returns the full response text and the candidate token count.
func (p *Google) Generate(ctx context.Context, prompt string) (string, int, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, promptContents(prompt), p.geminiConfig())
	if err != nil {
		return "", 0, fmt.Errorf("Gemini generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", 0, fmt.Errorf("Gemini returned no candidates")
	}
	return candidateText(resp), outputTokens(resp), nil
}

// GenerateStreaming streams candidate text deltas.
func (p *Google) GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)

		var tokens int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, promptContents(prompt), p.geminiConfig()) {
			if err != nil {
				emit(ctx, out, StreamChunk{Type: ChunkError, Err: fmt.Errorf("Gemini streaming failed: %w", err)})
				return
			}
			if n := outputTokens(resp); n > 0 {
				tokens = n
			}
			if text := candidateText(resp); text != "" {
				if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: text}) {
					return
				}
			}
		}
		emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: tokens})
	}()
	return out, nil
}

var _ Provider = (*Google)(nil)
