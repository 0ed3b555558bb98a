package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock generates answers through the AWS Bedrock Converse API.
// Credentials resolve through the standard AWS chain (environment,
// shared config, instance role).
type Bedrock struct {
	client      *bedrockruntime.Client
	modelID     string
	temperature float64
}

// NewBedrock builds the provider for the given region and model id.
func NewBedrock(region, modelID string) (*Bedrock, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &Bedrock{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		modelID:     modelID,
		temperature: defaultTemperature,
	}, nil
}

func (p *Bedrock) ModelName() string { return p.modelID }

func (p *Bedrock) setTemperature(t float64) { p.temperature = t }

func (p *Bedrock) Close() error { return nil }

func (p *Bedrock) messages(prompt string) []types.Message {
	return []types.Message{{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
	}}
}

func (p *Bedrock) inferenceConfig() *types.InferenceConfiguration {
	return &types.InferenceConfiguration{
		MaxTokens:   aws.Int32(int32(defaultMaxTokens)),
		Temperature: aws.Float32(float32(p.temperature)),
	}
}

// Generate returns the full response text and the reported output token
// count.
func (p *Bedrock) Generate(ctx context.Context, prompt string) (string, int, error) {
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.modelID),
		Messages:        p.messages(prompt),
		InferenceConfig: p.inferenceConfig(),
	})
	if err != nil {
		return "", 0, fmt.Errorf("Bedrock converse failed: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", 0, fmt.Errorf("Bedrock returned no message output")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}

	var tokens int
	if out.Usage != nil && out.Usage.OutputTokens != nil {
		tokens = int(*out.Usage.OutputTokens)
	}
	return text.String(), tokens, nil
}

// GenerateStreaming streams ConverseStream content block deltas.
func (p *Bedrock) GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, prompt, out); err != nil {
			emit(ctx, out, StreamChunk{Type: ChunkError, Err: err})
		}
	}()
	return out, nil
}

func (p *Bedrock) stream(ctx context.Context, prompt string, out chan<- StreamChunk) error {
	resp, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(p.modelID),
		Messages:        p.messages(prompt),
		InferenceConfig: p.inferenceConfig(),
	})
	if err != nil {
		return fmt.Errorf("Bedrock converse stream failed: %w", err)
	}

	stream := resp.GetStream()
	defer stream.Close()

	var tokens int
	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
			if !ok || delta.Value == "" {
				continue
			}
			if !emit(ctx, out, StreamChunk{Type: ChunkText, Text: delta.Value}) {
				return ctx.Err()
			}
		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil && v.Value.Usage.OutputTokens != nil {
				tokens = int(*v.Value.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("Bedrock stream failed: %w", err)
	}

	emit(ctx, out, StreamChunk{Type: ChunkDone, Tokens: tokens})
	return nil
}

var _ Provider = (*Bedrock)(nil)
