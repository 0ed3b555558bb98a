// Package llm adapts the answer-generation providers behind one streaming
// interface. Five backends are supported: OpenAI, Anthropic, Google,
// Ollama, and Bedrock. All of them emit a finite sequence of chunks on a
// buffered channel closed by the producer.
package llm

import (
	"context"
)

// Chunk types emitted on the streaming channel.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// StreamChunk is one unit of streamed output. A stream carries zero or
// more text chunks followed by exactly one done or error chunk.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Err    error
}

// Provider generates answers from fully composed prompts.
type Provider interface {
	// Generate returns the complete response text and the provider's
	// output token count (0 when the provider does not report one).
	Generate(ctx context.Context, prompt string) (string, int, error)

	// GenerateStreaming returns a channel of response chunks. The
	// producer closes the channel after the terminal chunk.
	GenerateStreaming(ctx context.Context, prompt string) (<-chan StreamChunk, error)

	// ModelName returns the provider-specific model identifier.
	ModelName() string

	// Close releases provider resources.
	Close() error
}

// streamBuffer is the channel capacity for streamed chunks. Producers
// stay ahead of slow consumers without unbounded memory.
const streamBuffer = 100

// emit sends a chunk unless the context is done, so producers never
// block on an abandoned stream.
func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
