package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/llm"
)

// fakeProvider plays back a scripted chunk sequence.
type fakeProvider struct {
	chunks  []llm.StreamChunk
	openErr error
	model   string

	mu     sync.Mutex
	prompt string
	closed bool
}

func newFakeProvider(chunks ...llm.StreamChunk) *fakeProvider {
	return &fakeProvider{chunks: chunks, model: "fake-model"}
}

func textChunk(s string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkText, Text: s}
}

func doneChunk(tokens int) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.ChunkDone, Tokens: tokens}
}

func (f *fakeProvider) Generate(ctx context.Context, prompt string) (string, int, error) {
	var b strings.Builder
	for _, c := range f.chunks {
		if c.Type == llm.ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String(), 0, nil
}

func (f *fakeProvider) GenerateStreaming(ctx context.Context, prompt string) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.prompt = prompt
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	out := make(chan llm.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (f *fakeProvider) ModelName() string { return f.model }

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

func newTestOrchestrator(provider llm.Provider, cfg config.LLMConfig) *Orchestrator {
	o := New(Options{Provider: provider, Config: cfg})
	// Token estimates at len/4 keep limit checks deterministic.
	o.counter = nil
	return o
}

func TestStreamForwardsChunksAndAccumulates(t *testing.T) {
	provider := newFakeProvider(textChunk("Hello "), textChunk("world."), doneChunk(7))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	var emitted []string
	res, err := o.Stream(context.Background(), Request{
		Question:  "What happened on 9 May 1901?",
		SessionID: "sess-1",
		QAID:      "qa-1",
	}, func(s string) error {
		emitted = append(emitted, s)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello world.", res.Text)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, 7, res.Tokens, "provider-reported count wins")
	assert.Equal(t, "fake-model", res.Model)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"Hello ", "world."}, emitted)

	prompt := provider.lastPrompt()
	assert.Contains(t, prompt, "Hansard parliamentary debates of 1901")
	assert.Contains(t, prompt, "User question: What happened on 9 May 1901?\n\nAnswer:")
	assert.False(t, provider.closed, "default provider stays open")
}

func TestStreamCollectsWithoutEmit(t *testing.T) {
	provider := newFakeProvider(textChunk("Async "), textChunk("answer."), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	res, err := o.Stream(context.Background(), Request{Question: "q", SessionID: "s", QAID: "qa"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "Async answer.", res.Text)
	// Estimates accumulate per chunk: len("Async ")/4 + len("answer.")/4.
	assert.Equal(t, 2, res.Tokens)
}

func TestStreamReplacesPlaceholderText(t *testing.T) {
	provider := newFakeProvider(textChunk("{answer}"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	var emitted []string
	res, err := o.Stream(context.Background(), Request{Question: "q"}, func(s string) error {
		emitted = append(emitted, s)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, placeholderFallback, res.Text)
	assert.Equal(t, []string{placeholderFallback}, emitted)
}

func TestStreamTruncatesAtCharLimit(t *testing.T) {
	provider := newFakeProvider(textChunk("0123456789AB"), textChunk("never sent"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{MaxResponseChars: 10})

	var emitted []string
	res, err := o.Stream(context.Background(), Request{Question: "q"}, func(s string) error {
		emitted = append(emitted, s)
		return nil
	})

	require.NoError(t, err, "truncation finishes the response normally")
	assert.True(t, res.Truncated)
	assert.Equal(t, 1, res.ChunkCount)
	assert.Equal(t, "0123456789AB"+truncationNotice, res.Text)
	assert.Equal(t, []string{"0123456789AB", truncationNotice}, emitted)
}

func TestStreamTruncatesAtTokenLimit(t *testing.T) {
	provider := newFakeProvider(textChunk("12345678"), textChunk("never sent"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{MaxResponseTokens: 2})

	res, err := o.Stream(context.Background(), Request{Question: "q"}, nil)

	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "12345678"+truncationNotice, res.Text)
}

func TestStreamReturnsCancelledOnClientDisconnect(t *testing.T) {
	provider := newFakeProvider(textChunk("a"), textChunk("b"), textChunk("c"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var emitted []string
	res, err := o.Stream(ctx, Request{Question: "q"}, func(s string) error {
		emitted = append(emitted, s)
		cancel()
		return nil
	})

	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"a"}, emitted, "nothing streams after the disconnect")
	assert.Equal(t, "a", res.Text)
}

func TestStreamPropagatesProviderError(t *testing.T) {
	provider := newFakeProvider(textChunk("partial"),
		llm.StreamChunk{Type: llm.ChunkError, Err: errors.New("model exploded")})
	o := newTestOrchestrator(provider, config.LLMConfig{})

	res, err := o.Stream(context.Background(), Request{Question: "q"}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "partial", res.Text)
}

func TestStreamWrapsStartupError(t *testing.T) {
	provider := newFakeProvider()
	provider.openErr = errors.New("connection refused")
	o := newTestOrchestrator(provider, config.LLMConfig{})

	_, err := o.Stream(context.Background(), Request{Question: "q"}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting generation")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStreamStopsWhenEmitFails(t *testing.T) {
	provider := newFakeProvider(textChunk("a"), textChunk("b"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	calls := 0
	res, err := o.Stream(context.Background(), Request{Question: "q"}, func(string) error {
		calls++
		return errors.New("broken pipe")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream write")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "a", res.Text)
}

func TestStreamWaitsForGenerationSlot(t *testing.T) {
	provider := newFakeProvider(textChunk("hi"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{MaxConcurrent: 1})

	require.NoError(t, o.sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Stream(ctx, Request{Question: "q"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation slot")

	o.sem.Release(1)
	res, err := o.Stream(context.Background(), Request{Question: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
}

func TestStreamUsesDarwinPromptForDarwinModule(t *testing.T) {
	provider := newFakeProvider(textChunk("ok"), doneChunk(0))
	o := New(Options{Provider: provider, Module: "darwin"})
	o.counter = nil

	_, err := o.Stream(context.Background(), Request{Question: "q"}, nil)

	require.NoError(t, err)
	assert.Contains(t, provider.lastPrompt(), "Charles Darwin's works and writings")
}

func TestStreamIncludesHistoryAndContext(t *testing.T) {
	provider := newFakeProvider(textChunk("ok"), doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{})

	_, err := o.Stream(context.Background(), Request{
		Question: "And the second reading?",
		History: []Turn{
			{Role: "user", Content: "Who introduced the bill?"},
			{Role: "assistant", Content: "Mr Deakin."},
		},
	}, nil)

	require.NoError(t, err)
	prompt := provider.lastPrompt()
	assert.Contains(t, prompt, "Previous conversation:\nUser: Who introduced the bill?\nAssistant: Mr Deakin.")
	assert.Contains(t, prompt, "User question: And the second reading?\n\nAnswer:")
}

func TestResolveProviderReusesDefaultForSameName(t *testing.T) {
	provider := newFakeProvider(doneChunk(0))
	o := newTestOrchestrator(provider, config.LLMConfig{Provider: "OLLAMA"})

	p, transient, err := o.resolveProvider("")
	require.NoError(t, err)
	assert.False(t, transient)
	assert.Same(t, provider, p)

	p, transient, err = o.resolveProvider("ollama")
	require.NoError(t, err)
	assert.False(t, transient)
	assert.Same(t, provider, p)
}

func TestProviderNameNormalizes(t *testing.T) {
	o := newTestOrchestrator(newFakeProvider(), config.LLMConfig{Provider: "OLLAMA"})

	assert.Equal(t, "OPENAI", o.providerName(" openai "))
	assert.Equal(t, "OLLAMA", o.providerName(""))
}

func TestResponsePreview(t *testing.T) {
	assert.Equal(t, "One. Two.", responsePreview("One. Two."))
	assert.Equal(t, "A. B. C...", responsePreview("A. B. C. D. E."))
	assert.Equal(t, "", responsePreview(""))
}
