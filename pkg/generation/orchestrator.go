package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/llm"
	"github.com/atlas-hass/atlas/pkg/promptcache"
	"github.com/atlas-hass/atlas/pkg/telemetry"
	"github.com/atlas-hass/atlas/pkg/utils"
)

// placeholderFallback replaces a literal "{answer}" template artifact
// when a model echoes it back.
const placeholderFallback = "I need more specific information to answer this question based on the provided context."

// truncationNotice closes a response that hit the size limits.
const truncationNotice = "\n\n[Response truncated due to length limits]"

// spanUpdateEvery is how often the generation span refreshes its rolling
// chunk counters.
const spanUpdateEvery = 10

// ErrCancelled reports a client disconnect mid-generation.
var ErrCancelled = errors.New("generation cancelled")

// Request is one answer generation.
type Request struct {
	Question     string
	Documents    []document.Document
	History      []Turn
	SessionID    string
	QAID         string
	CorpusFilter string

	// Provider optionally overrides the configured LLM for this request.
	Provider string
}

// Result is the accumulated outcome of a generation.
type Result struct {
	Text       string
	ChunkCount int

	// Tokens is the completion token count, provider-reported when
	// available, tiktoken-counted otherwise.
	Tokens    int
	Truncated bool
	Model     string
}

// Options wires the orchestrator's dependencies. Tracer, Registry, and
// Metrics may be nil; generation then runs untraced.
type Options struct {
	Provider llm.Provider
	Cache    *promptcache.Cache

	// Module selects the per-corpus system prompt (hansard, darwin).
	Module string

	Config   config.LLMConfig
	Tracer   *telemetry.Tracer
	Registry telemetry.Registry
	Metrics  *telemetry.Metrics
}

// Orchestrator runs generations under a process-wide concurrency limit:
// callers queue on a weighted semaphore, and every admitted generation
// streams through the response-size guards.
type Orchestrator struct {
	provider llm.Provider
	cache    *promptcache.Cache
	module   string
	cfg      config.LLMConfig
	tracer   *telemetry.Tracer
	registry telemetry.Registry
	metrics  *telemetry.Metrics
	sem      *semaphore.Weighted
	counter  *utils.TokenCounter
}

func New(opts Options) *Orchestrator {
	cfg := opts.Config
	cfg.SetDefaults()

	cache := opts.Cache
	if cache == nil {
		cache = promptcache.New(config.PromptCacheConfig{})
	}

	counter, err := utils.NewTokenCounter(cfg.Model)
	if err != nil {
		slog.Warn("Token counter unavailable, falling back to estimates", "error", err)
		counter = nil
	}

	return &Orchestrator{
		provider: opts.Provider,
		cache:    cache,
		module:   opts.Module,
		cfg:      cfg,
		tracer:   opts.Tracer,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		counter:  counter,
	}
}

// Stream generates the answer for req, forwarding each text chunk to emit
// as it arrives, and returns the accumulated result. A nil emit collects
// the response without streaming (the async worker path). Stream blocks
// until a concurrency slot frees up; ctx cancels both the wait and the
// generation.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit func(string) error) (Result, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("waiting for generation slot: %w", err)
	}
	defer o.sem.Release(1)

	o.metrics.GenerationStarted(ctx)
	defer o.metrics.GenerationFinished(ctx)

	provider, transient, err := o.resolveProvider(req.Provider)
	if err != nil {
		return Result{}, err
	}
	if transient {
		defer provider.Close()
	}
	providerName := o.providerName(req.Provider)

	genCtx, span := o.tracer.Start(ctx, telemetry.SpanGeneration)
	defer span.End()

	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindLLM)
	telemetry.String(span, telemetry.AttrLLMModel, provider.ModelName())
	telemetry.String(span, telemetry.AttrLLMProvider, providerName)
	telemetry.String(span, telemetry.AttrInputValue, req.Question)
	telemetry.String(span, telemetry.AttrCorpusFilter, req.CorpusFilter)
	telemetry.Int(span, telemetry.AttrDocumentCount, len(req.Documents))
	span.SetAttributes(attribute.Bool(telemetry.AttrIsStreaming, emit != nil))

	// Register up front so feedback on this answer still finds a span
	// when the stream dies before completing.
	if o.registry != nil {
		if spanID := telemetry.SpanID(span); spanID != "" {
			o.registry.Register(ctx, req.SessionID, req.QAID+telemetry.ResponseKeySuffix,
				spanID, telemetry.TraceID(span))
		}
	}

	contextBlock := FormatDocuments(req.Documents)
	history := FormatHistory(req.History)
	prompt, cacheInfo := BuildPrompt(o.cache, SystemPrompt(o.module), contextBlock,
		history, req.Question, providerName, provider.ModelName())

	span.SetAttributes(attribute.Bool(telemetry.AttrCacheHit, cacheInfo.CacheHit))
	telemetry.Int(span, "prompt_length", len(prompt))
	telemetry.Int(span, "context_length", len(contextBlock))
	telemetry.Int(span, "chat_history_turns", len(req.History))

	// A private cancel releases the producer goroutine when this loop
	// exits early on truncation or a dead client.
	streamCtx, cancel := context.WithCancel(genCtx)
	defer cancel()

	chunks, err := provider.GenerateStreaming(streamCtx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("starting generation: %w", err)
	}

	start := time.Now()
	var (
		full           strings.Builder
		res            Result
		reportedTokens int
		streamedTokens int
		genErr         error
	)

loop:
	for chunk := range chunks {
		if ctx.Err() != nil {
			genErr = ErrCancelled
			break
		}
		switch chunk.Type {
		case llm.ChunkError:
			genErr = chunk.Err
			break loop
		case llm.ChunkDone:
			reportedTokens = chunk.Tokens
			continue
		}

		text := chunk.Text
		if text == "" {
			continue
		}
		if strings.Contains(text, "{answer}") {
			slog.Warn("Placeholder text detected in model output", "qa_id", req.QAID)
			text = strings.ReplaceAll(text, "{answer}", placeholderFallback)
		}

		full.WriteString(text)
		res.ChunkCount++
		streamedTokens += o.counter.CountOrEstimate(text)

		if res.ChunkCount%spanUpdateEvery == 0 {
			telemetry.Int(span, telemetry.AttrChunkCount, res.ChunkCount)
			telemetry.Int(span, telemetry.AttrResponseLength, full.Len())
		}

		if emit != nil {
			if err := emit(text); err != nil {
				genErr = fmt.Errorf("stream write: %w", err)
				break loop
			}
		}

		if full.Len() >= o.cfg.MaxResponseChars || streamedTokens >= o.cfg.MaxResponseTokens {
			slog.Warn("Response hit size limit",
				"qa_id", req.QAID, "chars", full.Len(), "tokens", streamedTokens)
			full.WriteString(truncationNotice)
			if emit != nil {
				if err := emit(truncationNotice); err != nil {
					genErr = fmt.Errorf("stream write: %w", err)
					break loop
				}
			}
			res.Truncated = true
			break loop
		}
	}

	res.Text = full.String()
	res.Model = provider.ModelName()
	res.Tokens = reportedTokens
	if res.Tokens == 0 {
		res.Tokens = streamedTokens
	}
	elapsed := time.Since(start)

	o.metrics.RecordChunks(ctx, providerName, res.ChunkCount)
	telemetry.Int(span, "final_chunk_count", res.ChunkCount)
	telemetry.Int(span, "final_response_length", len(res.Text))
	span.SetAttributes(attribute.Float64("generation_time_seconds", elapsed.Seconds()))

	if genErr != nil {
		if errors.Is(genErr, ErrCancelled) || errors.Is(genErr, context.Canceled) {
			span.SetAttributes(attribute.String("status", "cancelled"))
			span.SetStatus(codes.Error, "cancelled")
			return res, ErrCancelled
		}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		return res, genErr
	}

	promptTokens := o.counter.CountOrEstimate(prompt)
	telemetry.Int(span, telemetry.AttrTokenCountPrompt, promptTokens)
	telemetry.Int(span, telemetry.AttrTokenCountCompletion, res.Tokens)
	telemetry.Int(span, telemetry.AttrTokenCountTotal, promptTokens+res.Tokens)
	telemetry.String(span, telemetry.AttrOutput, res.Text)
	telemetry.String(span, telemetry.AttrOutputValue, responsePreview(res.Text))

	o.recordResponseSpan(genCtx, req, res, elapsed)
	return res, nil
}

// resolveProvider returns the provider for the request and whether it was
// built for this request only.
func (o *Orchestrator) resolveProvider(override string) (llm.Provider, bool, error) {
	if override == "" || strings.EqualFold(override, o.cfg.Provider) {
		return o.provider, false, nil
	}
	p, err := llm.NewProvider(o.cfg, override, "")
	if err != nil {
		return nil, false, fmt.Errorf("llm provider override %q: %w", override, err)
	}
	return p, true, nil
}

func (o *Orchestrator) providerName(override string) string {
	name := override
	if name == "" {
		name = o.cfg.Provider
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// recordResponseSpan emits the span Phoenix displays as the final answer,
// a child of the generation span.
func (o *Orchestrator) recordResponseSpan(ctx context.Context, req Request, res Result, elapsed time.Duration) {
	_, span := o.tracer.Start(ctx, telemetry.SpanResponse)
	defer span.End()

	words := len(strings.Fields(res.Text))
	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindLLM)
	telemetry.String(span, telemetry.AttrInputValue, req.Question)
	telemetry.String(span, telemetry.AttrOutput, res.Text)
	telemetry.String(span, telemetry.AttrOutputValue,
		fmt.Sprintf("Generated response (%d words, %.2fs)", words, elapsed.Seconds()))
	telemetry.Int(span, telemetry.AttrResponseLength, len(res.Text))
	telemetry.Int(span, "word_count", words)
	span.SetAttributes(attribute.Float64("generation_time_seconds", elapsed.Seconds()))
}

// responsePreview keeps the first three sentences for span overviews.
func responsePreview(text string) string {
	sentences := strings.SplitN(text, ". ", 4)
	if len(sentences) <= 3 {
		return text
	}
	return strings.Join(sentences[:3], ". ") + "..."
}
