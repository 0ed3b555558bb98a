// Package pipeline runs one question end to end: guardrail check,
// retrieval with transient-failure retries, reranking, citation
// aggregation, and streamed generation, all under a single traced
// pipeline span. The HTTP handlers and the async queue worker share the
// same implementation; only the frame emitter differs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlas-hass/atlas/pkg/citations"
	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/generation"
	"github.com/atlas-hass/atlas/pkg/rerank"
	"github.com/atlas-hass/atlas/pkg/retriever"
	"github.com/atlas-hass/atlas/pkg/telemetry"
)

// Error frame types sent to clients.
const (
	ErrTypeRetrieval = "retrieval_error"
	ErrTypeStreaming = "streaming_error"
	ErrTypePipeline  = "pipeline_error"
)

// SanitizedErrorDetail replaces internal error text in client frames.
const SanitizedErrorDetail = "An error occurred while processing your request"

// NoDocumentsDetail explains a retrieval that matched nothing.
const NoDocumentsDetail = "No relevant documents found for your query."

// retrievalRetries is the number of retries after the initial attempt;
// backoff grows one unit per attempt (1s, 2s).
const retrievalRetries = 2

var retrievalBackoffUnit = time.Second

// ErrNoDocuments reports a query for which retrieval found nothing.
var ErrNoDocuments = errors.New("no relevant documents found")

// Request is one question through the pipeline.
type Request struct {
	Question             string            `json:"question"`
	CorpusFilter         string            `json:"corpus_filter,omitempty"`
	PreviousCorpusFilter string            `json:"previous_corpus_filter,omitempty"`
	DirectionFilter      string            `json:"direction_filter,omitempty"`
	TimePeriodFilter     string            `json:"time_period_filter,omitempty"`
	History              []generation.Turn `json:"chat_history,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	QAID                 string            `json:"qa_id,omitempty"`

	// Provider optionally overrides the configured LLM.
	Provider string `json:"provider,omitempty"`
}

// Emitter receives client-facing frames in stream order. A nil Emitter
// collects the result without streaming (the async worker path).
type Emitter interface {
	Chunk(qaID, text string) error
	References(qaID string, display, all []citations.Citation) error
	Complete(qaID, text string, display []citations.Citation) error
	Error(errType, detail string) error
}

// Result is the terminal state of a pipeline run.
type Result struct {
	SessionID     string               `json:"session_id"`
	QAID          string               `json:"qa_id"`
	Text          string               `json:"response_text"`
	Citations     []citations.Citation `json:"citations"`
	AllCitations  []citations.Citation `json:"all_citations,omitempty"`
	DocumentCount int                  `json:"document_count"`
	ChunkCount    int                  `json:"chunk_count"`
	Model         string               `json:"model,omitempty"`
	Truncated     bool                 `json:"truncated,omitempty"`
	Duration      time.Duration        `json:"-"`
}

// Options wires pipeline dependencies. Tracer, Registry, and Metrics may
// be nil; Guardrail defaults to the built-in checker.
type Options struct {
	Retriever retriever.Retriever
	Generator *generation.Orchestrator
	Guardrail *generation.Guardrail
	Tracer    *telemetry.Tracer
	Registry  telemetry.Registry
	Metrics   *telemetry.Metrics
	Retrieval config.RetrieverConfig
}

// Pipeline answers questions. Safe for concurrent use.
type Pipeline struct {
	retriever retriever.Retriever
	generator *generation.Orchestrator
	guardrail *generation.Guardrail
	tracer    *telemetry.Tracer
	registry  telemetry.Registry
	metrics   *telemetry.Metrics

	searchK       int
	citationLimit int
	parentKey     string
}

func New(opts Options) *Pipeline {
	cfg := opts.Retrieval
	cfg.SetDefaults()

	guardrail := opts.Guardrail
	if guardrail == nil {
		guardrail = generation.NewGuardrail(opts.Tracer)
	}

	return &Pipeline{
		retriever:     opts.Retriever,
		generator:     opts.Generator,
		guardrail:     guardrail,
		tracer:        opts.Tracer,
		registry:      opts.Registry,
		metrics:       opts.Metrics,
		searchK:       cfg.SearchK,
		citationLimit: cfg.CitationLimit,
		parentKey:     citationParentKey(cfg.Module),
	}
}

// citationParentKey names the metadata field documents of a corpus group
// under: Darwin letters carry letter_id, Hansard chunks carry id.
func citationParentKey(module string) string {
	if strings.EqualFold(module, "darwin") {
		return "letter_id"
	}
	return "id"
}

// Run answers one question, forwarding frames to emit as they become
// available. Client-facing error frames are sanitized here; the returned
// error carries the internal cause for logging and job state.
func (p *Pipeline) Run(ctx context.Context, req Request, emit Emitter) (Result, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.QAID == "" {
		req.QAID = uuid.NewString()
	}
	if req.CorpusFilter == "" {
		req.CorpusFilter = "all"
	}
	res := Result{SessionID: req.SessionID, QAID: req.QAID}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, telemetry.SpanPipeline)
	defer span.End()

	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindAgent)
	telemetry.String(span, telemetry.AttrInputValue, req.Question)
	telemetry.String(span, "user_query", req.Question)
	telemetry.String(span, telemetry.AttrCorpusFilter, req.CorpusFilter)
	telemetry.String(span, "previous_corpus_filter", req.PreviousCorpusFilter)
	telemetry.String(span, telemetry.AttrLLMProvider, req.Provider)
	span.SetAttributes(attribute.Bool(telemetry.AttrIsStreaming, emit != nil))

	p.registerPipelineSpan(ctx, req.SessionID, req.QAID, span)

	if detected := p.guardrail.Check(ctx, req.SessionID, req.QAID, req.Question); len(detected) > 0 {
		slog.Warn("Detected sensitive contexts",
			"session_id", req.SessionID, "qa_id", req.QAID, "contexts", detected)
	}

	docs, err := p.retrieve(ctx, req)
	if err != nil {
		return p.fail(span, emit, res, ErrTypePipeline, SanitizedErrorDetail,
			fmt.Errorf("retrieval: %w", err))
	}
	if len(docs) == 0 {
		telemetry.Int(span, telemetry.AttrDocumentCount, 0)
		telemetry.String(span, telemetry.AttrErrorType, ErrTypeRetrieval)
		if emit != nil {
			if emitErr := emit.Error(ErrTypeRetrieval, NoDocumentsDetail); emitErr != nil {
				slog.Warn("Failed to send error frame", "qa_id", req.QAID, "error", emitErr)
			}
		}
		return res, ErrNoDocuments
	}

	docs, err = p.rerankDocs(ctx, req, docs)
	if err != nil {
		return p.fail(span, emit, res, ErrTypePipeline, SanitizedErrorDetail,
			fmt.Errorf("reranking: %w", err))
	}

	res.DocumentCount = len(docs)
	telemetry.Int(span, telemetry.AttrDocumentCount, len(docs))

	genRes, err := p.generator.Stream(ctx, generation.Request{
		Question:     req.Question,
		Documents:    docs,
		History:      req.History,
		SessionID:    req.SessionID,
		QAID:         req.QAID,
		CorpusFilter: req.CorpusFilter,
		Provider:     req.Provider,
	}, chunkEmit(emit, req.QAID))

	res.Text = genRes.Text
	res.ChunkCount = genRes.ChunkCount
	res.Model = genRes.Model
	res.Truncated = genRes.Truncated

	if err != nil {
		if errors.Is(err, generation.ErrCancelled) {
			span.SetAttributes(attribute.String("status", "cancelled"))
			span.SetStatus(codes.Error, "cancelled")
			return res, err
		}
		return p.fail(span, emit, res, ErrTypeStreaming, SanitizedErrorDetail, err)
	}

	display, all := p.references(ctx, req, docs)
	res.Citations = display
	res.AllCitations = all

	if emit != nil {
		// Emission failures past this point mean the client is gone; no
		// frame can report them.
		if err := emit.References(req.QAID, display, all); err != nil {
			return res, fmt.Errorf("emit references: %w", err)
		}
		if err := emit.Complete(req.QAID, res.Text, display); err != nil {
			return res, fmt.Errorf("emit completion: %w", err)
		}
	}

	telemetry.String(span, telemetry.AttrOutputValue, res.Text)
	telemetry.Int(span, telemetry.AttrResponseLength, len(res.Text))
	telemetry.Int(span, "final_chunk_count", res.ChunkCount)

	res.Duration = time.Since(start)
	return res, nil
}

// fail records err on the pipeline span and sends the sanitized frame.
func (p *Pipeline) fail(span trace.Span, emit Emitter, res Result, errType, detail string, err error) (Result, error) {
	slog.Error("Pipeline stage failed", "qa_id", res.QAID, "type", errType, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	telemetry.String(span, telemetry.AttrErrorType, errType)
	if emit != nil {
		if emitErr := emit.Error(errType, detail); emitErr != nil {
			slog.Warn("Failed to send error frame", "qa_id", res.QAID, "error", emitErr)
		}
	}
	return res, err
}

// registerPipelineSpan maps (session, qa) to this span and makes it the
// session root when none is registered yet.
func (p *Pipeline) registerPipelineSpan(ctx context.Context, sessionID, qaID string, span trace.Span) {
	if p.registry == nil {
		return
	}
	spanID := telemetry.SpanID(span)
	if spanID == "" {
		return
	}
	traceID := telemetry.TraceID(span)
	p.registry.Register(ctx, sessionID, qaID, spanID, traceID)
	if _, ok := p.registry.FindRoot(ctx, sessionID); !ok {
		p.registry.RegisterRoot(ctx, sessionID, spanID, traceID)
	}
}

// retrieve runs the retriever under the retrieval span, retrying
// transient failures with 1s then 2s backoff.
func (p *Pipeline) retrieve(ctx context.Context, req Request) ([]document.Document, error) {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanRetrieval)
	defer span.End()

	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindRetriever)
	telemetry.String(span, telemetry.AttrInputValue, req.Question)
	telemetry.String(span, telemetry.AttrCorpusFilter, req.CorpusFilter)
	telemetry.Int(span, telemetry.AttrRetrievalK, p.searchK)

	if p.registry != nil {
		if spanID := telemetry.SpanID(span); spanID != "" {
			p.registry.Register(ctx, req.SessionID, req.QAID+telemetry.RetrievalKeySuffix,
				spanID, telemetry.TraceID(span))
		}
	}

	rreq := retriever.Request{
		Query:            req.Question,
		K:                p.searchK,
		CorpusFilter:     req.CorpusFilter,
		DirectionFilter:  req.DirectionFilter,
		TimePeriodFilter: req.TimePeriodFilter,
		SessionID:        req.SessionID,
		QAID:             req.QAID,
	}

	start := time.Now()
	var docs []document.Document
	var err error
	for attempt := 0; ; attempt++ {
		docs, err = p.retriever.Invoke(ctx, rreq)
		if err == nil || !errors.Is(err, retriever.ErrTransient) || attempt == retrievalRetries {
			break
		}
		delay := time.Duration(attempt+1) * retrievalBackoffUnit
		slog.Warn("Transient retrieval failure, retrying",
			"qa_id", req.QAID, "attempt", attempt+1, "delay", delay, "error", err)
		telemetry.Int(span, "retry_count", attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	telemetry.Int(span, telemetry.AttrDocumentCount, len(docs))
	telemetry.String(span, telemetry.AttrOutputValue,
		fmt.Sprintf("Retrieved %d documents", len(docs)))
	span.SetAttributes(attribute.Float64("retrieval_time_seconds", time.Since(start).Seconds()))
	return docs, nil
}

// rerankDocs rescores the retrieved documents under the reranking span.
// The candidate set is already final; reranking only reorders it.
func (p *Pipeline) rerankDocs(ctx context.Context, req Request, docs []document.Document) ([]document.Document, error) {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanReranking)
	defer span.End()

	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindReranker)
	telemetry.String(span, telemetry.AttrInputValue, req.Question)
	telemetry.Int(span, "input_document_count", len(docs))
	telemetry.Int(span, "max_docs", len(docs))

	start := time.Now()
	ranked, err := rerank.Documents(ctx, req.Question, docs, len(docs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	summary := fmt.Sprintf("Reranked %d documents by relevance", len(docs))
	telemetry.String(span, telemetry.AttrSummary, summary)
	telemetry.String(span, telemetry.AttrOutput, summary)
	telemetry.String(span, telemetry.AttrOutputValue, summary)
	span.SetAttributes(attribute.Float64("processing_time_seconds", time.Since(start).Seconds()))
	return ranked, nil
}

// references aggregates chunk documents into parent-level citations
// under the references span: the display list capped at the citation
// limit and the full list for telemetry and the frontend archive view.
func (p *Pipeline) references(ctx context.Context, req Request, docs []document.Document) (display, all []citations.Citation) {
	ctx, span := p.tracer.Start(ctx, telemetry.SpanReferences)
	defer span.End()

	telemetry.String(span, telemetry.AttrSessionID, req.SessionID)
	telemetry.String(span, telemetry.AttrQAID, req.QAID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindChain)
	telemetry.Int(span, telemetry.AttrDocumentCount, len(docs))
	telemetry.Int(span, "citation_limit", p.citationLimit)

	if p.registry != nil {
		if spanID := telemetry.SpanID(span); spanID != "" {
			p.registry.Register(ctx, req.SessionID, req.QAID+telemetry.ReferencesKeySuffix,
				spanID, telemetry.TraceID(span))
		}
	}

	display = citations.Aggregate(docs, p.parentKey, p.citationLimit)
	all = citations.Aggregate(docs, p.parentKey, len(docs))

	telemetry.String(span, telemetry.AttrInputValue,
		fmt.Sprintf("Formatting %d documents as references", len(docs)))
	telemetry.String(span, telemetry.AttrOutputValue,
		fmt.Sprintf("Generated %d citations from %d documents", len(display), len(docs)))
	telemetry.String(span, "description", "Citations and references for the answer")
	telemetry.Int(span, telemetry.AttrCitationCount, len(display))
	telemetry.Int(span, "total_documents", len(docs))
	return display, all
}

func chunkEmit(emit Emitter, qaID string) func(string) error {
	if emit == nil {
		return nil
	}
	return func(text string) error {
		return emit.Chunk(qaID, text)
	}
}
