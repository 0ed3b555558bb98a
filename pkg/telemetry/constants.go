package telemetry

// Span names. The pipeline span is the parent of everything recorded for
// one question; the response span hangs off the generation span and is
// the annotation target for user feedback.
const (
	SpanPipeline   = "atlas.pipeline"
	SpanGuardrail  = "atlas.guardrail"
	SpanRetrieval  = "atlas.retrieval"
	SpanReranking  = "atlas.reranking"
	SpanGeneration = "atlas.generation"
	SpanResponse   = "atlas.response"
	SpanReferences = "atlas.references"
)

// OpenInference span kinds understood by Phoenix.
const (
	KindChain     = "CHAIN"
	KindLLM       = "LLM"
	KindRetriever = "RETRIEVER"
	KindReranker  = "RERANKER"
	KindGuardrail = "GUARDRAIL"
	KindAgent     = "AGENT"
)

// Span attribute keys.
const (
	// Session and request identifiers. AttrSessionID matches the Phoenix
	// convention for session grouping.
	AttrSessionID = "session.id"
	AttrQAID      = "qa_id"

	// Input/output display attributes.
	AttrInputValue  = "input.value"
	AttrOutput      = "output"
	AttrOutputValue = "output.value"
	AttrSummary     = "summary"

	AttrOpenInferenceKind = "openinference.span.kind"

	// Model and token accounting.
	AttrLLMModel             = "llm_model"
	AttrLLMProvider          = "llm_provider"
	AttrTokenCountPrompt     = "llm.token_count.prompt"
	AttrTokenCountCompletion = "llm.token_count.completion"
	AttrTokenCountTotal      = "llm.token_count.total"

	// Retrieval attributes.
	AttrSearchType    = "retrieval.search_type"
	AttrRetrievalK    = "retrieval.k"
	AttrCorpusFilter  = "corpus_filter"
	AttrDocumentCount = "document_count"

	// Generation attributes.
	AttrChunkCount     = "chunk_count"
	AttrResponseLength = "response_length"
	AttrCitationCount  = "citation_count"
	AttrIsStreaming    = "is_streaming"
	AttrCacheHit       = "prompt_cache.hit"

	// Guardrail attributes.
	AttrGuardrailType      = "guardrail.type"
	AttrGuardrailTriggered = "guardrail.triggered"
	AttrGuardrailResult    = "guardrail.result"

	AttrEnvironment = "environment"
	AttrErrorType   = "error.type"
)

// RootQAKey is the reserved qa id under which a session root span is
// stored in the SQL registry.
const RootQAKey = "_root_"

// Registry key suffixes. Feedback lookups try the response key first;
// the retrieval and references keys exist for span inspection tooling.
const (
	ResponseKeySuffix   = "_response"
	RetrievalKeySuffix  = "_retrieval"
	ReferencesKeySuffix = "_references"
)
