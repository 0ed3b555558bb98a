// Package atlas is a retrieval-augmented question answering server for
// historical corpora.
//
// ATLAS answers natural-language questions over digitised archives such as
// the 1901 Hansard parliamentary debates (Australia, New Zealand, United
// Kingdom) and the Darwin correspondence. Questions are answered by hybrid
// retrieval (dense vectors fused with lexical BM25), heuristic reranking,
// and a streaming LLM generation pipeline that cites the source documents
// it drew on.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/atlas-hass/atlas/cmd/atlas@latest
//
// Configure the retriever through the environment:
//
//	export ENVIRONMENT=development
//	export RETRIEVER_MODULE=hansard
//	export EMBEDDING_MODEL=nomic-embed-text
//
// Start the API server:
//
//	atlas serve
//
// Run a queue worker for async requests:
//
//	atlas worker
//
// The HTTP surface exposes synchronous queries (POST /api/query), streaming
// answers over SSE (POST /api/ask/stream), asynchronous jobs backed by Redis
// (POST /api/ask/async), and user feedback forwarded to a Phoenix collector
// as span annotations (POST /api/feedback).
package atlas
