// Package config resolves the layered ATLAS configuration: code defaults,
// an optional YAML file, process environment, and a per-target profile file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration tree. Treat a loaded Config as a
// read-only snapshot; mutation after Load is not synchronized.
type Config struct {
	// Version reported by /api/config.
	Version string `yaml:"version,omitempty"`

	// Environment selects deployment behavior: development, staging,
	// production. Required.
	Environment string `yaml:"environment,omitempty"`

	// TestTarget names the active target profile. The profile file
	// <TestTarget>.txt under TargetsDir overrides retriever settings.
	TestTarget string `yaml:"test_target,omitempty"`

	// TargetsDir is the directory holding target profile files.
	TargetsDir string `yaml:"targets_dir,omitempty"`

	Server      ServerConfig      `yaml:"server,omitempty"`
	Retriever   RetrieverConfig   `yaml:"retriever,omitempty"`
	Embedding   EmbeddingConfig   `yaml:"embedding,omitempty"`
	VectorStore VectorStoreConfig `yaml:"vector_store,omitempty"`
	LLM         LLMConfig         `yaml:"llm,omitempty"`
	Redis       RedisConfig       `yaml:"redis,omitempty"`
	PromptCache PromptCacheConfig `yaml:"prompt_cache,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
	Validation  ValidationConfig  `yaml:"validation,omitempty"`

	// Extra holds unrecognized profile keys, kept for diagnostics.
	Extra map[string]any `yaml:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// RateLimitPerMinute is the per-client-IP request budget.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// CORSOrigins lists allowed origins. Empty means allow all.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// MaxBodyBytes caps request bodies read by the server.
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`

	// AsyncEnabled exposes the async ask endpoints. Requires Redis.
	AsyncEnabled *bool `yaml:"async_enabled,omitempty"`
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetrieverConfig configures corpus retrieval.
type RetrieverConfig struct {
	// Module selects the corpus adapter: hansard or darwin. Required.
	Module string `yaml:"module,omitempty"`

	// EmbeddingModel names the embedding model. Required.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// SearchType is similarity or hybrid.
	SearchType string `yaml:"search_type,omitempty"`

	// SearchK is the number of documents returned per query.
	SearchK int `yaml:"search_k,omitempty"`

	// SearchScoreThreshold drops dense hits scoring below it.
	SearchScoreThreshold float64 `yaml:"search_score_threshold,omitempty"`

	// CitationLimit caps the citations returned per answer.
	CitationLimit int `yaml:"citation_limit,omitempty"`

	// LargeRetrievalSizeSingleCorpus and LargeRetrievalSizeAllCorpus size
	// the expanded candidate pools for filtered retrieval.
	LargeRetrievalSizeSingleCorpus int `yaml:"large_retrieval_size_single_corpus,omitempty"`
	LargeRetrievalSizeAllCorpus    int `yaml:"large_retrieval_size_all_corpus,omitempty"`

	// Algorithm is the vector index algorithm label (reported only).
	Algorithm string `yaml:"algorithm,omitempty"`

	// ChunkSize and ChunkOverlap describe how the corpus was chunked.
	ChunkSize    int `yaml:"chunk_size,omitempty"`
	ChunkOverlap int `yaml:"chunk_overlap,omitempty"`

	// Pooling is the embedding pooling strategy label.
	Pooling string `yaml:"pooling,omitempty"`

	// IndexName overrides the vector store collection name.
	IndexName string `yaml:"index_name,omitempty"`

	// TargetID and TargetVersion identify the active profile.
	TargetID      string `yaml:"target_id,omitempty"`
	TargetVersion string `yaml:"target_version,omitempty"`

	// BM25CorpusPath points at the lexical sidecar JSONL. Empty disables
	// hybrid fusion (dense-only).
	BM25CorpusPath string `yaml:"bm25_corpus_path,omitempty"`

	// RequestTimeout and ConnectionTimeout are in seconds.
	RequestTimeout    int `yaml:"request_timeout,omitempty"`
	ConnectionTimeout int `yaml:"connection_timeout,omitempty"`
}

// RequestTimeoutDuration returns the retrieval request timeout.
func (c *RetrieverConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ConnectionTimeoutDuration returns the backend connect timeout.
func (c *RetrieverConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is ollama (default) or openai.
	Provider string `yaml:"provider,omitempty"`

	// BaseURL overrides the provider endpoint. Useful for compatible
	// servers.
	BaseURL string `yaml:"base_url,omitempty"`

	// Device requests gpu or cpu embedding. gpu falls back to cpu once
	// on probe failure.
	Device string `yaml:"device,omitempty"`
}

// VectorStoreConfig configures the vector store backend.
type VectorStoreConfig struct {
	// Backend is chromem (embedded, default) or qdrant.
	Backend string `yaml:"backend,omitempty"`

	// PersistDirectory is the chromem persistence root.
	PersistDirectory string `yaml:"persist_directory,omitempty"`

	// Collection is the default collection name. RetrieverConfig.IndexName
	// takes precedence when set.
	Collection string `yaml:"collection,omitempty"`

	Qdrant QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig holds qdrant connection settings.
type QdrantConfig struct {
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// LLMConfig configures answer generation.
type LLMConfig struct {
	// Provider is one of OPENAI, ANTHROPIC, GOOGLE, OLLAMA, BEDROCK.
	Provider string `yaml:"provider,omitempty"`

	// Model is the provider-specific model name.
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the Ollama endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxConcurrent bounds simultaneous generations process-wide.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// MaxResponseChars and MaxResponseTokens truncate runaway responses.
	MaxResponseChars  int `yaml:"max_response_chars,omitempty"`
	MaxResponseTokens int `yaml:"max_response_tokens,omitempty"`

	// AWSRegion for the BEDROCK provider.
	AWSRegion string `yaml:"aws_region,omitempty"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	// URL in redis://host:port/db form. Required outside development
	// when the async queue is enabled.
	URL string `yaml:"url,omitempty"`

	// Password overrides any password embedded in URL.
	Password string `yaml:"password,omitempty"`

	// TelemetryDB is the logical DB for the span registry.
	TelemetryDB int `yaml:"telemetry_db,omitempty"`
}

// PromptCacheConfig configures the composed-prompt cache.
type PromptCacheConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// TTL evicts entries unused longer than this.
	TTL time.Duration `yaml:"ttl,omitempty"`

	// CacheSystemPrompts and CacheContext select which prompt parts
	// participate in the cache key.
	CacheSystemPrompts *bool `yaml:"cache_system_prompts,omitempty"`
	CacheContext       *bool `yaml:"cache_context,omitempty"`
}

// TelemetryConfig configures tracing, metrics, the span registry and the
// Phoenix annotation client.
type TelemetryConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// ServiceName is the otel resource service.name.
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter is otlp, stdout, or none.
	Exporter string `yaml:"exporter,omitempty"`

	// OTLPEndpoint is the otlp-grpc collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// SampleRatio is the trace sampling ratio (0-1).
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// UseRedisRegistry forces the Redis span registry regardless of
	// environment.
	UseRedisRegistry *bool `yaml:"use_redis_registry,omitempty"`

	// RegistryDialect and RegistryDSN configure the SQL span registry:
	// sqlite3 (default), postgres, or mysql.
	RegistryDialect string `yaml:"registry_dialect,omitempty"`
	RegistryDSN     string `yaml:"registry_dsn,omitempty"`

	// SQLitePath is the sqlite registry file when RegistryDSN is unset.
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// PhoenixEndpoint and PhoenixAPIKey configure the span annotation
	// collector for user feedback.
	PhoenixEndpoint string `yaml:"phoenix_endpoint,omitempty"`
	PhoenixAPIKey   string `yaml:"phoenix_api_key,omitempty"`
}

// ValidationConfig configures the alternate-LLM session review service.
type ValidationConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// Mode selects the reviewing model: "default" uses the configured
	// default model, "alternate" (the default mode) uses the other family.
	Mode string `yaml:"mode,omitempty"`

	DefaultModel      string `yaml:"default_model,omitempty"`
	DefaultProvider   string `yaml:"default_provider,omitempty"`
	AlternateModel    string `yaml:"alternate_model,omitempty"`
	AlternateProvider string `yaml:"alternate_provider,omitempty"`
}

// boolValue resolves a tri-state flag against its default.
func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(v bool) *bool { return &v }

// AsyncEnabled reports whether the async ask endpoints are on.
func (c *Config) AsyncEnabled() bool {
	return boolValue(c.Server.AsyncEnabled, true)
}

// PromptCacheEnabled reports whether prompt caching is on.
func (c *Config) PromptCacheEnabled() bool {
	return boolValue(c.PromptCache.Enabled, true)
}

// TelemetryEnabled reports whether the tracer exports spans.
func (c *Config) TelemetryEnabled() bool {
	return boolValue(c.Telemetry.Enabled, true)
}

// ValidationEnabled reports whether the session validation service is on.
func (c *Config) ValidationEnabled() bool {
	return boolValue(c.Validation.Enabled, true)
}

// UseRedisRegistry reports whether the span registry lives in Redis.
// Staging and production default to Redis; development defaults to SQL.
func (c *Config) UseRedisRegistry() bool {
	if c.Telemetry.UseRedisRegistry != nil {
		return *c.Telemetry.UseRedisRegistry
	}
	switch strings.ToLower(c.Environment) {
	case "staging", "production":
		return true
	default:
		return false
	}
}

// CollectionName returns the effective vector store collection.
func (c *Config) CollectionName() string {
	if c.Retriever.IndexName != "" {
		return c.Retriever.IndexName
	}
	return c.VectorStore.Collection
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.TargetsDir == "" {
		c.TargetsDir = "./targets"
	}

	c.Server.SetDefaults()
	c.Retriever.SetDefaults()
	c.Embedding.SetDefaults()
	c.VectorStore.SetDefaults()
	c.LLM.SetDefaults()
	c.Redis.SetDefaults()
	c.PromptCache.SetDefaults()
	c.Telemetry.SetDefaults()
	c.Validation.SetDefaults()
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 240
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.AsyncEnabled == nil {
		c.AsyncEnabled = boolPtr(true)
	}
}

func (c *RetrieverConfig) SetDefaults() {
	if c.SearchType == "" {
		c.SearchType = "hybrid"
	}
	if c.SearchK == 0 {
		c.SearchK = 10
	}
	if c.CitationLimit == 0 {
		c.CitationLimit = 10
	}
	if c.LargeRetrievalSizeSingleCorpus == 0 {
		c.LargeRetrievalSizeSingleCorpus = 500
	}
	if c.LargeRetrievalSizeAllCorpus == 0 {
		c.LargeRetrievalSizeAllCorpus = 500
	}
	if c.Algorithm == "" {
		c.Algorithm = "hnsw"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.Pooling == "" {
		c.Pooling = "mean"
	}
	if c.TargetID == "" {
		c.TargetID = "default"
	}
	if c.TargetVersion == "" {
		c.TargetVersion = "1.0"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10
	}
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case "openai":
			c.BaseURL = "https://api.openai.com/v1"
		default:
			c.BaseURL = "http://localhost:11434"
		}
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "chromem"
	}
	if c.PersistDirectory == "" {
		c.PersistDirectory = "./chroma_db"
	}
	if c.Collection == "" {
		c.Collection = "atlas_documents"
	}
	c.Qdrant.SetDefaults()
}

func (c *QdrantConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "OLLAMA"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxResponseChars == 0 {
		c.MaxResponseChars = 32000
	}
	if c.MaxResponseTokens == 0 {
		c.MaxResponseTokens = 4000
	}
}

func (c *RedisConfig) SetDefaults() {
	if c.TelemetryDB == 0 {
		c.TelemetryDB = 1
	}
}

func (c *PromptCacheConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CacheSystemPrompts == nil {
		c.CacheSystemPrompts = boolPtr(true)
	}
	if c.CacheContext == nil {
		c.CacheContext = boolPtr(true)
	}
}

func (c *TelemetryConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.ServiceName == "" {
		c.ServiceName = "atlas"
	}
	if c.Exporter == "" {
		if c.OTLPEndpoint != "" {
			c.Exporter = "otlp"
		} else {
			c.Exporter = "none"
		}
	}
	if c.SampleRatio == 0 {
		c.SampleRatio = 1.0
	}
	if c.RegistryDialect == "" {
		c.RegistryDialect = "sqlite3"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "./telemetry_span_registry.db"
	}
}

func (c *ValidationConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.Mode == "" {
		c.Mode = "alternate"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o"
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = "OPENAI"
	}
	if c.AlternateModel == "" {
		c.AlternateModel = "claude-3-5-sonnet-20241022"
	}
	if c.AlternateProvider == "" {
		c.AlternateProvider = "ANTHROPIC"
	}
}

// Validate checks the loaded configuration. Failures are fatal at startup.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("ENVIRONMENT is required (development, staging, or production)")
	}
	if c.Retriever.Module == "" {
		return fmt.Errorf("RETRIEVER_MODULE is required (hansard or darwin)")
	}
	if c.Retriever.EmbeddingModel == "" {
		return fmt.Errorf("EMBEDDING_MODEL is required; configure it in your .env file")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Retriever.Validate(); err != nil {
		return fmt.Errorf("retriever: %w", err)
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	env := strings.ToLower(c.Environment)
	if env != "development" && c.AsyncEnabled() && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required outside development when the async queue is enabled")
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute cannot be negative")
	}
	return nil
}

func (c *RetrieverConfig) Validate() error {
	switch c.Module {
	case "hansard", "darwin":
	default:
		return fmt.Errorf("unknown module %q (hansard or darwin)", c.Module)
	}
	switch c.SearchType {
	case "similarity", "hybrid":
	default:
		return fmt.Errorf("unknown search_type %q (similarity or hybrid)", c.SearchType)
	}
	if c.SearchK < 1 {
		return fmt.Errorf("search_k must be at least 1")
	}
	if c.CitationLimit < 1 {
		return fmt.Errorf("citation_limit must be at least 1")
	}
	return nil
}

func (c *EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown provider %q (ollama or openai)", c.Provider)
	}
	switch c.Device {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("unknown device %q (cpu or gpu)", c.Device)
	}
	return nil
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown backend %q (chromem or qdrant)", c.Backend)
	}
	return nil
}

func (c *LLMConfig) Validate() error {
	switch strings.ToUpper(c.Provider) {
	case "OPENAI", "ANTHROPIC", "GOOGLE", "OLLAMA", "BEDROCK":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	return nil
}

func (c *TelemetryConfig) Validate() error {
	switch c.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown exporter %q (otlp, stdout, or none)", c.Exporter)
	}
	switch c.RegistryDialect {
	case "sqlite3", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unknown registry dialect %q", c.RegistryDialect)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within [0, 1]")
	}
	return nil
}
