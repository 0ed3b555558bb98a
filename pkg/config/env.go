package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	envVarPatterns = struct {
		withDefault *regexp.Regexp
		braced      *regexp.Regexp
		simple      *regexp.Regexp
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
		simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
	}
)

func expandEnvVars(s string) string {

	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			envVar := parts[1]
			defaultVal := parts[2]
			if val := os.Getenv(envVar); val != "" {
				return val
			}
			return defaultVal
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// ExpandEnvVarsInData recursively expands ${VAR:-default}, ${VAR} and $VAR
// in every string value of a decoded YAML tree.
func ExpandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		return expandEnvVars(v)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result

	default:
		return v
	}
}

// LoadEnvFiles loads .env.<ENVIRONMENT> (when ENVIRONMENT is set) and then
// .env. Values already present in the process environment win; missing
// files are not an error.
func LoadEnvFiles() error {
	var envFiles []string
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		envFiles = append(envFiles, ".env."+strings.ToLower(env))
	}
	envFiles = append(envFiles, ".env")

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// ProviderAPIKey returns the credential for an LLM provider from the
// environment. BEDROCK and OLLAMA resolve credentials elsewhere.
func ProviderAPIKey(provider string) string {
	switch strings.ToUpper(provider) {
	case "OPENAI":
		return os.Getenv("OPENAI_API_KEY")
	case "ANTHROPIC":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "GOOGLE":
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}

// lookupEnv resolves a documented variable name, preferring the ATLAS_
// prefixed form.
func lookupEnv(name string) string {
	if v := os.Getenv("ATLAS_" + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func setEnvString(dst *string, name string) {
	if v := lookupEnv(name); v != "" {
		*dst = v
	}
}

func setEnvInt(dst *int, name string) {
	if v := lookupEnv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setEnvInt64(dst *int64, name string) {
	if v := lookupEnv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setEnvFloat(dst *float64, name string) {
	if v := lookupEnv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setEnvBool(dst **bool, name string) {
	if v := lookupEnv(name); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst = boolPtr(true)
		case "false", "0", "no":
			*dst = boolPtr(false)
		}
	}
}

func setEnvDuration(dst *time.Duration, name string) {
	if v := lookupEnv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setEnvStrings(dst *[]string, name string) {
	if v := lookupEnv(name); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}

// applyEnv overlays the documented environment variables onto cfg.
func applyEnv(cfg *Config) {
	setEnvString(&cfg.Version, "ATLAS_VERSION")
	setEnvString(&cfg.Environment, "ENVIRONMENT")
	setEnvString(&cfg.TestTarget, "TEST_TARGET")
	setEnvString(&cfg.TargetsDir, "TARGETS_DIR")

	setEnvString(&cfg.Server.Host, "HOST")
	setEnvInt(&cfg.Server.Port, "PORT")
	setEnvInt(&cfg.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setEnvStrings(&cfg.Server.CORSOrigins, "CORS_ORIGINS")
	setEnvInt64(&cfg.Server.MaxBodyBytes, "MAX_BODY_BYTES")
	setEnvBool(&cfg.Server.AsyncEnabled, "ASYNC_ENABLED")

	setEnvString(&cfg.Retriever.Module, "RETRIEVER_MODULE")
	setEnvString(&cfg.Retriever.EmbeddingModel, "EMBEDDING_MODEL")
	setEnvString(&cfg.Retriever.SearchType, "SEARCH_TYPE")
	setEnvInt(&cfg.Retriever.SearchK, "SEARCH_K")
	setEnvFloat(&cfg.Retriever.SearchScoreThreshold, "SEARCH_SCORE_THRESHOLD")
	setEnvInt(&cfg.Retriever.CitationLimit, "CITATION_LIMIT")
	setEnvInt(&cfg.Retriever.LargeRetrievalSizeSingleCorpus, "LARGE_RETRIEVAL_SIZE_SINGLE_CORPUS")
	setEnvInt(&cfg.Retriever.LargeRetrievalSizeAllCorpus, "LARGE_RETRIEVAL_SIZE_ALL_CORPUS")
	setEnvString(&cfg.Retriever.Algorithm, "ALGORITHM")
	setEnvInt(&cfg.Retriever.ChunkSize, "CHUNK_SIZE")
	setEnvInt(&cfg.Retriever.ChunkOverlap, "CHUNK_OVERLAP")
	setEnvString(&cfg.Retriever.Pooling, "POOLING")
	setEnvString(&cfg.Retriever.IndexName, "INDEX_NAME")
	setEnvString(&cfg.Retriever.BM25CorpusPath, "BM25_CORPUS_PATH")
	setEnvInt(&cfg.Retriever.RequestTimeout, "RETRIEVER_REQUEST_TIMEOUT")
	setEnvInt(&cfg.Retriever.ConnectionTimeout, "RETRIEVER_CONNECTION_TIMEOUT")

	setEnvString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	setEnvString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setEnvString(&cfg.Embedding.Device, "EMBEDDING_DEVICE")

	setEnvString(&cfg.VectorStore.Backend, "VECTOR_BACKEND")
	setEnvString(&cfg.VectorStore.PersistDirectory, "CHROMA_PERSIST_DIRECTORY")
	setEnvString(&cfg.VectorStore.Collection, "CHROMA_COLLECTION_NAME")
	setEnvString(&cfg.VectorStore.Qdrant.Host, "QDRANT_HOST")
	setEnvInt(&cfg.VectorStore.Qdrant.Port, "QDRANT_PORT")
	setEnvString(&cfg.VectorStore.Qdrant.APIKey, "QDRANT_API_KEY")
	if v := lookupEnv("QDRANT_USE_TLS"); v != "" {
		cfg.VectorStore.Qdrant.UseTLS = strings.EqualFold(v, "true") || v == "1"
	}

	setEnvString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setEnvString(&cfg.LLM.Model, "LLM_MODEL")
	setEnvString(&cfg.LLM.BaseURL, "OLLAMA_BASE_URL")
	setEnvInt(&cfg.LLM.MaxConcurrent, "LLM_MAX_CONCURRENT")
	setEnvInt(&cfg.LLM.MaxResponseChars, "LLM_MAX_RESPONSE_CHARS")
	setEnvInt(&cfg.LLM.MaxResponseTokens, "LLM_MAX_RESPONSE_TOKENS")
	setEnvString(&cfg.LLM.AWSRegion, "AWS_REGION")

	setEnvString(&cfg.Redis.URL, "REDIS_URL")
	setEnvString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setEnvInt(&cfg.Redis.TelemetryDB, "REDIS_TELEMETRY_DB")

	setEnvBool(&cfg.PromptCache.Enabled, "PROMPT_CACHING_ENABLED")
	setEnvDuration(&cfg.PromptCache.TTL, "PROMPT_CACHE_TTL")
	setEnvBool(&cfg.PromptCache.CacheSystemPrompts, "PROMPT_CACHE_SYSTEM_PROMPTS")
	setEnvBool(&cfg.PromptCache.CacheContext, "PROMPT_CACHE_CONTEXT")

	setEnvBool(&cfg.Telemetry.Enabled, "TELEMETRY_ENABLED")
	setEnvString(&cfg.Telemetry.ServiceName, "TELEMETRY_SERVICE_NAME")
	setEnvString(&cfg.Telemetry.Exporter, "TELEMETRY_EXPORTER")
	setEnvString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setEnvFloat(&cfg.Telemetry.SampleRatio, "TELEMETRY_SAMPLE_RATIO")
	setEnvBool(&cfg.Telemetry.UseRedisRegistry, "USE_REDIS_FOR_TELEMETRY")
	setEnvString(&cfg.Telemetry.RegistryDialect, "SPAN_REGISTRY_DIALECT")
	setEnvString(&cfg.Telemetry.RegistryDSN, "SPAN_REGISTRY_DSN")
	setEnvString(&cfg.Telemetry.SQLitePath, "SQLITE_SPAN_REGISTRY_DB_PATH")
	setEnvString(&cfg.Telemetry.PhoenixEndpoint, "PHOENIX_COLLECTOR_ENDPOINT")
	setEnvString(&cfg.Telemetry.PhoenixAPIKey, "PHOENIX_API_KEY")

	setEnvBool(&cfg.Validation.Enabled, "VALIDATION_ENABLED")
	setEnvString(&cfg.Validation.Mode, "VALIDATION_LLM_MODE")
	setEnvString(&cfg.Validation.DefaultModel, "VALIDATION_LLM_DEFAULT")
	setEnvString(&cfg.Validation.AlternateModel, "VALIDATION_LLM_ALTERNATE")
	setEnvString(&cfg.Validation.DefaultProvider, "VALIDATION_PROVIDER_DEFAULT")
	setEnvString(&cfg.Validation.AlternateProvider, "VALIDATION_PROVIDER_ALTERNATE")
}
