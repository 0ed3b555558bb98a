package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/config")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)

	assert.Contains(t, body, "ATLAS_VERSION")
	assert.NotEmpty(t, body["FULL_SYSTEM_PROMPT"])
	preview, _ := body["SYSTEM_PROMPT"].(string)
	assert.LessOrEqual(t, len(preview), 153, "preview is truncated to 150 chars plus ellipsis")

	options, ok := body["CORPUS_OPTIONS"].([]any)
	require.True(t, ok)
	require.Len(t, options, 4)
	first := options[0].(map[string]any)
	assert.Equal(t, "all", first["value"])

	assert.Equal(t, "nomic-embed-text", body["embedding_model"])
	assert.Equal(t, "hybrid", body["search_type"])
	assert.NotEmpty(t, body["collection_name"])
}

func TestRetrieverFiltersEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/retriever/filters")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)

	corpus, ok := body["corpus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, corpus["supported"])
	assert.Len(t, corpus["options"], 4)

	direction, ok := body["direction"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, direction["supported"])
}

func TestCacheStatsReflectHits(t *testing.T) {
	env := newTestEnv(t)

	ask := func() {
		rec := env.post(t, "/api/ask/stream", map[string]any{
			"question":   "What was debated?",
			"session_id": "sess-1",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	ask()
	ask()

	rec := env.get(t, "/api/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	stats, ok := body["cache_statistics"].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, float64(1), stats["total_entries"], "identical prompt reuses the entry")
	assert.Equal(t, float64(1), stats["total_hits"])
	assert.Greater(t, stats["hit_rate"], float64(0))
}

func TestCacheClear(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post(t, "/api/ask/stream", map[string]any{"question": "Seed the cache"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, env.cache.Len())

	clear := env.post(t, "/api/cache/clear", map[string]any{})
	require.Equal(t, http.StatusOK, clear.Code)
	assert.Equal(t, "Prompt cache cleared successfully", decodeJSON(t, clear)["message"])
	assert.Zero(t, env.cache.Len())
}

func TestTelemetryStatusWithoutTracer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/telemetry")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["telemetry_initialized"])
}

func TestDiagnosticsNeverEchoSecrets(t *testing.T) {
	t.Setenv("PHOENIX_API_KEY", "super-secret-value")
	env := newTestEnv(t)

	rec := env.get(t, "/api/diagnostics")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)

	environ, ok := body["environment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, environ["PHOENIX_API_KEY"])
	assert.NotContains(t, rec.Body.String(), "super-secret-value")

	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nomic-embed-text", cfg["embedding_model"])
}

func TestVectorStoreInfoWithoutPool(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/vector-store-info")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "hansard", body["module"])
	assert.NotEmpty(t, body["collection"])
	assert.NotContains(t, body, "backend")
}

func TestValidateSessionDisabled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.post(t, "/api/validate_session", map[string]any{
		"session_id": "sess-1",
		"question":   "Q",
		"answer":     "A",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Session validation is disabled", body["message"])
}

func TestValidateConfigDisabled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/validate_config")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	modes, ok := body["available_modes"].([]any)
	require.True(t, ok)
	assert.Empty(t, modes)
}
