package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// profileMappings assigns profile file keys to config tree paths.
// Keys not listed here land in Config.Extra.
var profileMappings = map[string]string{
	"SEARCH_TYPE":                        "retriever.search_type",
	"SEARCH_K":                           "retriever.search_k",
	"SEARCH_SCORE_THRESHOLD":             "retriever.search_score_threshold",
	"CITATION_LIMIT":                     "retriever.citation_limit",
	"TARGET_VERSION":                     "retriever.target_version",
	"LARGE_RETRIEVAL_SIZE":               "retriever.large_retrieval_size_single_corpus",
	"LARGE_RETRIEVAL_SIZE_SINGLE_CORPUS": "retriever.large_retrieval_size_single_corpus",
	"LARGE_RETRIEVAL_SIZE_ALL_CORPUS":    "retriever.large_retrieval_size_all_corpus",
	"LLM_PROVIDER":                       "llm.provider",
	"LLM_MODEL":                          "llm.model",
	"ALGORITHM":                          "retriever.algorithm",
	"CHUNK_SIZE":                         "retriever.chunk_size",
	"CHUNK_OVERLAP":                      "retriever.chunk_overlap",
	"INDEX_NAME":                         "retriever.index_name",
	"POOLING":                            "retriever.pooling",
	"EMBEDDING_MODEL":                    "retriever.embedding_model",
}

// loadTargetProfile overlays <TestTarget>.txt from TargetsDir onto cfg.
// A missing file is logged and skipped; a malformed file is an error.
func loadTargetProfile(cfg *Config) error {
	if cfg.TestTarget == "" {
		return nil
	}

	dir := cfg.TargetsDir
	if dir == "" {
		dir = "./targets"
	}
	path := filepath.Join(dir, cfg.TestTarget+".txt")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Target profile not found", "path", path)
			return nil
		}
		return fmt.Errorf("failed to open target profile %s: %w", path, err)
	}
	defer f.Close()

	values, err := parseProfile(f)
	if err != nil {
		return fmt.Errorf("failed to parse target profile %s: %w", path, err)
	}

	overlay := make(map[string]any)
	for key, value := range values {
		mapped, ok := profileMappings[key]
		if !ok {
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]any)
			}
			cfg.Extra[key] = value
			slog.Debug("Unknown target profile key", "key", key, "target", cfg.TestTarget)
			continue
		}
		assignPath(overlay, mapped, value)
	}

	if err := decodeMap(overlay, cfg); err != nil {
		return fmt.Errorf("failed to apply target profile %s: %w", path, err)
	}

	cfg.Retriever.TargetID = cfg.TestTarget
	slog.Debug("Loaded target profile", "path", path, "keys", len(values))
	return nil
}

// parseProfile reads KEY = value lines. Comments (#) and blank lines are
// ignored; surrounding single or double quotes are stripped.
func parseProfile(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		value = strings.Trim(value, `"`)
		value = strings.Trim(value, `'`)
		if key == "" {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return values, nil
}

// assignPath writes value into a nested map at a dot-separated path.
func assignPath(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := tree
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
}
