package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. Layers, later wins:
// code defaults, the optional YAML file at path, process environment,
// then the target profile named by TEST_TARGET.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			var raw map[string]any
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			expanded, ok := ExpandEnvVarsInData(raw).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config file %s is not a mapping", path)
			}
			if err := decodeMap(expanded, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := loadTargetProfile(cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds the configuration from the process environment alone.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// DefaultConfig returns a configuration with defaults applied and no
// environment or file layers. Intended for tests.
func DefaultConfig() *Config {
	cfg := &Config{
		Environment: "development",
		Retriever: RetrieverConfig{
			Module:         "hansard",
			EmbeddingModel: "nomic-embed-text",
		},
	}
	cfg.SetDefaults()
	return cfg
}

// decodeMap decodes a generic map into cfg honoring yaml tags, with
// weak typing so profile strings coerce into ints and floats.
func decodeMap(input map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}

// Summary returns a compact single-line description of the effective
// configuration for startup logging. Secrets are never included.
func (c *Config) Summary() string {
	parts := []string{
		fmt.Sprintf("env=%s", c.Environment),
		fmt.Sprintf("module=%s", c.Retriever.Module),
		fmt.Sprintf("search=%s k=%d", c.Retriever.SearchType, c.Retriever.SearchK),
		fmt.Sprintf("embedding=%s/%s", c.Embedding.Provider, c.Retriever.EmbeddingModel),
		fmt.Sprintf("vectors=%s", c.VectorStore.Backend),
		fmt.Sprintf("llm=%s/%s", c.LLM.Provider, c.LLM.Model),
	}
	if c.TestTarget != "" {
		parts = append(parts, fmt.Sprintf("target=%s", c.TestTarget))
	}
	if c.AsyncEnabled() {
		parts = append(parts, "async=on")
	}
	return strings.Join(parts, " ")
}
