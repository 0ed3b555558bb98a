package llm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/atlas-hass/atlas/pkg/config"
)

// Generation parameters shared across providers. The composed prompt
// carries all instruction content, so sampling stays at the provider
// defaults the original deployment used.
const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

// defaultModels maps a provider to the model used when none is
// configured.
var defaultModels = map[string]string{
	"OPENAI":    "gpt-4o",
	"ANTHROPIC": "claude-3-5-sonnet-20240620",
	"GOOGLE":    "gemini-1.5-pro",
	"OLLAMA":    "llama3.2",
	"BEDROCK":   "anthropic.claude-3-sonnet-20240229-v1:0",
}

// Option adjusts a freshly constructed provider.
type Option func(Provider)

// temperatureSetter is implemented by every concrete provider.
type temperatureSetter interface {
	setTemperature(float64)
}

// WithTemperature overrides the default sampling temperature. Answer
// evaluation uses a low value for repeatable judgments.
func WithTemperature(t float64) Option {
	return func(p Provider) {
		if s, ok := p.(temperatureSetter); ok {
			s.setTemperature(t)
		}
	}
}

// New builds the provider named by the configuration.
func New(cfg config.LLMConfig) (Provider, error) {
	return NewProvider(cfg, cfg.Provider, cfg.Model)
}

// NewProvider builds a provider by name, using cfg for endpoint and
// sizing settings. An unknown name falls back to the configured default
// provider with a warning; an empty model falls back per provider.
// Credentials come from the environment and missing ones fail
// construction.
func NewProvider(cfg config.LLMConfig, provider, model string, opts ...Option) (Provider, error) {
	name := strings.ToUpper(strings.TrimSpace(provider))
	if _, known := defaultModels[name]; !known {
		fallback := strings.ToUpper(strings.TrimSpace(cfg.Provider))
		if _, ok := defaultModels[fallback]; !ok {
			return nil, fmt.Errorf("unknown LLM provider %q (and no usable default)", provider)
		}
		slog.Warn("Unknown LLM provider, using configured default",
			"provider", provider, "default", fallback)
		name = fallback
	}
	if model == "" {
		model = cfg.Model
	}
	if model == "" {
		model = defaultModels[name]
	}

	var (
		p   Provider
		err error
	)
	switch name {
	case "OPENAI":
		p, err = NewOpenAI(model)
	case "ANTHROPIC":
		p, err = NewAnthropic(model)
	case "GOOGLE":
		p, err = NewGoogle(model)
	case "OLLAMA":
		p, err = NewOllama(cfg.BaseURL, model)
	case "BEDROCK":
		p, err = NewBedrock(resolveRegion(cfg), model)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func resolveRegion(cfg config.LLMConfig) string {
	if cfg.AWSRegion != "" {
		return cfg.AWSRegion
	}
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}
