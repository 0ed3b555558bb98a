// Package validation reviews answered sessions with an alternate LLM,
// producing structured quality feedback for human reviewers. The
// reviewing model is deliberately drawn from a different family than
// the generator so the grader does not share its blind spots.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-hass/atlas/pkg/citations"
	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/llm"
	"github.com/atlas-hass/atlas/pkg/utils"
)

// evaluationTemperature keeps the reviewing model's judgments
// repeatable.
const evaluationTemperature = 0.1

const (
	// promptCitationLimit caps the citations shown to the reviewer.
	promptCitationLimit = 5

	// promptPreviewChars caps citation content in the review prompt.
	promptPreviewChars = 300

	// markdownPreviewChars caps citation content in the exported report.
	markdownPreviewChars = 200
)

// ErrDisabled reports that the service is switched off.
var ErrDisabled = errors.New("session validation is disabled")

const systemPrompt = `You are an expert evaluator of RAG (Retrieval-Augmented Generation) systems for historical parliamentary documents. Your task is to provide structured feedback on the quality and accuracy of generated responses.

Evaluate the following aspects:
1. **Factual Accuracy**: Are the facts presented correct and verifiable from the source documents?
2. **Completeness**: Does the answer address all aspects of the question?
3. **Relevance**: Is the information relevant to the user's query?
4. **Citation Quality**: Are the sources appropriate and properly referenced?
5. **Clarity**: Is the response clear and well-structured?
6. **Historical Context**: Is the historical context accurate and appropriate?

Provide your feedback in the following JSON structure:
{
  "overall_quality": "excellent|good|fair|poor",
  "factual_accuracy": {
    "score": 1-5,
    "issues": ["list of specific factual issues"],
    "verification_notes": "notes about fact-checking"
  },
  "completeness": {
    "score": 1-5,
    "missing_aspects": ["aspects not addressed"],
    "coverage_notes": "notes about question coverage"
  },
  "relevance": {
    "score": 1-5,
    "relevance_issues": ["off-topic or irrelevant content"],
    "relevance_notes": "notes about relevance"
  },
  "citation_quality": {
    "score": 1-5,
    "citation_issues": ["problems with sources"],
    "source_notes": "notes about source quality"
  },
  "clarity": {
    "score": 1-5,
    "clarity_issues": ["unclear or confusing parts"],
    "clarity_notes": "notes about presentation"
  },
  "historical_context": {
    "score": 1-5,
    "context_issues": ["historical inaccuracies"],
    "context_notes": "notes about historical accuracy"
  },
  "recommendations": ["specific suggestions for improvement"],
  "strengths": ["what the response does well"],
  "overall_notes": "summary assessment"
}`

const userPromptTemplate = `Please evaluate this RAG system response:

## Original Question
%s

## Generated Answer
%s

## Source Documents Used
%s

## System Metadata
- Model: %s
- Retriever: %s
- Target Configuration: %s
- Processing Time: %s
- Timestamp: %s

## Validation Request
Please provide structured feedback on this response according to the evaluation criteria outlined in the system prompt. Focus on accuracy, completeness, and the quality of the historical information provided.`

const markdownTemplate = `# RAG Session Validation Report

## Session Information
- **Session ID**: %s
- **QA ID**: %s
- **Timestamp**: %s

## User Question
%s

## Generated Answer
%s

## Source Documents
%s

## System Metadata
%s

## Validation Instructions
Please evaluate this RAG response for:
1. Factual accuracy against the source documents
2. Completeness in addressing the user's question
3. Relevance of the information provided
4. Quality and appropriateness of citations
5. Clarity and structure of the response
6. Historical context accuracy

Provide specific feedback on strengths, weaknesses, and recommendations for improvement.
`

// SessionData is one answered question submitted for review.
type SessionData struct {
	SessionID string               `json:"session_id"`
	QAID      string               `json:"qa_id"`
	Question  string               `json:"question"`
	Answer    string               `json:"answer"`
	Citations []citations.Citation `json:"citations"`
	Metadata  map[string]any       `json:"metadata"`
	Timestamp string               `json:"timestamp,omitempty"`
}

// Result is the reviewing model's assessment of one session.
type Result struct {
	SessionID      string         `json:"session_id"`
	QAID           string         `json:"qa_id"`
	Model          string         `json:"validation_model"`
	Provider       string         `json:"validation_provider"`
	Mode           string         `json:"validation_mode"`
	Feedback       string         `json:"feedback"`
	Structured     map[string]any `json:"structured_feedback"`
	Timestamp      string         `json:"validation_timestamp"`
	ProcessingTime float64        `json:"processing_time"`
}

// ModelInfo identifies the reviewing model a mode resolves to.
type ModelInfo struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Mode     string `json:"mode"`
}

// ConfigInfo is the validation configuration surface exposed over HTTP.
type ConfigInfo struct {
	Enabled        bool      `json:"enabled"`
	Mode           string    `json:"mode"`
	CurrentModel   ModelInfo `json:"current_model"`
	AvailableModes []string  `json:"available_modes"`
	DefaultModel   string    `json:"default_model"`
	AlternateModel string    `json:"alternate_model"`
}

// Options configures the service. NewProvider defaults to the llm
// factory pinned at the evaluation temperature; tests inject stubs.
type Options struct {
	Config config.ValidationConfig
	LLM    config.LLMConfig

	NewProvider func(provider, model string) (llm.Provider, error)
}

// Service reviews answered sessions with an alternate model family.
type Service struct {
	cfg         config.ValidationConfig
	newProvider func(provider, model string) (llm.Provider, error)
}

func New(opts Options) *Service {
	cfg := opts.Config
	cfg.SetDefaults()

	newProvider := opts.NewProvider
	if newProvider == nil {
		llmCfg := opts.LLM
		newProvider = func(provider, model string) (llm.Provider, error) {
			return llm.NewProvider(llmCfg, provider, model, llm.WithTemperature(evaluationTemperature))
		}
	}
	return &Service{cfg: cfg, newProvider: newProvider}
}

// Enabled reports whether sessions may be validated.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled == nil || *s.cfg.Enabled
}

// ModelFor resolves a mode to its reviewing model. Anything other than
// "default" selects the alternate family.
func (s *Service) ModelFor(mode string) ModelInfo {
	if mode == "default" {
		return ModelInfo{Model: s.cfg.DefaultModel, Provider: s.cfg.DefaultProvider, Mode: "default"}
	}
	return ModelInfo{Model: s.cfg.AlternateModel, Provider: s.cfg.AlternateProvider, Mode: "alternate"}
}

// ConfigInfo reports the current validation setup.
func (s *Service) ConfigInfo() ConfigInfo {
	return ConfigInfo{
		Enabled:        s.Enabled(),
		Mode:           s.cfg.Mode,
		CurrentModel:   s.ModelFor(s.cfg.Mode),
		AvailableModes: []string{"default", "alternate"},
		DefaultModel:   s.cfg.DefaultProvider + "/" + s.cfg.DefaultModel,
		AlternateModel: s.cfg.AlternateProvider + "/" + s.cfg.AlternateModel,
	}
}

// Validate reviews one answered session with the model the mode
// selects. An empty mode falls back to the configured one. The
// reviewing call is non-streaming.
func (s *Service) Validate(ctx context.Context, session SessionData, mode string) (*Result, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if mode == "" {
		mode = s.cfg.Mode
	}
	info := s.ModelFor(mode)

	start := time.Now()
	provider, err := s.newProvider(info.Provider, info.Model)
	if err != nil {
		return nil, fmt.Errorf("building validation provider: %w", err)
	}
	defer provider.Close()

	prompt := systemPrompt + "\n\n" + buildUserPrompt(session)
	feedback, _, err := provider.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("validation generation: %w", err)
	}

	result := &Result{
		SessionID:      session.SessionID,
		QAID:           session.QAID,
		Model:          info.Model,
		Provider:       info.Provider,
		Mode:           info.Mode,
		Feedback:       feedback,
		Structured:     parseFeedback(feedback),
		Timestamp:      time.Now().Format(time.RFC3339),
		ProcessingTime: time.Since(start).Seconds(),
	}
	slog.Info("Session validation completed",
		"session_id", session.SessionID, "provider", info.Provider, "model", info.Model)
	return result, nil
}

// ExportMarkdown renders the session as the structured report both
// human reviewers and the validation prompt consume.
func ExportMarkdown(session SessionData) string {
	var cites strings.Builder
	if len(session.Citations) == 0 {
		cites.WriteString("No citations available")
	} else {
		for i, c := range session.Citations {
			if i == promptCitationLimit {
				break
			}
			if i > 0 {
				cites.WriteString("\n")
			}
			fmt.Fprintf(&cites, "- **%s**\n  - Date: %s\n  - Source: %s\n  - Content: %s...\n  - URL: %s",
				orFallback(c.Title, "Unknown Title"),
				orFallback(c.Date, "Unknown"),
				orFallback(c.Corpus, "Unknown"),
				utils.TruncateChars(c.Content, markdownPreviewChars),
				orFallback(c.URL, "N/A"))
		}
	}

	var meta strings.Builder
	keys := make([]string, 0, len(session.Metadata))
	for k := range session.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			meta.WriteString("\n")
		}
		fmt.Fprintf(&meta, "- **%s**: %v", k, session.Metadata[k])
	}

	return fmt.Sprintf(markdownTemplate,
		session.SessionID, session.QAID, orNow(session.Timestamp),
		session.Question, session.Answer, cites.String(), meta.String())
}

func buildUserPrompt(session SessionData) string {
	return fmt.Sprintf(userPromptTemplate,
		session.Question,
		session.Answer,
		formatCitations(session.Citations),
		metaValue(session.Metadata, "model"),
		metaValue(session.Metadata, "retriever"),
		metaValue(session.Metadata, "target_config"),
		metaValue(session.Metadata, "processing_time"),
		orNow(session.Timestamp))
}

// formatCitations renders up to five citations for the reviewing model.
func formatCitations(cites []citations.Citation) string {
	if len(cites) == 0 {
		return "No citations provided"
	}
	var b strings.Builder
	for i, c := range cites {
		if i == promptCitationLimit {
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. **%s**\n   - Date: %s\n   - Source: %s\n   - Content Preview: %s...\n   - URL: %s",
			i+1,
			orFallback(c.Title, "Unknown Title"),
			orFallback(c.Date, "Unknown"),
			orFallback(c.Corpus, "Unknown"),
			utils.TruncateChars(c.Content, promptPreviewChars),
			orFallback(c.URL, "N/A"))
	}
	return b.String()
}

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	overallRe    = regexp.MustCompile(`"overall_quality":\s*"([^"]+)"`)
	axisScoreRe  = regexp.MustCompile(`"(factual_accuracy|completeness|relevance|citation_quality|clarity|historical_context)":\s*\{\s*"score":\s*(\d+)`)
)

// qualityTerms are tried in order when no structured quality field
// survives; the strongest word present wins.
var qualityTerms = []struct {
	label string
	re    *regexp.Regexp
}{
	{"excellent", regexp.MustCompile(`(?i)\bexcellent\b`)},
	{"good", regexp.MustCompile(`(?i)\bgood\b`)},
	{"fair", regexp.MustCompile(`(?i)\bfair\b`)},
	{"poor", regexp.MustCompile(`(?i)\bpoor\b`)},
}

// parseFeedback recovers the structured JSON the reviewing model was
// asked for. Models wrap or mangle the payload often enough that three
// attempts are made: the widest brace-delimited block, a ```json fence,
// and finally field-level extraction.
func parseFeedback(text string) map[string]any {
	if m := jsonObjectRe.FindString(text); m != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(m), &parsed); err == nil {
			return parsed
		}
	}
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(m[1]), &parsed); err == nil {
			return parsed
		}
	}

	slog.Warn("Validation feedback is not valid JSON, extracting fields")

	quality := "unknown"
	if m := overallRe.FindStringSubmatch(text); m != nil {
		quality = m[1]
	} else {
		for _, term := range qualityTerms {
			if term.re.MatchString(text) {
				quality = term.label
				break
			}
		}
	}

	out := map[string]any{
		"overall_quality": quality,
		"raw_feedback":    text,
		"parse_error":     "could not parse full JSON structure",
	}
	for _, m := range axisScoreRe.FindAllStringSubmatch(text, -1) {
		score, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out[m[1]] = map[string]any{"score": score}
	}
	return out
}

// metaValue renders one metadata field for the prompt, "Unknown" when
// absent.
func metaValue(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return "Unknown"
	}
	return fmt.Sprint(v)
}

func orFallback(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func orNow(ts string) string {
	if ts == "" {
		return time.Now().Format(time.RFC3339)
	}
	return ts
}
