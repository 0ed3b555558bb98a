package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Feedback is one user feedback submission for an answered question.
// Unset pointer fields mean the user skipped that axis.
type Feedback struct {
	SessionID string `json:"session_id"`
	QAID      string `json:"qa_id"`

	// Sentiment is "positive" or "negative" (the thumbs widget).
	Sentiment    string `json:"sentiment,omitempty"`
	FeedbackText string `json:"feedback_text,omitempty"`

	// Likert ratings, 1-5.
	Relevance       *int `json:"relevance,omitempty"`
	FactualAccuracy *int `json:"factual_accuracy,omitempty"`
	SourceQuality   *int `json:"source_quality,omitempty"`
	Clarity         *int `json:"clarity,omitempty"`
	QuestionRating  *int `json:"question_rating,omitempty"`
	AnalysisQuality *int `json:"analysis_quality,omitempty"`
	CorpusFidelity  *int `json:"corpus_fidelity,omitempty"`
	Difficulty      *int `json:"difficulty,omitempty"`

	UserExpertise string          `json:"user_expertise,omitempty"`
	UserCategory  string          `json:"user_category,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Faults        map[string]bool `json:"faults,omitempty"`
	ModelAnswer   string          `json:"model_answer,omitempty"`

	// FeedbackType is simple, extended, or ai_enhanced.
	FeedbackType string         `json:"feedback_type,omitempty"`
	AIValidation *AIValidation  `json:"ai_validation,omitempty"`
	AIAgreement  string         `json:"ai_agreement,omitempty"`
	Ratings      map[string]int `json:"ratings,omitempty"`
}

// AIValidation carries the alternate-model review attached to
// ai_enhanced feedback.
type AIValidation struct {
	StructuredFeedback *AIReview `json:"structured_feedback,omitempty"`
}

// AIReview is the structured portion of an AI session review.
type AIReview struct {
	OverallQuality    string      `json:"overall_quality,omitempty"`
	FactualAccuracy   *AICategory `json:"factual_accuracy,omitempty"`
	Completeness      *AICategory `json:"completeness,omitempty"`
	Relevance         *AICategory `json:"relevance,omitempty"`
	CitationQuality   *AICategory `json:"citation_quality,omitempty"`
	Clarity           *AICategory `json:"clarity,omitempty"`
	HistoricalContext *AICategory `json:"historical_context,omitempty"`
}

// AICategory is one reviewed quality axis.
type AICategory struct {
	Score       int    `json:"score"`
	Explanation string `json:"explanation,omitempty"`
}

func (r *AIReview) categories() []struct {
	name string
	cat  *AICategory
} {
	return []struct {
		name string
		cat  *AICategory
	}{
		{"factual_accuracy", r.FactualAccuracy},
		{"completeness", r.Completeness},
		{"relevance", r.Relevance},
		{"citation_quality", r.CitationQuality},
		{"clarity", r.Clarity},
		{"historical_context", r.HistoricalContext},
	}
}

var userCategoryScores = map[string]float64{
	"General User":            1,
	"Hansard Expert":          2,
	"Digital HASS Researcher": 3,
	"GLAM Practitioner":       4,
}

var aiQualityScores = map[string]float64{
	"excellent": 5,
	"good":      4,
	"fair":      3,
	"poor":      2,
}

var agreementScores = map[string]float64{
	"strongly_agree":    5,
	"agree":             4,
	"neutral":           3,
	"disagree":          2,
	"strongly_disagree": 1,
}

// Annotations expands the feedback into Phoenix annotations targeting
// spanID, one per filled axis. Names and score mappings are what the
// Phoenix dashboards filter on, so they are fixed vocabulary.
func (f Feedback) Annotations(spanID string) []Annotation {
	base := fmt.Sprintf("feedback_%s_%d", f.QAID, time.Now().Unix())
	meta := func(extra ...string) map[string]string {
		m := map[string]string{}
		if f.QAID != "" {
			m["qa_id"] = f.QAID
		}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}

	var out []Annotation
	add := func(idSuffix, name, label string, score *float64, explanation string, metadata map[string]string) {
		out = append(out, Annotation{
			ID:            base + idSuffix,
			Name:          name,
			SpanID:        spanID,
			AnnotatorKind: AnnotatorHuman,
			Result:        AnnotationResult{Label: label, Score: score, Explanation: explanation},
			Metadata:      metadata,
		})
	}

	if f.FeedbackText != "" {
		add("_user_comment", "User Comment", "user_feedback", nil, f.FeedbackText, meta())
	}
	if f.Relevance != nil {
		add("_relevance", "Relevance Rating", "relevance",
			scorePtr(float64(*f.Relevance)), likertExplanation("Relevance", *f.Relevance), meta())
	}
	if f.FactualAccuracy != nil {
		add("_factual", "Factual Accuracy", "factual_accuracy",
			scorePtr(float64(*f.FactualAccuracy)), accuracyExplanation(*f.FactualAccuracy), meta())
	}
	if f.Clarity != nil {
		add("_clarity", "Clarity", "clarity",
			scorePtr(float64(*f.Clarity)), likertExplanation("Clarity", *f.Clarity), meta())
	}
	if f.CorpusFidelity != nil {
		add("_corpus_fidelity", "Corpus Fidelity", "corpus_fidelity",
			scorePtr(float64(*f.CorpusFidelity)), likertExplanation("Corpus fidelity", *f.CorpusFidelity), meta())
	}
	if f.UserExpertise != "" {
		add("_user_expertise", "User Expertise", "user_expertise",
			nil, "User identified as: "+f.UserExpertise, meta())
	}
	if f.SourceQuality != nil {
		add("_source_quality", "Source Quality", "source_quality",
			scorePtr(float64(*f.SourceQuality)), likertExplanation("Source quality", *f.SourceQuality), meta())
	}
	if f.QuestionRating != nil {
		add("_question_rating", "Question Difficulty", "question_difficulty",
			scorePtr(float64(*f.QuestionRating)), likertExplanation("Question difficulty", *f.QuestionRating), meta())
	}
	if f.UserCategory != "" {
		score, ok := userCategoryScores[f.UserCategory]
		if !ok {
			score = 1
		}
		add("_user_category", "User Category", "user_category",
			scorePtr(score), "User Category: "+f.UserCategory, meta("user_category", f.UserCategory))
	}
	for i, tag := range f.Tags {
		add(fmt.Sprintf("_tag_%d", i), "Tag: "+tag, "feedback_tag",
			scorePtr(1), "User tagged response as: "+tag, meta("tag", tag))
	}
	switch f.Sentiment {
	case "positive":
		add("_user_feedback", "user feedback", "thumbs-up", scorePtr(1), "", meta("sentiment", f.Sentiment))
	case "negative":
		add("_user_feedback", "user feedback", "thumbs-down", scorePtr(0), "", meta("sentiment", f.Sentiment))
	}
	if f.AnalysisQuality != nil {
		add("_analysis_quality", "Analysis Quality", "analysis_quality",
			scorePtr(float64(*f.AnalysisQuality)), likertExplanation("Analysis quality", *f.AnalysisQuality), meta())
	}
	if f.Difficulty != nil {
		add("_difficulty", "Query Difficulty", "query_difficulty",
			scorePtr(float64(*f.Difficulty)), likertExplanation("Query difficulty", *f.Difficulty), meta())
	}
	for _, fault := range activeFaults(f.Faults) {
		add("_fault_"+fault, "Fault: "+titleCase(fault), "fault",
			scorePtr(1), "User identified fault: "+strings.ReplaceAll(fault, "_", " "), meta("fault_type", fault))
	}

	if f.FeedbackType == "ai_enhanced" {
		out = append(out, f.aiAnnotations(base, spanID, meta)...)
	}

	if f.ModelAnswer != "" {
		add("_model_answer", "Model Answer", "model_answer", nil, f.ModelAnswer, meta())
	}

	return out
}

// aiAnnotations covers the ai_enhanced block: the AI review carries the
// LLM annotator kind, the human follow-ups stay HUMAN.
func (f Feedback) aiAnnotations(base, spanID string, meta func(...string) map[string]string) []Annotation {
	var out []Annotation

	if f.AIValidation != nil && f.AIValidation.StructuredFeedback != nil {
		review := f.AIValidation.StructuredFeedback
		if review.OverallQuality != "" {
			score, ok := aiQualityScores[review.OverallQuality]
			if !ok {
				score = 3
			}
			out = append(out, Annotation{
				ID:            base + "_ai_overall_quality",
				Name:          "AI Overall Quality Assessment",
				SpanID:        spanID,
				AnnotatorKind: AnnotatorLLM,
				Result: AnnotationResult{
					Label:       "ai_overall_quality",
					Score:       scorePtr(score),
					Explanation: "AI assessed overall quality as: " + review.OverallQuality,
				},
				Metadata: meta("feedback_type", "ai_validation"),
			})
		}
		for _, c := range review.categories() {
			if c.cat == nil {
				continue
			}
			out = append(out, Annotation{
				ID:            base + "_ai_" + c.name,
				Name:          "AI " + titleCase(c.name),
				SpanID:        spanID,
				AnnotatorKind: AnnotatorLLM,
				Result: AnnotationResult{
					Label:       "ai_" + c.name,
					Score:       scorePtr(float64(c.cat.Score)),
					Explanation: fmt.Sprintf("AI %s assessment: %d/5", strings.ReplaceAll(c.name, "_", " "), c.cat.Score),
				},
				Metadata: meta("feedback_type", "ai_validation", "category", c.name),
			})
		}
	}

	ratingNames := make([]string, 0, len(f.Ratings))
	for name := range f.Ratings {
		ratingNames = append(ratingNames, name)
	}
	sort.Strings(ratingNames)
	for _, name := range ratingNames {
		out = append(out, Annotation{
			ID:            base + "_human_" + name,
			Name:          "Human " + titleCase(name),
			SpanID:        spanID,
			AnnotatorKind: AnnotatorHuman,
			Result: AnnotationResult{
				Label:       "human_" + name,
				Score:       scorePtr(float64(f.Ratings[name])),
				Explanation: fmt.Sprintf("Human %s assessment: %d/5", strings.ReplaceAll(name, "_", " "), f.Ratings[name]),
			},
			Metadata: meta("feedback_type", "ai_enhanced_human"),
		})
	}

	if f.AIAgreement != "" {
		score, ok := agreementScores[f.AIAgreement]
		if !ok {
			score = 3
		}
		out = append(out, Annotation{
			ID:            base + "_ai_agreement",
			Name:          "AI Agreement Level",
			SpanID:        spanID,
			AnnotatorKind: AnnotatorHuman,
			Result: AnnotationResult{
				Label:       "ai_agreement",
				Score:       scorePtr(score),
				Explanation: "Human agreement with AI assessment: " + f.AIAgreement,
			},
			Metadata: meta("feedback_type", "ai_enhanced_human"),
		})
	}

	return out
}

func activeFaults(faults map[string]bool) []string {
	var active []string
	for fault, present := range faults {
		if present {
			active = append(active, fault)
		}
	}
	sort.Strings(active)
	return active
}

func likertExplanation(axis string, score int) string {
	return fmt.Sprintf("%s rated %d/5", axis, score)
}

func accuracyExplanation(score int) string {
	switch {
	case score <= 2:
		return fmt.Sprintf("Low factual accuracy (rated %d/5)", score)
	case score == 3:
		return fmt.Sprintf("Moderate factual accuracy (rated %d/5)", score)
	default:
		return fmt.Sprintf("High factual accuracy (rated %d/5)", score)
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// lookupDelays spaces span lookup retries; the SQL registry can lag a
// beat behind the streaming response the user is rating.
var lookupDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// Associator routes user feedback to the span that produced the answer.
type Associator struct {
	registry Registry
	client   *AnnotationClient
	delays   []time.Duration
}

func NewAssociator(registry Registry, client *AnnotationClient) *Associator {
	return &Associator{registry: registry, client: client, delays: lookupDelays}
}

// Associate finds the generation response span for the feedback's qa id
// and submits one annotation per filled axis. The response span is tried
// first; the pipeline span is the fallback.
func (a *Associator) Associate(ctx context.Context, fb Feedback) error {
	spanID, ok := a.findWithRetry(ctx, fb.SessionID, fb.QAID+ResponseKeySuffix)
	if !ok {
		slog.Warn("No response span found, falling back to pipeline span",
			"session_id", fb.SessionID, "qa_id", fb.QAID)
		spanID, ok = a.findWithRetry(ctx, fb.SessionID, fb.QAID)
	}
	if !ok {
		return fmt.Errorf("no span registered for session %q qa %q", fb.SessionID, fb.QAID)
	}

	annotations := fb.Annotations(spanID)
	if len(annotations) == 0 {
		return fmt.Errorf("feedback for qa %q has no annotatable fields", fb.QAID)
	}
	if err := a.client.Submit(ctx, annotations); err != nil {
		return err
	}
	slog.Info("Feedback annotations submitted",
		"session_id", fb.SessionID, "qa_id", fb.QAID, "span_id", spanID, "count", len(annotations))
	return nil
}

func (a *Associator) findWithRetry(ctx context.Context, sessionID, qaID string) (string, bool) {
	for attempt := 0; attempt < 3; attempt++ {
		if spanID, ok := a.registry.Find(ctx, sessionID, qaID); ok {
			return spanID, true
		}
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(a.delays[attempt]):
			}
		}
	}
	return "", false
}
