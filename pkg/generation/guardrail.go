package generation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atlas-hass/atlas/pkg/telemetry"
)

// Guardrail screens questions before retrieval. Sensitivity detection is
// currently disabled and every question passes; the hook and its span stay
// so enabling detection later needs no pipeline change.
type Guardrail struct {
	tracer *telemetry.Tracer
}

func NewGuardrail(tracer *telemetry.Tracer) *Guardrail {
	return &Guardrail{tracer: tracer}
}

// Check records a guardrail span for the question and returns the detected
// sensitive contexts, currently always empty.
func (g *Guardrail) Check(ctx context.Context, sessionID, qaID, question string) []string {
	_, span := g.tracer.Start(ctx, telemetry.SpanGuardrail)
	defer span.End()
	start := time.Now()

	telemetry.String(span, telemetry.AttrSessionID, sessionID)
	telemetry.String(span, telemetry.AttrQAID, qaID)
	telemetry.String(span, telemetry.AttrOpenInferenceKind, telemetry.KindGuardrail)
	telemetry.String(span, telemetry.AttrGuardrailType, "sensitivity")
	telemetry.String(span, telemetry.AttrInputValue, question)

	var detected []string

	span.SetAttributes(attribute.Bool(telemetry.AttrGuardrailTriggered, len(detected) > 0))
	telemetry.String(span, telemetry.AttrGuardrailResult, guardrailResult(detected))
	telemetry.Int(span, "sensitivity_count", len(detected))
	telemetry.Int(span, "processing_time_ms", int(time.Since(start).Milliseconds()))
	telemetry.String(span, telemetry.AttrSummary, guardrailSummary(detected))
	telemetry.String(span, telemetry.AttrOutput, guardrailSummary(detected))

	return detected
}

func guardrailResult(detected []string) string {
	if len(detected) == 0 {
		return "pass"
	}
	return "fail"
}

func guardrailSummary(detected []string) string {
	if len(detected) == 0 {
		return "No sensitive contexts detected"
	}
	return "Detected sensitive contexts"
}
