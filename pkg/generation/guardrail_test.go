package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardrailPassesAllQuestions(t *testing.T) {
	g := NewGuardrail(nil)

	assert.Empty(t, g.Check(context.Background(), "sess-1", "qa-1", "Who moved the address in reply?"))
	assert.Empty(t, g.Check(context.Background(), "", "", ""))
}

func TestGuardrailResultLabels(t *testing.T) {
	assert.Equal(t, "pass", guardrailResult(nil))
	assert.Equal(t, "fail", guardrailResult([]string{"x"}))
	assert.Equal(t, "No sensitive contexts detected", guardrailSummary(nil))
}
