package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlas-hass/atlas/pkg/config"
	"github.com/atlas-hass/atlas/pkg/document"
	"github.com/atlas-hass/atlas/pkg/promptcache"
)

func TestSystemPromptSelectsCorpus(t *testing.T) {
	hansard := SystemPrompt("hansard")
	assert.Contains(t, hansard, "Hansard parliamentary debates of 1901")
	assert.Contains(t, hansard, citationGuidelines)

	darwin := SystemPrompt("darwin")
	assert.Contains(t, darwin, "Charles Darwin's works and writings")
	assert.Contains(t, darwin, citationGuidelines)

	assert.Equal(t, darwin, SystemPrompt("DARWIN"))
	assert.Equal(t, hansard, SystemPrompt(""), "unknown modules fall back to hansard")
	assert.Equal(t, hansard, SystemPrompt("1901_au"))
}

func TestFormatDocuments(t *testing.T) {
	docs := []document.Document{
		{
			ID:   "au-1",
			Text: "The honourable member rose to speak.",
			Metadata: map[string]any{
				"date":    "1901-05-09",
				"title":   "Governor-General's Speech",
				"corpus":  "1901_au",
				"page":    12,
				"speaker": "Barton", // not a context key, must not appear
			},
		},
		{
			ID:       "nz-7",
			Text:     "Leave was granted.",
			Metadata: map[string]any{"source": "NZ Hansard"},
		},
	}

	got := FormatDocuments(docs)

	want := "Document 1 [date: 1901-05-09, title: Governor-General's Speech, corpus: 1901_au, page: 12]:\n" +
		"The honourable member rose to speak.\n" +
		"\n" +
		"Document 2 [source: NZ Hansard]:\n" +
		"Leave was granted.\n"
	assert.Equal(t, want, got)
}

func TestFormatDocumentsWithoutMetadata(t *testing.T) {
	docs := []document.Document{{ID: "x", Text: "Bare text."}}
	assert.Equal(t, "Document 1 []:\nBare text.\n", FormatDocuments(docs))
	assert.Empty(t, FormatDocuments(nil))
}

func TestFormatHistory(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "Who moved the motion?"},
		{Role: "assistant", Content: "Mr Barton moved it."},
		{Role: "HUMAN", Content: "When?"},
		{Role: "ai", Content: "On 21 May 1901."},
		{Role: "system", Content: "must be skipped"},
		{Role: "user", Content: "   "},
	}

	got := FormatHistory(turns)

	want := "User: Who moved the motion?\n" +
		"Assistant: Mr Barton moved it.\n" +
		"User: When?\n" +
		"Assistant: On 21 May 1901."
	assert.Equal(t, want, got)
	assert.Empty(t, FormatHistory(nil))
}

func TestBuildPrompt(t *testing.T) {
	cache := promptcache.New(config.PromptCacheConfig{})

	prompt, info := BuildPrompt(cache, "You are a test assistant.", "Document 1 []:\nText.\n",
		"", "What happened?", "OLLAMA", "llama3.2")

	want := "You are a test assistant.\n\n" +
		"Context information is below.\n" +
		"Document 1 []:\nText.\n\n\n" +
		"User question: What happened?\n\nAnswer:"
	assert.Equal(t, want, prompt)
	assert.Equal(t, len("You are a test assistant."), info.SystemLength)
}

func TestBuildPromptWithHistory(t *testing.T) {
	cache := promptcache.New(config.PromptCacheConfig{})

	prompt, _ := BuildPrompt(cache, "System.", "Context.",
		"User: Hi\nAssistant: Hello", "And then?", "OLLAMA", "llama3.2")

	want := "System.\n\n" +
		"Context information is below.\n" +
		"Context.\n\n" +
		"Previous conversation:\n" +
		"User: Hi\nAssistant: Hello\n\n" +
		"User question: And then?\n\nAnswer:"
	assert.Equal(t, want, prompt)
}
