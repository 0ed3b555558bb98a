package sse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-hass/atlas/pkg/citations"
	"github.com/atlas-hass/atlas/pkg/pipeline"
)

var _ pipeline.Emitter = (*Writer)(nil)

type plainWriter struct {
	header http.Header
}

func (p *plainWriter) Header() http.Header {
	if p.header == nil {
		p.header = make(http.Header)
	}
	return p.header
}

func (p *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (p *plainWriter) WriteHeader(int)             {}

// splitFrame separates one wire frame into its event name and JSON data.
func splitFrame(t *testing.T, raw string) (event, data string) {
	t.Helper()
	require.True(t, strings.HasSuffix(raw, "\n\n"), "frame must end with a blank line: %q", raw)
	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		default:
			t.Fatalf("unexpected sse line %q", line)
		}
	}
	return event, data
}

func TestNewWriterSetsStreamingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	_, err := NewWriter(rec)

	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestNewWriterRequiresFlusher(t *testing.T) {
	_, err := NewWriter(&plainWriter{})
	assert.ErrorIs(t, err, ErrNoFlusher)
}

func TestChunkFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Chunk("qa-1", "The House "))

	event, data := splitFrame(t, rec.Body.String())
	assert.Empty(t, event, "chunk frames are plain data messages")

	var frame struct {
		QAID             string `json:"qaId"`
		ResponseComplete bool   `json:"responseComplete"`
		Chunk            struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"chunk"`
		Timestamp float64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &frame))
	assert.Equal(t, "qa-1", frame.QAID)
	assert.False(t, frame.ResponseComplete)
	assert.Equal(t, "text", frame.Chunk.Type)
	assert.Equal(t, "The House ", frame.Chunk.Text)
	assert.Greater(t, frame.Timestamp, 0.0)
	assert.True(t, rec.Flushed, "each frame is flushed to the client")
}

func TestCompleteFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	display := []citations.Citation{{ID: "A", Title: "First sitting", Corpus: "1901_au"}}
	require.NoError(t, w.Complete("qa-1", "The House assembled.", display))

	event, data := splitFrame(t, rec.Body.String())
	assert.Equal(t, EventComplete, event)

	var frame struct {
		QAID             string               `json:"qaId"`
		ResponseComplete bool                 `json:"responseComplete"`
		ResponseText     string               `json:"responseText"`
		Citations        []citations.Citation `json:"citations"`
		Timestamp        float64              `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &frame))
	assert.Equal(t, "qa-1", frame.QAID)
	assert.True(t, frame.ResponseComplete)
	assert.Equal(t, "The House assembled.", frame.ResponseText)
	require.Len(t, frame.Citations, 1)
	assert.Equal(t, "A", frame.Citations[0].ID)
	assert.Greater(t, frame.Timestamp, 0.0)
}

func TestCompleteFrameKeepsEmptyCitationList(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Complete("qa-1", "No sources.", nil))

	_, data := splitFrame(t, rec.Body.String())
	assert.Contains(t, data, `"citations":[]`, "clients expect an array, never null")
}

func TestReferencesFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	display := []citations.Citation{{ID: "A"}, {ID: "B"}}
	all := []citations.Citation{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	require.NoError(t, w.References("qa-1", display, all))

	event, data := splitFrame(t, rec.Body.String())
	assert.Equal(t, EventReferences, event)

	var frame struct {
		Type         string               `json:"type"`
		QAID         string               `json:"qa_id"`
		Citations    []citations.Citation `json:"citations"`
		AllCitations []citations.Citation `json:"allCitations"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &frame))
	assert.Equal(t, "references", frame.Type)
	assert.Equal(t, "qa-1", frame.QAID)
	assert.Len(t, frame.Citations, 2)
	assert.Len(t, frame.AllCitations, 3)
}

func TestErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Error("retrieval_error", "No relevant documents found for your query."))

	event, data := splitFrame(t, rec.Body.String())
	assert.Equal(t, EventError, event)

	var frame struct {
		Type      string `json:"type"`
		Detail    string `json:"detail"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &frame))
	assert.Equal(t, "retrieval_error", frame.Type)
	assert.Equal(t, "No relevant documents found for your query.", frame.Detail)
	_, err = time.Parse(time.RFC3339Nano, frame.Timestamp)
	assert.NoError(t, err, "error timestamps are RFC 3339")
}

func TestFramesConcatenateInOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Chunk("qa-1", "a"))
	require.NoError(t, w.Chunk("qa-1", "b"))
	require.NoError(t, w.Complete("qa-1", "ab", nil))

	body := rec.Body.String()
	frames := strings.SplitAfter(body, "\n\n")
	require.Len(t, frames, 4, "three frames plus the trailing empty split")
	assert.Empty(t, frames[3])
	assert.True(t, strings.HasPrefix(frames[0], "data: "))
	assert.True(t, strings.HasPrefix(frames[1], "data: "))
	assert.True(t, strings.HasPrefix(frames[2], "event: complete\n"))
}
