// Package sse encodes answer frames as Server-Sent Events. Chunk frames
// are plain data messages; references, complete, and error frames carry
// an event name so clients can dispatch on addEventListener.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-hass/atlas/pkg/citations"
)

// Event names for non-chunk frames.
const (
	EventReferences = "references"
	EventComplete   = "complete"
	EventError      = "error"
)

// ErrNoFlusher reports a ResponseWriter that cannot stream. Middleware
// wrapping the writer must preserve http.Flusher for SSE routes.
var ErrNoFlusher = errors.New("response writer does not support flushing")

type chunkPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chunkFrame struct {
	QAID             string       `json:"qaId"`
	ResponseComplete bool         `json:"responseComplete"`
	Chunk            chunkPayload `json:"chunk"`
	Timestamp        float64      `json:"timestamp"`
}

type completeFrame struct {
	QAID             string               `json:"qaId"`
	ResponseComplete bool                 `json:"responseComplete"`
	ResponseText     string               `json:"responseText"`
	Citations        []citations.Citation `json:"citations"`
	Timestamp        float64              `json:"timestamp"`
}

type referencesFrame struct {
	Type         string               `json:"type"`
	QAID         string               `json:"qa_id"`
	Citations    []citations.Citation `json:"citations"`
	AllCitations []citations.Citation `json:"allCitations"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// Writer streams frames to one client, flushing after each so chunks
// arrive as they are generated. It satisfies the pipeline's emitter
// contract.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and sets the SSE response
// headers. X-Accel-Buffering disables proxy buffering on nginx.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// Chunk sends one generated text fragment.
func (w *Writer) Chunk(qaID, text string) error {
	return w.send("", chunkFrame{
		QAID:      qaID,
		Chunk:     chunkPayload{Type: "text", Text: text},
		Timestamp: epochSeconds(),
	})
}

// References sends the citation frame: the display list capped for the
// reference panel plus the uncapped list for telemetry-aware clients.
func (w *Writer) References(qaID string, display, all []citations.Citation) error {
	return w.send(EventReferences, referencesFrame{
		Type:         EventReferences,
		QAID:         qaID,
		Citations:    nonNil(display),
		AllCitations: nonNil(all),
	})
}

// Complete sends the final frame with the accumulated response text.
func (w *Writer) Complete(qaID, text string, display []citations.Citation) error {
	return w.send(EventComplete, completeFrame{
		QAID:             qaID,
		ResponseComplete: true,
		ResponseText:     text,
		Citations:        nonNil(display),
		Timestamp:        epochSeconds(),
	})
}

// Error sends a sanitized error frame. The stream ends after this.
func (w *Writer) Error(errType, detail string) error {
	return w.send(EventError, errorFrame{
		Type:      errType,
		Detail:    detail,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
}

func (w *Writer) send(event string, data any) error {
	frame, err := encode(event, data)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("writing sse frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// encode renders one wire frame: an optional event line, the JSON data
// line, and the blank separator line.
func encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding sse payload: %w", err)
	}
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

func epochSeconds() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// nonNil keeps empty citation lists as [] on the wire.
func nonNil(cs []citations.Citation) []citations.Citation {
	if cs == nil {
		return []citations.Citation{}
	}
	return cs
}
