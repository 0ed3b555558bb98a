package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-hass/atlas/internal/httpclient"
)

// Annotator kinds accepted by Phoenix.
const (
	AnnotatorHuman = "HUMAN"
	AnnotatorLLM   = "LLM"
)

// Annotation is one Phoenix span annotation.
type Annotation struct {
	ID            string            `json:"id,omitempty"`
	Name          string            `json:"name"`
	SpanID        string            `json:"span_id"`
	AnnotatorKind string            `json:"annotator_kind"`
	Result        AnnotationResult  `json:"result"`
	Metadata      map[string]string `json:"metadata"`
}

// AnnotationResult carries the rating itself. Score is a pointer because
// free-text annotations (comments, model answers) have no score and
// Phoenix distinguishes null from zero.
type AnnotationResult struct {
	Label       string   `json:"label"`
	Score       *float64 `json:"score"`
	Explanation string   `json:"explanation,omitempty"`
}

// AnnotationClient posts span annotations to a Phoenix collector.
type AnnotationClient struct {
	endpoint string
	apiKey   string
	client   *httpclient.Client
}

// NewAnnotationClient configures the collector endpoint. An "api_key="
// prefix on the key is stripped; some deployments export the whole
// header value.
func NewAnnotationClient(endpoint, apiKey string) *AnnotationClient {
	return &AnnotationClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   strings.TrimPrefix(apiKey, "api_key="),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	}
}

// Enabled reports whether a collector endpoint is configured.
func (c *AnnotationClient) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Submit posts the annotations synchronously so the caller learns about
// rejects immediately.
func (c *AnnotationClient) Submit(ctx context.Context, annotations []Annotation) error {
	if !c.Enabled() {
		return errors.New("no Phoenix collector endpoint configured")
	}
	if len(annotations) == 0 {
		return errors.New("no annotations to submit")
	}

	payload := struct {
		Data []Annotation `json:"data"`
	}{Data: annotations}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal annotations: %w", err)
	}

	url := c.endpoint + "/v1/span_annotations?sync=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create annotation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("annotation submission failed (%d): %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("annotation submission failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

func scorePtr(v float64) *float64 { return &v }
