package workflow

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

	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/trigger"
)

// ManualReviewThreshold is the confidence below which a classification is
// flagged for manual review. Routing still proceeds with the best guess.
const ManualReviewThreshold = 0.5

// EventTypeIncidentDetected is the event type routed by ClassifyAndRoute.
const EventTypeIncidentDetected = "incident.detected"

// Classifier turns raw incident data into a classification.
type Classifier interface {
	Classify(ctx context.Context, raw map[string]any) (trigger.Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, raw map[string]any) (trigger.Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, raw map[string]any) (trigger.Classification, error) {
	return f(ctx, raw)
}

// ClassifyIncident asks the classifier about raw. Any classifier failure is
// reported as CLASSIFICATION_UNAVAILABLE so the caller can fall back to a
// default classification.
func (e *Engine) ClassifyIncident(ctx context.Context, raw map[string]any) (trigger.Classification, error) {
	const op = "workflow.ClassifyIncident"

	if e.classifier == nil {
		return trigger.Classification{}, apperrors.ClassificationUnavailable(op, errors.New("no classifier configured"))
	}
	c, err := e.classifier.Classify(ctx, raw)
	if err != nil {
		e.logger.Warn("classification failed", "error", apperrors.SafeMessage(err))
		return trigger.Classification{}, apperrors.ClassificationUnavailable(op, err)
	}
	if c.ConfidenceScore < ManualReviewThreshold {
		c.RequiresManualReview = true
	}
	e.logger.Debug("incident classified",
		"category", c.Category,
		"severity", c.SeverityLevel,
		"confidence", c.ConfidenceScore,
		"manual_review", c.RequiresManualReview,
	)
	return c, nil
}

// ClassifyAndRoute classifies raw and routes the result as an
// incident.detected event to matching DETECTION rules.
func (e *Engine) ClassifyAndRoute(ctx context.Context, raw map[string]any) (trigger.Classification, []*Execution, error) {
	c, err := e.ClassifyIncident(ctx, raw)
	if err != nil {
		return trigger.Classification{}, nil, err
	}

	ev := trigger.Event{
		Type:           EventTypeIncidentDetected,
		Source:         "classifier",
		Text:           incidentText(raw),
		Data:           deepCopyMap(raw),
		Classification: &c,
		OccurredAt:     e.now(),
	}
	if id, ok := raw["id"].(string); ok {
		ev.ID = id
	}
	execs, err := e.DetectAndRoute(ctx, ev)
	return c, execs, err
}

// incidentText joins the free-text fields keyword triggers look at.
func incidentText(raw map[string]any) string {
	var parts []string
	for _, k := range []string{"title", "description", "message", "text"} {
		if s, ok := raw[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// HTTPClassifier posts incident data to a classification service and reads
// back a trigger.Classification.
type HTTPClassifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPClassifier creates an HTTPClassifier. timeout bounds each request.
func NewHTTPClassifier(url string, headers map[string]string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClassifier{url: url, headers: headers, client: &http.Client{Timeout: timeout}}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, raw map[string]any) (trigger.Classification, error) {
	body, err := json.Marshal(map[string]any{"incident": raw})
	if err != nil {
		return trigger.Classification{}, fmt.Errorf("failed to marshal incident: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return trigger.Classification{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return trigger.Classification{}, fmt.Errorf("classification service request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return trigger.Classification{}, fmt.Errorf("classification service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out trigger.Classification
	if err := json.Unmarshal(respBody, &out); err != nil {
		return trigger.Classification{}, fmt.Errorf("failed to decode classification: %w", err)
	}
	if out.Category == "" {
		return trigger.Classification{}, errors.New("classification service returned no category")
	}
	return out, nil
}
