// Package notify hands notification and escalation requests to the external
// delivery service. The engine never talks to email, SMS or push providers
// directly.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/logging"
)

// Priority of a delivery request.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Request asks the delivery service to notify recipients. Level and Reason
// are set for escalations only.
type Request struct {
	ID          string         `json:"id"`
	Recipients  []string       `json:"recipients"`
	Channels    []string       `json:"channels,omitempty"`
	Template    string         `json:"template,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Escalation  bool           `json:"escalation,omitempty"`
	Level       int            `json:"level,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// Receipt is the delivery service's answer.
type Receipt struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// Notifier accepts delivery requests.
type Notifier interface {
	Deliver(ctx context.Context, req Request) (Receipt, error)
}

// HTTPNotifier posts requests as JSON to a delivery service endpoint.
type HTTPNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPNotifier creates an HTTPNotifier. timeout bounds each request.
func NewHTTPNotifier(url string, headers map[string]string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Deliver implements Notifier. A 2xx response with an empty body counts as
// accepted.
func (n *HTTPNotifier) Deliver(ctx context.Context, req Request) (Receipt, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)
	for k, v := range n.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("delivery service request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("delivery service returned %d: %s", resp.StatusCode, string(raw))
	}

	receipt := Receipt{ID: req.ID, Accepted: true}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &receipt); err != nil {
			return Receipt{}, fmt.Errorf("failed to decode delivery receipt: %w", err)
		}
		if receipt.ID == "" {
			receipt.ID = req.ID
		}
	}
	return receipt, nil
}

// LogNotifier accepts every request and logs it. It stands in for the
// delivery service in development setups.
type LogNotifier struct {
	Logger *slog.Logger
}

// Deliver implements Notifier.
func (l LogNotifier) Deliver(_ context.Context, req Request) (Receipt, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger.Info("notification requested",
		"id", req.ID,
		"recipients", len(req.Recipients),
		"channels", req.Channels,
		"template", req.Template,
		"priority", req.Priority,
		"escalation", req.Escalation,
		"level", req.Level,
	)
	logger.Debug("notification recipients", "id", req.ID, "to", logging.MaskEmails(req.Recipients))
	return Receipt{ID: req.ID, Accepted: true}, nil
}
