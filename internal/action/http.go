package action

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"automation-engine/internal/credentials"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/integration"
	"automation-engine/internal/retry"
	"automation-engine/internal/validation"
)

const (
	// SignatureHeader carries "sha256=<hex hmac>" of the webhook body.
	SignatureHeader = "X-Signature-256"
	// IdempotencyHeader is stable across retries of one action in one execution.
	IdempotencyHeader = "Idempotency-Key"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
	maxOutputBodyBytes = 4096
)

// EndpointResolver looks up endpoints of active integrations.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, integrationID, endpoint string) (integration.ResolvedEndpoint, error)
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint returned %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether a status is worth another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// APICallExecutor performs API_CALL actions.
type APICallExecutor struct {
	endpoints   EndpointResolver
	credentials credentials.Resolver
	client      *http.Client
}

// NewAPICallExecutor creates an APICallExecutor. endpoints may be nil when
// only raw URLs are used; client may be nil.
func NewAPICallExecutor(endpoints EndpointResolver, creds credentials.Resolver, client *http.Client) *APICallExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &APICallExecutor{endpoints: endpoints, credentials: creds, client: client}
}

// IntegrationID names the integration targeted by a.
func (e *APICallExecutor) IntegrationID(a Action) string {
	if a.APICall == nil {
		return ""
	}
	return a.APICall.IntegrationID
}

type httpTarget struct {
	url        string
	method     string
	headers    map[string]string
	auth       integration.Auth
	credential string
	timeout    time.Duration
	body       map[string]any
}

// Execute implements Executor.
func (e *APICallExecutor) Execute(ctx context.Context, a Action, actx Context) (map[string]any, error) {
	if a.APICall == nil {
		return nil, retry.Permanent(errors.New("API_CALL action has no api_call config"))
	}
	target, err := e.target(ctx, *a.APICall, actx)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	var body []byte
	if target.method != http.MethodGet && target.method != http.MethodDelete {
		if body, err = json.Marshal(target.body); err != nil {
			return nil, retry.Permanent(fmt.Errorf("encoding request body: %w", err))
		}
	}

	var secret string
	if target.credential != "" {
		if e.credentials == nil {
			return nil, retry.Permanent(errors.New("credential handle set but no credential resolver configured"))
		}
		if secret, err = e.credentials.Resolve(ctx, target.credential); err != nil {
			return nil, retry.Permanent(fmt.Errorf("resolving credential: %w", err))
		}
	}

	return doRequest(ctx, e.client, target, body, idempotencyKey(actx, a), func(req *http.Request) {
		if secret != "" {
			integration.ApplyAuth(req, target.auth, secret)
		}
	})
}

func (e *APICallExecutor) target(ctx context.Context, cfg APICallConfig, actx Context) (httpTarget, error) {
	if cfg.IntegrationID == "" {
		if !validation.IsHTTPURL(cfg.URL) {
			return httpTarget{}, fmt.Errorf("invalid url %q", apperrors.SanitizeString(cfg.URL))
		}
		method := strings.ToUpper(cfg.Method)
		if method == "" {
			method = http.MethodPost
		}
		t := httpTarget{
			url:     cfg.URL,
			method:  method,
			headers: maps.Clone(cfg.Headers),
			timeout: cfg.Timeout,
			body:    maps.Clone(cfg.Body),
		}
		if cfg.CredentialHandle != "" {
			t.auth = integration.Auth{Type: integration.AuthBearer}
			t.credential = cfg.CredentialHandle
		}
		if t.body == nil {
			t.body = map[string]any{"context": actx.Trigger}
		}
		return t, nil
	}

	if e.endpoints == nil {
		return httpTarget{}, errors.New("no integration registry configured")
	}
	ep, err := e.endpoints.ResolveEndpoint(ctx, cfg.IntegrationID, cfg.Endpoint)
	if err != nil {
		return httpTarget{}, err
	}

	body := integration.ApplyMappings(ep.Mappings, actx.Trigger)
	maps.Copy(body, cfg.Body)

	headers := ep.Headers
	if headers == nil {
		headers = make(map[string]string)
	}
	maps.Copy(headers, cfg.Headers)

	t := httpTarget{
		url:     ep.URL,
		method:  ep.Method,
		headers: headers,
		auth:    ep.Auth,
		timeout: ep.Timeout,
		body:    body,
	}
	if cfg.Timeout > 0 {
		t.timeout = cfg.Timeout
	}
	if ep.Auth.NeedsCredential() {
		t.credential = ep.CredentialHandle
	}
	return t, nil
}

// WebhookExecutor performs WEBHOOK actions.
type WebhookExecutor struct {
	credentials credentials.Resolver
	client      *http.Client
	now         func() time.Time
}

// NewWebhookExecutor creates a WebhookExecutor. client may be nil.
func NewWebhookExecutor(creds credentials.Resolver, client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookExecutor{credentials: creds, client: client, now: time.Now}
}

// Execute implements Executor.
func (e *WebhookExecutor) Execute(ctx context.Context, a Action, actx Context) (map[string]any, error) {
	if a.Webhook == nil {
		return nil, retry.Permanent(errors.New("WEBHOOK action has no webhook config"))
	}
	cfg := *a.Webhook
	if !validation.IsHTTPURL(cfg.URL) {
		return nil, retry.Permanent(fmt.Errorf("invalid url %q", apperrors.SanitizeString(cfg.URL)))
	}

	body, err := json.Marshal(map[string]any{
		"rule":      map[string]any{"id": actx.RuleID, "name": actx.RuleName},
		"execution": actx.ExecutionID,
		"action":    map[string]any{"order": a.Order, "name": a.Label()},
		"context":   actx.Trigger,
		"previous":  actx.PreviousSummaries(),
		"timestamp": e.now().UTC(),
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encoding webhook body: %w", err))
	}

	headers := maps.Clone(cfg.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	if cfg.SecretHandle != "" {
		if e.credentials == nil {
			return nil, retry.Permanent(errors.New("secret handle set but no credential resolver configured"))
		}
		secret, err := e.credentials.Resolve(ctx, cfg.SecretHandle)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("resolving webhook secret: %w", err))
		}
		headers[SignatureHeader] = Sign([]byte(secret), body)
	}

	target := httpTarget{url: cfg.URL, method: http.MethodPost, headers: headers, timeout: cfg.Timeout}
	return doRequest(ctx, e.client, target, body, idempotencyKey(actx, a), nil)
}

// Sign returns "sha256=<hex>" of the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func idempotencyKey(actx Context, a Action) string {
	if actx.ExecutionID == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", actx.ExecutionID, a.Order)
}

// doRequest performs one HTTP call bounded by the target's timeout. Non-2xx
// responses become *HTTPStatusError; 4xx other than 408/429 are permanent.
func doRequest(ctx context.Context, client *http.Client, t httpTarget, body []byte, idemKey string, decorate func(*http.Request)) (map[string]any, error) {
	timeout := t.timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, t.method, t.url, reader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building request: %s", apperrors.SanitizeString(err.Error())))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "automation-engine")
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if decorate != nil {
		decorate(req)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", apperrors.SanitizeString(err.Error()))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
		if retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, retry.Permanent(statusErr)
	}

	out := map[string]any{
		"statusCode": resp.StatusCode,
		"latencyMs":  time.Since(start).Milliseconds(),
	}
	if len(raw) > 0 {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			out["body"] = decoded
		} else {
			out["body"] = truncate(string(raw), maxOutputBodyBytes)
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
