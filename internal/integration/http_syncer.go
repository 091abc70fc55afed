package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"automation-engine/internal/credentials"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/retry"
)

// maxSyncResponseBytes caps how much of a sync response is read.
const maxSyncResponseBytes = 16 << 20

// HTTPSyncer fetches pages from an integration endpoint over HTTP. Filters,
// the batch size and the cursor are sent as query parameters. The response
// may be a bare JSON array or an object with "records" (or "data"), an
// optional "cursor" and "has_more".
type HTTPSyncer struct {
	client      *http.Client
	credentials credentials.Resolver
}

// NewHTTPSyncer creates an HTTPSyncer. client may be nil.
func NewHTTPSyncer(client *http.Client, creds credentials.Resolver) *HTTPSyncer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSyncer{client: client, credentials: creds}
}

type pageResponse struct {
	Records []map[string]any `json:"records"`
	Data    []map[string]any `json:"data"`
	Cursor  string           `json:"cursor"`
	HasMore bool             `json:"has_more"`
}

// Fetch implements Syncer.
func (s *HTTPSyncer) Fetch(ctx context.Context, req FetchRequest) (Batch, error) {
	ep := req.Endpoint
	u, err := url.Parse(ep.URL)
	if err != nil {
		return Batch{}, retry.Permanent(fmt.Errorf("invalid endpoint url: %w", err))
	}
	q := u.Query()
	for k, v := range req.Filters {
		q.Set(k, fmt.Sprint(v))
	}
	if req.BatchSize > 0 {
		q.Set("limit", strconv.Itoa(req.BatchSize))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	u.RawQuery = q.Encode()

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultEndpointTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Batch{}, retry.Permanent(err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range ep.Headers {
		httpReq.Header.Set(k, v)
	}
	if ep.Auth.NeedsCredential() {
		if s.credentials == nil {
			return Batch{}, retry.Permanent(fmt.Errorf("endpoint %s requires credentials but no resolver is configured", ep.Name))
		}
		secret, err := s.credentials.Resolve(ctx, ep.CredentialHandle)
		if err != nil {
			return Batch{}, retry.Permanent(fmt.Errorf("resolving credential: %w", err))
		}
		ApplyAuth(httpReq, ep.Auth, secret)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Batch{}, fmt.Errorf("sync request to %s failed: %s", ep.Name, apperrors.SanitizeString(err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSyncResponseBytes))
	if err != nil {
		return Batch{}, fmt.Errorf("reading sync response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("sync endpoint %s returned status %d", ep.Name, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Batch{}, retry.Permanent(err)
		}
		return Batch{}, err
	}

	return decodePage(body)
}

func decodePage(body []byte) (Batch, error) {
	if len(body) == 0 {
		return Batch{}, nil
	}
	if body[0] == '[' {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			return Batch{}, retry.Permanent(fmt.Errorf("decoding sync response: %w", err))
		}
		return Batch{Records: records}, nil
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return Batch{}, retry.Permanent(fmt.Errorf("decoding sync response: %w", err))
	}
	records := page.Records
	if records == nil {
		records = page.Data
	}
	return Batch{Records: records, Cursor: page.Cursor, More: page.HasMore && page.Cursor != ""}, nil
}
