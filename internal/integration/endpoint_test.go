package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"automation-engine/internal/credentials"
	"automation-engine/internal/retry"
)

func TestApplyMappings(t *testing.T) {
	src := map[string]any{
		"incident": map[string]any{"title": "  Disk full ", "severity": "high", "id": 42},
		"host":     "db-01",
	}
	mappings := []FieldMapping{
		{SourceField: "incident.title", TargetField: "subject", Transform: "TRIM"},
		{SourceField: "incident.severity", TargetField: "fields.priority", Transform: "UPPER"},
		{SourceField: "incident.id", TargetField: "fields.ref", Transform: "STRING"},
		{SourceField: "host", TargetField: "fields.host"},
		{SourceField: "missing.path", TargetField: "ignored"},
	}

	got := ApplyMappings(mappings, src)
	want := map[string]any{
		"subject": "Disk full",
		"fields": map[string]any{
			"priority": "HIGH",
			"ref":      "42",
			"host":     "db-01",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ApplyMappings() = %#v, want %#v", got, want)
	}
}

func TestApplyAuth(t *testing.T) {
	tests := []struct {
		auth   Auth
		header string
		want   string
	}{
		{Auth{Type: AuthBearer}, "Authorization", "Bearer s3cret"},
		{Auth{Type: AuthBasic}, "Authorization", "Basic " + base64.StdEncoding.EncodeToString([]byte("s3cret"))},
		{Auth{Type: AuthAPIKey}, "X-API-Key", "s3cret"},
		{Auth{Type: AuthAPIKey, Header: "X-Token"}, "X-Token", "s3cret"},
		{Auth{Type: AuthNone}, "Authorization", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.auth.Type)+tt.auth.Header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
			ApplyAuth(req, tt.auth, "s3cret")
			if got := req.Header.Get(tt.header); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHTTPSyncer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("limit") != "2" || q.Get("status") != "open" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		switch q.Get("cursor") {
		case "":
			fmt.Fprint(w, `{"records":[{"id":1},{"id":2}],"cursor":"next","has_more":true}`)
		default:
			fmt.Fprint(w, `[{"id":3}]`)
		}
	}))
	defer srv.Close()

	s := NewHTTPSyncer(srv.Client(), credentials.Static{"env:crm": "tok"})
	ep := ResolvedEndpoint{
		Name: "contacts", URL: srv.URL + "/contacts", Method: "GET",
		Auth: Auth{Type: AuthBearer}, CredentialHandle: "env:crm", Timeout: time.Second,
	}
	req := FetchRequest{Endpoint: ep, BatchSize: 2, Filters: map[string]any{"status": "open"}}

	first, err := s.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Records) != 2 || first.Cursor != "next" || !first.More {
		t.Errorf("first page = %+v", first)
	}

	req.Cursor = first.Cursor
	second, err := s.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Records) != 1 || second.More {
		t.Errorf("second page = %+v", second)
	}

	ep.CredentialHandle = "env:other"
	req.Endpoint = ep
	if _, err := s.Fetch(context.Background(), req); !retry.IsPermanent(err) {
		t.Errorf("missing credential should be permanent, got %v", err)
	}
}

func TestHTTPSyncerStatusHandling(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := NewHTTPSyncer(srv.Client(), nil)
	req := FetchRequest{Endpoint: ResolvedEndpoint{Name: "x", URL: srv.URL, Timeout: time.Second}}

	_, err := s.Fetch(context.Background(), req)
	if err == nil || retry.IsPermanent(err) {
		t.Errorf("503 should be a retryable error, got %v", err)
	}

	status.Store(http.StatusNotFound)
	if _, err := s.Fetch(context.Background(), req); !retry.IsPermanent(err) {
		t.Errorf("404 should be permanent, got %v", err)
	}
}
