package integration

import (
	"encoding/base64"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"automation-engine/internal/condition"
	"automation-engine/internal/retry"
)

// DefaultEndpointTimeout applies when an endpoint has no timeout of its own.
const DefaultEndpointTimeout = 30 * time.Second

// ResolvedEndpoint is everything an executor needs to call an endpoint of an
// ACTIVE integration. The credential is still a handle here.
type ResolvedEndpoint struct {
	IntegrationID    string
	IntegrationName  string
	Name             string
	URL              string
	Method           string
	Headers          map[string]string
	Auth             Auth
	CredentialHandle string
	Timeout          time.Duration
	Mappings         []FieldMapping
	RetryPolicy      retry.Policy
}

func resolve(in Integration, ep Endpoint) ResolvedEndpoint {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultEndpointTimeout
	}
	return ResolvedEndpoint{
		IntegrationID:    in.ID,
		IntegrationName:  in.Name,
		Name:             ep.Name,
		URL:              ep.URL,
		Method:           ep.Method,
		Headers:          maps.Clone(ep.Headers),
		Auth:             ep.Auth,
		CredentialHandle: in.Credentials.Handle,
		Timeout:          timeout,
		Mappings:         append([]FieldMapping(nil), in.Mappings...),
		RetryPolicy:      in.RetryPolicy,
	}
}

// ApplyMappings builds an outbound payload from src. Each mapping reads a
// dotted path from src; missing sources are skipped. Dotted target fields
// create nested objects.
func ApplyMappings(mappings []FieldMapping, src map[string]any) map[string]any {
	out := make(map[string]any, len(mappings))
	for _, m := range mappings {
		v, ok := condition.Lookup(src, m.SourceField)
		if !ok {
			continue
		}
		setPath(out, m.TargetField, transform(v, m.Transform))
	}
	return out
}

func transform(v any, t string) any {
	switch t {
	case "UPPER":
		return strings.ToUpper(fmt.Sprint(v))
	case "LOWER":
		return strings.ToLower(fmt.Sprint(v))
	case "TRIM":
		return strings.TrimSpace(fmt.Sprint(v))
	case "STRING":
		return fmt.Sprint(v)
	default:
		return v
	}
}

func setPath(dst map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := dst
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// ApplyAuth attaches secret to req according to auth. BASIC expects
// "user:password".
func ApplyAuth(req *http.Request, auth Auth, secret string) {
	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+secret)
	case AuthBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret)))
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, secret)
	}
}

// NeedsCredential reports whether auth requires a resolved secret.
func (a Auth) NeedsCredential() bool {
	return a.Type != "" && a.Type != AuthNone
}
