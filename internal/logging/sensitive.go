// Package logging builds the process logger and masks sensitive values
// before they reach it.
package logging

import (
	"maps"
	"net/url"
	"regexp"
	"strings"
)

// SensitiveFields contains field and header names whose values are masked.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"api-key":       true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"cookie":        true,
	"signature":     true,
	"webhook_url":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field or header name carries a secret.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value when fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// RedactHeaders returns a copy of headers with sensitive values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := maps.Clone(headers)
	for k, v := range out {
		out[k] = MaskSensitiveValue(k, v)
	}
	return out
}

// RedactURL masks userinfo and sensitive query parameters in a URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return MaskSensitivePatterns(raw)
	}
	if u.User != nil {
		u.User = url.User(MaskedValue)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k, vs := range q {
			if IsSensitiveField(k) || k == "key" || k == "sig" {
				for i := range vs {
					vs[i] = MaskedValue
				}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// MaskString masks the middle of s, showing only the first and last chars.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// MaskEmail partially masks an email address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at <= 0 {
		return MaskedValue
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// MaskEmails masks every address in a recipient list.
func MaskEmails(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		if strings.Contains(a, "@") {
			out[i] = MaskEmail(a)
		} else {
			out[i] = a
		}
	}
	return out
}

// SensitivePatterns matches secrets embedded in free text.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	for _, p := range SensitivePatterns {
		s = p.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue returns a loggable version of value based on the field name.
func SafeLogValue(fieldName string, value any) any {
	if value == nil || !IsSensitiveField(fieldName) {
		return value
	}
	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}
