package errors

import (
	"regexp"
	"strings"
)

var (
	// user:password@ inside URLs
	urlUserInfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)

	// sensitive query parameters, e.g. ?api_key=abc&token=xyz
	sensitiveQueryPattern = regexp.MustCompile(`(?i)([?&](?:api[_-]?key|token|access_token|secret|password|signature|sig|key)=)[^&\s"']+`)

	// Authorization header values that leaked into a message
	bearerPattern = regexp.MustCompile(`(?i)(bearer|basic)\s+[a-z0-9._~+/=-]{8,}`)
)

// Redacted replaces masked content.
const Redacted = "[REDACTED]"

// SanitizeString removes credentials from a message before it is recorded in an
// execution result or returned to an operator.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}
	s = urlUserInfoPattern.ReplaceAllString(s, "${1}"+Redacted+"@")
	s = sensitiveQueryPattern.ReplaceAllString(s, "${1}"+Redacted)
	s = bearerPattern.ReplaceAllStringFunc(s, func(match string) string {
		scheme := strings.Fields(match)[0]
		return scheme + " " + Redacted
	})
	return s
}

// SafeMessage returns a sanitized err.Error(), or "" for nil.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}
