package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Redactor scrubs secrets from messages and fields before they are written.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

var (
	jwtPattern         = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	bearerPattern      = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
	presignedSigParams = regexp.MustCompile(`(?i)(X-Amz-Signature|X-Amz-Credential)=[^&\s]+`)
)

// DefaultRedactor covers credentials, tokens and presigned URL signatures.
func DefaultRedactor() *Redactor {
	return &Redactor{
		keys:     []string{"password", "secret", "token", "authorization", "api_key", "access_key"},
		patterns: []*regexp.Regexp{jwtPattern, bearerPattern},
	}
}

// Redact replaces secrets found in s.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return presignedSigParams.ReplaceAllString(s, "$1="+redacted)
}

// RedactFields returns a copy of fields with sensitive keys masked and
// string values scrubbed.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if r == nil || len(fields) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if r.sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
