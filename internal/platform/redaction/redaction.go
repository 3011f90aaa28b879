// Package redaction strips sensitive payment fields from log lines and
// structured data before they leave the process boundary.
package redaction

import (
	"regexp"
	"strings"
)

// Redactor scrubs PAN, CVV, and key-material fields from arbitrary payloads.
type Redactor struct {
	patterns []*regexp.Regexp
	keys     map[string]struct{}
}

var defaultSensitiveKeys = []string{
	"pan", "card_number", "cardnumber", "cvv", "cvc", "security_code",
	"key_material", "raw_key", "master_key", "private_key",
	"token_plaintext", "password", "secret",
}

// panPattern matches 13-19 consecutive digits, the PAN length envelope.
var panPattern = regexp.MustCompile(`\b\d{13,19}\b`)

// cvvPattern matches a 3-4 digit field following a cvv-ish label.
var cvvPattern = regexp.MustCompile(`(?i)(cvv|cvc|security_code)["':\s=]+\d{3,4}`)

func New() *Redactor {
	keys := make(map[string]struct{}, len(defaultSensitiveKeys))
	for _, k := range defaultSensitiveKeys {
		keys[k] = struct{}{}
	}
	return &Redactor{
		patterns: []*regexp.Regexp{panPattern, cvvPattern},
		keys:     keys,
	}
}

// RedactString scrubs PAN-shaped digit runs and cvv-labeled values from s.
func (r *Redactor) RedactString(s string) string {
	out := s
	out = cvvPattern.ReplaceAllStringFunc(out, func(m string) string {
		idx := strings.LastIndexAny(m, "=: '\"")
		if idx < 0 {
			return "[REDACTED]"
		}
		return m[:idx+1] + "[REDACTED]"
	})
	out = panPattern.ReplaceAllString(out, maskPAN)
	return out
}

// maskPAN is used as a static replacement; callers needing the real last
// four should read it from the CardToken record, never from a log line.
const maskPAN = "[REDACTED_PAN]"

// RedactMap returns a shallow copy of m with sensitive keys masked and
// string values scrubbed.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		lk := strings.ToLower(k)
		if _, sensitive := r.keys[lk]; sensitive {
			out[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = r.RedactString(val)
		case map[string]interface{}:
			out[k] = r.RedactMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// RedactSlice applies RedactString to every string element; other element
// types pass through unchanged.
func (r *Redactor) RedactSlice(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = r.RedactString(s)
	}
	return out
}

// MaskPAN returns a display-safe representation of a PAN: last four digits
// only, matching card_last_four semantics used throughout the API surface.
func MaskPAN(pan string) string {
	if len(pan) < 4 {
		return "[REDACTED]"
	}
	return "************" + pan[len(pan)-4:]
}
