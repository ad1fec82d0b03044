// Package redact strips credential material from strings before they reach
// logs, events, or error payloads.
package redact

import "regexp"

// Known token shapes. The list errs on the side of matching: a redacted
// non-secret is harmless, a leaked key is not.
var patterns = []*regexp.Regexp{
	// Anthropic and OpenAI style keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{20,}`),
	// Bearer tokens in headers or error text.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	// key=value and key: value pairs whose key names a credential.
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)(["']?\s*[:=]\s*["']?)[^\s"'&]{4,}`),
}

const mask = "[redacted]"

// String returns s with every recognized credential shape replaced by a mask.
func String(s string) string {
	for _, p := range patterns[:3] {
		s = p.ReplaceAllString(s, mask)
	}
	// Keep the key name so the message stays readable.
	s = patterns[3].ReplaceAllString(s, "$1$2"+mask)
	return s
}

// Error redacts an error's message. Returns "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
