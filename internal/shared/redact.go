// Package shared holds small helpers used across the scheduler:
// secret redaction for logs and stored error messages, and string
// truncation for notification bodies and bridge projections.
package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments in error and log strings.
// Executor failures are persisted into scheduled_tasks.last_error and shown
// in the UI, so anything that smells like a credential must be scrubbed first.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials (api_key, secret, auth tokens).
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic-style keys.
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
	// OpenAI-style keys.
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Bridge tokens are random hex; redact them when prefixed by a token-ish key.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{32,})"?`),
}

// Redact replaces secret-bearing fragments in the input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactEnvValue returns a redacted value when the variable name looks secret.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, s) {
			return redactedPlaceholder
		}
	}
	return value
}

// Truncate shortens s to at most max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
