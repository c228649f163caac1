// Package secrets masks credentials before they reach logs or terminal output.
package secrets

import (
	"regexp"
	"strings"
)

const replacement = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// password part of a connection URL
	regexp.MustCompile(`((?:postgres|postgresql|redis|rediss)://[^:/@\s]+:)[^@\s]+(@)`),
	// key=value DSN form
	regexp.MustCompile(`(?i)(\bpassword=)[^\s]+`),
	regexp.MustCompile(`(?i)("?\b(?:secret[_-]?key|access[_-]?key|password|sig)"?\s*[:=]\s*"?)[^\s",}]+`),
}

// Redact replaces every credential found in s
func Redact(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, "${1}"+replacement+"${2}")
	}
	return s
}

// Mask keeps the first four characters of a key so operators can tell keys
// apart; anything shorter is fully hidden
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
