// Package logging redacts secrets and user content from log output and
// outbound alert text. The daemon holds a bot token and webhook URLs, and
// it processes user messages; none of those belong in logs or third-party
// alert payloads verbatim.
package logging

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values in logs.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values are always masked.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"bot_token":     true,
	"password":      true,
	"secret":        true,
	"api_key":       true,
	"authorization": true,
	"sasl_password": true,
	"webhook_url":   true,
	"access_key":    true,
	"secret_key":    true,
}

// IsSensitiveKey reports whether a log attribute name should be masked.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook masking sensitive
// attribute values.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		a.Value = slog.StringValue(MaskedValue)
	}
	return a
}

var scrubPatterns = []*regexp.Regexp{
	// Discord bot tokens and generic bearer credentials.
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)bot\s+[a-zA-Z0-9_\-\.]{24,}`),
	// key=value style secrets.
	regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key)['":\s]*[=:]\s*['"]?[a-zA-Z0-9_\-\.]+['"]?`),
	// Discord webhook URLs carry their auth token in the path.
	regexp.MustCompile(`https://discord\.com/api/webhooks/\S+`),
}

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.[a-zA-Z0-9]+)`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Scrub sanitizes free text that leaves the process, such as alert details
// built from error messages. File paths collapse to their base name and IP
// addresses keep only the first two octets.
func Scrub(s string) string {
	for _, p := range scrubPatterns {
		s = p.ReplaceAllString(s, MaskedValue)
	}
	s = filePathPattern.ReplaceAllStringFunc(s, filepath.Base)
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return parts[0] + "." + parts[1] + ".x.x"
	})
	return s
}

// TruncateContent bounds user message text for log and evidence display.
func TruncateContent(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}
