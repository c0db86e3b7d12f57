package contextbuild

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TruncatedMarker is appended whenever a section is cut at its character cap.
const TruncatedMarker = "[truncated]"

var (
	// Lines that could redirect the downstream model if echoed verbatim into
	// the prompt.
	directiveLine = regexp.MustCompile(`(?mi)^\s*#{0,4}\s*(system|assistant|developer)\s*:.*$`)

	// Secret-shaped substrings. Retrieved repository chunks occasionally
	// contain live credentials; they must never reach a prompt.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	}

	htmlPolicy = bluemonday.StrictPolicy()
)

// Sanitize scrubs retrieved content before it enters an assembled context:
// HTML is stripped, prompt-redirecting directives removed, secret-shaped
// substrings redacted, and the result capped at maxChars on a rune boundary.
func Sanitize(s string, maxChars int) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>") {
		s = htmlPolicy.Sanitize(s)
	}
	s = directiveLine.ReplaceAllString(s, "")
	s = ScrubSecrets(s)
	s = strings.TrimSpace(s)
	return TruncateRunes(s, maxChars)
}

// ScrubSecrets redacts secret-shaped substrings in place.
func ScrubSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[redacted]")
	}
	return s
}

// TruncateRunes cuts s at maxChars characters on a UTF-8 boundary, appending
// the truncation marker when anything was dropped. maxChars <= 0 means no cap.
func TruncateRunes(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxChars])) + "\n" + TruncatedMarker
}
