package timeline

import (
	"strings"
	"time"
	"unicode"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 producer timestamp into UTC.
// Naive values are taken as UTC. Empty or unparseable values yield now().
func ParseTimestamp(value string, now func() time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC()
			}
		}
	}
	if now == nil {
		now = time.Now
	}
	return now().UTC()
}

// PreviewLimit is the maximum rune length of a prompt preview.
const PreviewLimit = 400

// TruncatePreview shortens text to at most limit runes, marking truncation with "…".
func TruncatePreview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	trimmed := strings.TrimRightFunc(string(runes[:limit-1]), unicode.IsSpace)
	return trimmed + "…"
}
