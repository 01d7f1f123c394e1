// Package utils provides small shared helpers for the coda server.
package utils

import (
	"fmt"
	"strings"
)

// FirstLine returns the first line of s, trimmed, truncated to maxLen runes.
// Session titles are derived this way from the opening user message.
func FirstLine(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return s
}

// TruncateLines keeps the first maxLines lines of s, appending a marker
// noting how many were dropped.
func TruncateLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	kept := strings.Join(lines[:maxLines], "\n")
	return fmt.Sprintf("%s\n... (%d more lines)", kept, len(lines)-maxLines)
}
