package utils

import (
	"strings"
	"testing"
)

func TestFirstLine(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"single line", "fix the bug", 80, "fix the bug"},
		{"multiline", "fix the bug\nin the parser", 80, "fix the bug"},
		{"crlf", "fix the bug\r\nin the parser", 80, "fix the bug"},
		{"leading whitespace", "  \n\nfix the bug", 80, "fix the bug"},
		{"truncated", strings.Repeat("a", 100), 80, strings.Repeat("a", 80)},
		{"empty", "", 80, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FirstLine(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("FirstLine(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncateLines(t *testing.T) {
	input := "a\nb\nc\nd\ne"

	if got := TruncateLines(input, 10); got != input {
		t.Errorf("input under limit changed: %q", got)
	}

	got := TruncateLines(input, 2)
	if !strings.HasPrefix(got, "a\nb\n") || !strings.Contains(got, "3 more lines") {
		t.Errorf("TruncateLines = %q", got)
	}
}
