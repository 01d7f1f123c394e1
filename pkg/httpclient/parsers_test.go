package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseAnthropicHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "30")
	headers.Set("anthropic-ratelimit-requests-remaining", "99")
	headers.Set("anthropic-ratelimit-input-tokens-remaining", "40000")
	headers.Set("anthropic-ratelimit-output-tokens-remaining", "8000")
	headers.Set("anthropic-ratelimit-requests-reset", "2025-06-01T12:00:00Z")

	info := ParseAnthropicHeaders(headers)

	if info.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", info.RetryAfter)
	}
	if info.RequestsRemaining != 99 {
		t.Errorf("RequestsRemaining = %d, want 99", info.RequestsRemaining)
	}
	if info.InputTokensRemaining != 40000 {
		t.Errorf("InputTokensRemaining = %d, want 40000", info.InputTokensRemaining)
	}
	if info.OutputTokensRemaining != 8000 {
		t.Errorf("OutputTokensRemaining = %d, want 8000", info.OutputTokensRemaining)
	}
	if info.ResetTime == 0 {
		t.Error("ResetTime not parsed from RFC3339 header")
	}
}

func TestParseOpenAIHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "12")
	headers.Set("x-ratelimit-remaining-requests", "42")
	headers.Set("x-ratelimit-remaining-tokens", "15000")
	headers.Set("x-ratelimit-reset-requests", "6s")

	info := ParseOpenAIHeaders(headers)

	if info.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", info.RetryAfter)
	}
	if info.RequestsRemaining != 42 {
		t.Errorf("RequestsRemaining = %d, want 42", info.RequestsRemaining)
	}
	if info.TokensRemaining != 15000 {
		t.Errorf("TokensRemaining = %d, want 15000", info.TokensRemaining)
	}
	if info.ResetTime == 0 {
		t.Error("ResetTime not derived from reset duration")
	}
}

func TestParseGeminiHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "5")

	info := ParseGeminiHeaders(headers)

	if info.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", info.RetryAfter)
	}
}

func TestParseHeadersEmpty(t *testing.T) {
	for name, parser := range map[string]RateLimitHeaderParser{
		"anthropic": ParseAnthropicHeaders,
		"openai":    ParseOpenAIHeaders,
		"gemini":    ParseGeminiHeaders,
	} {
		info := parser(http.Header{})
		if info.RetryAfter != 0 || info.ResetTime != 0 {
			t.Errorf("%s: zero headers should produce zero info, got %+v", name, info)
		}
	}
}
