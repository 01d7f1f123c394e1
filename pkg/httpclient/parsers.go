package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders reads Anthropic's anthropic-ratelimit-* headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	if reset := headers.Get("anthropic-ratelimit-requests-reset"); reset != "" {
		if resetTime, err := time.Parse(time.RFC3339, reset); err == nil {
			info.ResetTime = resetTime.Unix()
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-requests-remaining"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = count
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-input-tokens-remaining"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			info.InputTokensRemaining = count
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-output-tokens-remaining"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			info.OutputTokensRemaining = count
		}
	}

	return info
}

// ParseOpenAIHeaders reads OpenAI's x-ratelimit-* headers. Ollama and other
// OpenAI-compatible servers usually omit these, which leaves the zero value
// and falls back to exponential backoff.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	if reset := headers.Get("x-ratelimit-reset-requests"); reset != "" {
		if duration, err := time.ParseDuration(reset); err == nil {
			info.ResetTime = time.Now().Add(duration).Unix()
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = count
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		if count, err := strconv.Atoi(remaining); err == nil {
			info.TokensRemaining = count
		}
	}

	return info
}

// ParseGeminiHeaders handles Gemini, which only exposes retry-after.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return info
}
