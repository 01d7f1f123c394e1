package retrieval

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Pack is the output of the context packer.
type Pack struct {
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	Items      int    `json:"items"`
	Truncated  bool   `json:"truncated"`
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens uses the cl100k_base encoding when its vocabulary is
// available, falling back to the chars/4 heuristic.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// PackContext fits results under a token budget. The title always leads;
// items append in order until the next would overflow. When even the first
// item does not fit, its text is truncated to the remaining budget.
func PackContext(title string, results []Result, budget int) *Pack {
	if budget <= 0 {
		budget = 4096
	}

	var sb strings.Builder
	sb.WriteString(title)
	used := countTokens(title)

	pack := &Pack{}
	for i, r := range results {
		item := "\n\n" + formatResult(r)
		itemTokens := countTokens(item)

		if used+itemTokens > budget {
			if i == 0 {
				// Nothing packed yet: include a truncated slice of the
				// first item rather than returning an empty pack.
				remaining := budget - used
				if remaining > 0 {
					truncated := truncateToTokens(item, remaining)
					sb.WriteString(truncated)
					used += countTokens(truncated)
					pack.Items = 1
				}
				pack.Truncated = true
			} else {
				pack.Truncated = true
			}
			break
		}

		sb.WriteString(item)
		used += itemTokens
		pack.Items++
	}

	pack.Text = sb.String()
	pack.TokenCount = used
	return pack
}

// truncateToTokens cuts text so it fits in budget tokens, using the
// chars-per-token ratio of the text itself.
func truncateToTokens(text string, budget int) string {
	tokens := countTokens(text)
	if tokens <= budget {
		return text
	}

	ratio := float64(len(text)) / float64(tokens)
	cut := int(float64(budget) * ratio)
	if cut >= len(text) {
		cut = len(text) - 1
	}
	for cut > 0 && countTokens(text[:cut]) > budget {
		cut = cut * 9 / 10
	}
	if cut <= 0 {
		return ""
	}
	// Back off to a rune boundary.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
