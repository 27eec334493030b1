// Package tokens estimates token counts for display purposes.
//
// The estimate is a character-class heuristic, not a tokenizer: CJK ideographs
// weigh 1.5 tokens, every other character 0.25 tokens (about four characters
// per token). It is used only when the upstream does not report usage.
package tokens

import (
	"math"

	"github.com/davidbz/chatrelay/internal/domain"
)

const (
	cjkWeight   = 1.5
	otherWeight = 0.25

	cjkFirst = '一'
	cjkLast  = '龥'
)

// Estimate returns the heuristic token count of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	cjk, other := 0, 0
	for _, r := range text {
		if r >= cjkFirst && r <= cjkLast {
			cjk++
			continue
		}
		other++
	}

	return int(math.Round(float64(cjk)*cjkWeight + float64(other)*otherWeight))
}

// EstimatePromptTokens sums the per-message estimates of messages.
func EstimatePromptTokens(messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		total += Estimate(msg.Content)
	}
	return total
}
