package providers

import (
	"github.com/postpilot/coordinator/internal/models"
)

// Deterministic token estimation used when a vendor omits usage figures.
// The ledger must stay reproducible across retries and failure modes, so
// the fallback never consults the network: prompt tokens are approximated
// at four bytes per token plus a fixed per-message framing overhead, and
// completion tokens as ceil(len(chars)/4).

const perMessageOverheadTokens = 4

// EstimatePromptTokens approximates the token count of a message sequence.
func EstimatePromptTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverheadTokens
		total += (len(m.Text) + 3) / 4
	}
	return total
}

// EstimateCompletionTokens approximates the token count of generated text.
func EstimateCompletionTokens(text string) int {
	return (len(text) + 3) / 4
}
