// Package tokens implements the local token accounting used everywhere a
// provider-reported count is unavailable: a chars/4 heuristic, rounded up.
package tokens

import "github.com/ucplabs/ucp/pkg/models"

// Estimate approximates the token count of text as ceil(len/4). It is a
// deliberate heuristic, not a tokenizer; hops carry a token_method field so
// consumers can tell estimated counts from provider-reported ones.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Budget computes the response token budget for a prompt against a provider
// context window. The result never exceeds requestedMax and never overruns
// the window after the estimated prompt and the reserved system allowance
// are subtracted; 20% headroom is kept on whatever remains.
func Budget(promptTokens, contextWindow, requestedMax int) models.TokenBudget {
	available := contextWindow - promptTokens - models.ReservedSystemTokens
	if available < 0 {
		available = 0
	}
	maxTokens := int(float64(available) * 0.8)
	if requestedMax < maxTokens {
		maxTokens = requestedMax
	}
	if maxTokens < 0 {
		maxTokens = 0
	}
	return models.TokenBudget{
		MaxTokens:             maxTokens,
		ContextWindow:         contextWindow,
		EstimatedPromptTokens: promptTokens,
		ReservedSystemTokens:  models.ReservedSystemTokens,
	}
}

// WindowUsedPct reports how much of the context window the given tokens
// occupy, as a percentage. Not clamped: >100 signals an overrun.
func WindowUsedPct(tokenCount, contextWindow int) float64 {
	if contextWindow <= 0 {
		return 0
	}
	return float64(tokenCount) / float64(contextWindow) * 100
}
