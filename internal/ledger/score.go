package ledger

import (
	"encoding/json"
	"math"

	"github.com/ucplabs/ucp/pkg/models"
)

// Score grades a hop on a 0–100 scale starting from 100:
//
//   - token efficiency: up to 30 points lost as tokens_in+tokens_out grows
//     past zero (fully gone at 3000 tokens)
//   - latency: up to 20 points lost, one per 500ms
//   - context pressure: up to 30 points lost as total tokens approach the
//     context window
//   - parse validity: UCP_PACKET hops lose 10 points when the content
//     parses as JSON but is not an object carrying intent and
//     execution_plan, 20 when it does not parse at all; other hop types
//     always earn full marks here
//
// Each breakdown term is rounded independently, so terms are not
// guaranteed to reconcile exactly with the final rounded score.
func Score(hop *models.Hop, contextWindow int) (int, models.ScoreBreakdown) {
	if contextWindow <= 0 {
		contextWindow = 4096
	}

	score := 100.0
	var breakdown models.ScoreBreakdown

	totalTokens := float64(hop.TokensIn + hop.TokensOut)

	tokenEfficiency := 30 - totalTokens/100
	if tokenEfficiency < 0 {
		tokenEfficiency = 0
	}
	breakdown.TokenEfficiency = int(math.Round(tokenEfficiency))
	score -= 30 - tokenEfficiency

	latencyPenalty := float64(hop.LatencyMs) / 500
	if latencyPenalty > 20 {
		latencyPenalty = 20
	}
	breakdown.LatencyPenalty = int(math.Round(latencyPenalty))
	score -= latencyPenalty

	pressurePenalty := totalTokens / float64(contextWindow) * 50
	if pressurePenalty > 30 {
		pressurePenalty = 30
	}
	breakdown.ContextPressure = int(math.Round(pressurePenalty))
	score -= pressurePenalty

	if hop.HopType == models.HopUCPPacket {
		// Any parseable JSON earns partial credit; only unparseable
		// content forfeits the full 20 points.
		var parsed any
		if err := json.Unmarshal([]byte(hop.Content), &parsed); err != nil {
			breakdown.ParseValidity = 0
			score -= 20
		} else if obj, ok := parsed.(map[string]any); !ok ||
			isNullOrMissing(obj, "intent") || isNullOrMissing(obj, "execution_plan") {
			breakdown.ParseValidity = 10
			score -= 10
		} else {
			breakdown.ParseValidity = 20
		}
	} else {
		breakdown.ParseValidity = 20
	}

	final := int(math.Round(score))
	if final < 0 {
		final = 0
	}
	if final > 100 {
		final = 100
	}
	return final, breakdown
}

func isNullOrMissing(obj map[string]any, field string) bool {
	v, ok := obj[field]
	return !ok || v == nil
}
