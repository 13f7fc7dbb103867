package arena

import (
	"math"

	"github.com/uteki/uteki/internal/llm"
)

// EstimateTokens approximates token count as character count / 4. This is
// advisory telemetry, not a real tokenizer.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateCost converts token counts to estimated USD using the rate card.
// Unlisted providers fall back to the default rate. Rounded to 4 decimals.
func (c Config) EstimateCost(provider llm.Provider, inputTokens, outputTokens int) float64 {
	rate, ok := c.Rates[provider]
	if !ok {
		rate = c.DefaultRate
	}
	cost := (float64(inputTokens)*rate.Input + float64(outputTokens)*rate.Output) / 1_000_000
	return math.Round(cost*10000) / 10000
}
