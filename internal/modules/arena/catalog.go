// Package arena runs the multi-model analysis arena: every configured model
// receives the same rendered harness, invocations run fully in parallel, and
// each produces exactly one finalized invocation record.
package arena

import (
	"time"

	"github.com/uteki/uteki/internal/llm"
)

// ModelSpec is one provider/model pairing eligible for arena runs
type ModelSpec struct {
	Provider llm.Provider
	Model    string
}

// Rate is USD per 1M tokens
type Rate struct {
	Input  float64
	Output float64
}

// Config is the injected arena configuration: the model catalog, the rate
// card, and the per-model timeout. Resolved once per run start so tests can
// substitute synthetic providers.
type Config struct {
	Models      []ModelSpec
	Rates       map[llm.Provider]Rate
	DefaultRate Rate
	Timeout     time.Duration
}

// DefaultConfig returns the production catalog and rate card
func DefaultConfig() Config {
	return Config{
		Models: []ModelSpec{
			{Provider: llm.ProviderAnthropic, Model: "claude-sonnet-4-20250514"},
			{Provider: llm.ProviderOpenAI, Model: "gpt-4o"},
			{Provider: llm.ProviderDeepSeek, Model: "deepseek-chat"},
			{Provider: llm.ProviderGoogle, Model: "gemini-2.5-pro-thinking"},
			{Provider: llm.ProviderQwen, Model: "qwen-plus"},
			{Provider: llm.ProviderMiniMax, Model: "MiniMax-Text-01"},
		},
		Rates: map[llm.Provider]Rate{
			llm.ProviderAnthropic: {Input: 3.0, Output: 15.0},
			llm.ProviderOpenAI:    {Input: 2.5, Output: 10.0},
			llm.ProviderDeepSeek:  {Input: 0.14, Output: 0.28},
			llm.ProviderGoogle:    {Input: 0.075, Output: 0.30},
			llm.ProviderQwen:      {Input: 0.8, Output: 2.0},
			llm.ProviderMiniMax:   {Input: 1.0, Output: 3.0},
		},
		DefaultRate: Rate{Input: 1.0, Output: 5.0},
		Timeout:     60 * time.Second,
	}
}
