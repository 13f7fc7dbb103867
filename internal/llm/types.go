// Package llm provides a uniform adapter over multiple LLM providers.
// Adapters are resolved per run by the factory so credential changes take
// effect without a restart.
package llm

import "context"

// Provider identifies an LLM backend
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderGoogle    Provider = "google"
	ProviderQwen      Provider = "qwen"
	ProviderMiniMax   Provider = "minimax"
)

// Message is the provider-neutral chat message format
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// InvokeConfig holds per-invocation generation settings
type InvokeConfig struct {
	Temperature float64
	MaxTokens   int
}

// DefaultInvokeConfig returns the settings used for arena decision calls.
// Temperature 0 keeps model comparisons about content, not sampling noise.
func DefaultInvokeConfig() InvokeConfig {
	return InvokeConfig{Temperature: 0, MaxTokens: 4096}
}

// Adapter is the single capability every provider implements.
// Invoke collects the full completion to a string. InvokeStream yields
// incremental deltas; providers without native streaming send one chunk.
type Adapter interface {
	Invoke(ctx context.Context, messages []Message, cfg InvokeConfig) (string, error)
	InvokeStream(ctx context.Context, messages []Message, cfg InvokeConfig) (<-chan string, <-chan error)
}

// splitMessages separates the system prompt from chat messages, since
// Anthropic and Gemini take the system prompt out-of-band.
func splitMessages(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
