package llm

import "fmt"

// FactoryOptions carries provider-specific overrides.
type FactoryOptions struct {
	GoogleBaseURL string // optional Gemini proxy endpoint
}

// NewAdapter resolves a provider to a concrete adapter. Called at run start,
// never cached across runs, so rotated credentials apply to the next run.
func NewAdapter(provider Provider, apiKey, model string, opts FactoryOptions) (Adapter, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicAdapter(apiKey, model), nil
	case ProviderOpenAI:
		return NewOpenAIAdapter(apiKey, openAIBaseURL, model), nil
	case ProviderDeepSeek:
		return NewOpenAIAdapter(apiKey, deepSeekBaseURL, model), nil
	case ProviderQwen:
		return NewOpenAIAdapter(apiKey, qwenBaseURL, model), nil
	case ProviderMiniMax:
		return NewOpenAIAdapter(apiKey, miniMaxBaseURL, model), nil
	case ProviderGoogle:
		return NewGeminiAdapter(apiKey, model, opts.GoogleBaseURL)
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
