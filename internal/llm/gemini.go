package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiAdapter implements Adapter for Google Gemini via the genai SDK.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter creates an adapter for a Gemini model. baseURL overrides
// the API endpoint (proxy support) and may be empty.
func NewGeminiAdapter(apiKey, model, baseURL string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiAdapter{client: client, model: model}, nil
}

// Invoke sends the messages and collects the completion to a string.
func (a *GeminiAdapter) Invoke(ctx context.Context, messages []Message, cfg InvokeConfig) (string, error) {
	system, rest := splitMessages(messages)

	var prompt strings.Builder
	for i, m := range rest {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Content)
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(cfg.Temperature)),
		MaxOutputTokens: int32(cfg.MaxTokens),
	}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt.String()), genCfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("gemini: no completion returned")
	}

	return strings.TrimSpace(text), nil
}

// InvokeStream collects the completion and yields it as a single chunk.
// The SDK's iterator-based streaming is not worth the surface here; arena
// runs consume collect-to-string anyway.
func (a *GeminiAdapter) InvokeStream(ctx context.Context, messages []Message, cfg InvokeConfig) (<-chan string, <-chan error) {
	contentChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		text, err := a.Invoke(ctx, messages, cfg)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case contentChan <- text:
		case <-ctx.Done():
		}
	}()

	return contentChan, errChan
}
