package ai

import (
	"time"

	"github.com/pkg/errors"

	"sqlgrep/internal/config"
)

// FromConfig builds the chat client described by the primary provider
// plus any fallback providers, in priority order.
func FromConfig(primary config.ProviderConfig, fallbacks []config.ProviderConfig) (Client, error) {
	specs := append([]config.ProviderConfig{primary}, fallbacks...)

	clients := make([]Client, 0, len(specs))
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		client, err := build(spec)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
		names = append(names, spec.Name)
	}
	if len(clients) == 1 {
		return clients[0], nil
	}
	return NewFallback(clients, names), nil
}

func build(spec config.ProviderConfig) (Client, error) {
	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	switch spec.Name {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  spec.APIKey,
			Model:   spec.Model,
			BaseURL: spec.BaseURL,
			Timeout: timeout,
		}), nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    spec.APIKey,
			Model:     spec.Model,
			MaxTokens: spec.MaxTokens,
			BaseURL:   spec.BaseURL,
			Version:   spec.AnthropicVersion,
			Timeout:   timeout,
		}), nil
	default:
		return nil, errors.Errorf("unknown ai provider %q", spec.Name)
	}
}
