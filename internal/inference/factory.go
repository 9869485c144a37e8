package inference

import "fmt"

// Config selects and configures a reasoning provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
}

// New creates the reasoner named by cfg.Provider.
func New(cfg Config) (Reasoner, error) {
	switch cfg.Provider {
	case "", ProviderExtractive:
		return NewExtractiveReasoner(), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai reasoning requires an API key")
		}
		return NewOpenAIReasoner(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = DefaultOllamaModel
		}
		return NewOpenAIReasoner(OpenAIConfig{
			Name:        ProviderOllama,
			APIKey:      "ollama",
			BaseURL:     baseURL,
			Model:       model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}
