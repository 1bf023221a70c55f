package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/bedrock"
	"github.com/mikey/llm-mail-triage/internal/adapters/gemini"
	"github.com/mikey/llm-mail-triage/internal/adapters/openai"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// ModelClients are the provider clients keyed by provider name
type ModelClients struct {
	Clients map[string]core.ModelClient
	closers []func() error
}

// Close releases provider connections
func (m *ModelClients) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LLMFactory creates LLM provider clients
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger) *LLMFactory {
	return &LLMFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateModelClients builds a client for every provider referenced by a tier
// route. Providers without credentials are skipped so their routes fall through
// to the next entry in the chain.
func (f *LLMFactory) CreateModelClients(ctx context.Context) (*ModelClients, error) {
	tiers, err := f.cfg.GetTiers()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool)
	for _, routes := range tiers {
		for _, r := range routes {
			wanted[r.Provider] = true
		}
	}

	out := &ModelClients{Clients: make(map[string]core.ModelClient)}
	for provider := range wanted {
		switch provider {
		case openai.ProviderName:
			oc := f.cfg.GetOpenAI()
			if oc.APIKey == "" {
				f.logger.Warn("OpenAI routes configured without an API key, skipping provider")
				continue
			}
			client, err := openai.NewOpenAIClient(openai.Options{
				APIKey:       oc.APIKey,
				BaseURL:      oc.BaseURL,
				Organization: oc.Organization,
				MaxTokens:    oc.MaxTokens,
				TopP:         oc.TopP,
			}, f.logger.Named("openai"))
			if err != nil {
				return nil, err
			}
			out.Clients[provider] = client

		case gemini.ProviderName:
			gc := f.cfg.GetGemini()
			if gc.APIKey == "" {
				f.logger.Warn("Gemini routes configured without an API key, skipping provider")
				continue
			}
			client, err := gemini.NewGeminiClient(ctx, gemini.Options{
				APIKey:    gc.APIKey,
				Endpoint:  gc.Endpoint,
				MaxTokens: gc.MaxTokens,
				TopP:      gc.TopP,
			}, f.logger.Named("gemini"))
			if err != nil {
				out.Close()
				return nil, err
			}
			out.Clients[provider] = client
			out.closers = append(out.closers, client.Close)

		case bedrock.ProviderName:
			bc := f.cfg.GetBedrock()
			if !bc.Enabled {
				f.logger.Warn("Bedrock routes configured but bedrock is disabled, skipping provider")
				continue
			}
			client, err := bedrock.NewFromRegion(ctx, bedrock.Options{
				Region:    bc.Region,
				MaxTokens: bc.MaxTokens,
				TopP:      bc.TopP,
			}, f.logger.Named("bedrock"))
			if err != nil {
				out.Close()
				return nil, err
			}
			out.Clients[provider] = client

		default:
			out.Close()
			return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
		}
	}

	if len(out.Clients) == 0 {
		f.logger.Warn("No model providers available, every email will be scored by rules")
	}
	return out, nil
}
