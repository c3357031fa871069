package providers

import (
	"strings"

	"github.com/dotsetgreg/companion/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o-mini"
)

func init() {
	RegisterFactory(ProviderOpenRouter, newOpenRouterProviderFromConfig, func(cfg *config.Config) error {
		return validateAPIKey(cfg, "OpenRouter")
	})
}

func newOpenRouterProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	apiBase := strings.TrimSpace(cfg.LLM.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	model := strings.TrimSpace(cfg.LLM.Model)
	if model == "" {
		model = defaultOpenRouterModel
	}
	auth := NewAPIKeyAuth(NewStaticTokenSource(cfg.GetAPIKey(), "llm.api_key"))
	return newChatCompletionsProvider(
		ProviderOpenRouter,
		apiBase,
		model,
		cfg.LLM.Proxy,
		auth,
		map[string]string{"X-Title": "companion"},
	)
}
