package providers

import (
	"strings"

	"github.com/dotsetgreg/companion/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

func init() {
	RegisterFactory(ProviderOpenAI, newOpenAIProviderFromConfig, func(cfg *config.Config) error {
		return validateAPIKey(cfg, "OpenAI")
	})
}

func newOpenAIProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	apiBase := strings.TrimSpace(cfg.LLM.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	model := strings.TrimSpace(cfg.LLM.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	extraHeaders := map[string]string{}
	if org := strings.TrimSpace(cfg.LLM.Organization); org != "" {
		extraHeaders["OpenAI-Organization"] = org
	}

	return newChatCompletionsProvider(
		ProviderOpenAI,
		apiBase,
		model,
		cfg.LLM.Proxy,
		NewAPIKeyAuth(NewStaticTokenSource(cfg.GetAPIKey(), "llm.api_key")),
		extraHeaders,
	)
}
