package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	switch status {
	case http.StatusUnauthorized:
		return msg + " Hint: check llm.api_key or COMPANION_LLM_API_KEY."
	case http.StatusTooManyRequests:
		return msg + " Hint: the provider is rate limiting requests; wait and retry."
	}

	if NormalizeProviderName(providerName) == ProviderOpenRouter &&
		strings.Contains(strings.ToLower(msg), "no endpoints found") {
		return msg + " Hint: the configured llm.model is not available on OpenRouter."
	}
	return msg
}
