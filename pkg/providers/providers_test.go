package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dotsetgreg/companion/pkg/config"
)

func TestCreateProvider_OpenRouter_DefaultSelection(t *testing.T) {
	var seenAuth string
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		if got := req["stream"]; got != false {
			t.Errorf("expected stream=false, got %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = ""
	cfg.LLM.APIKey = "or-key"
	cfg.LLM.APIBase = server.URL
	cfg.LLM.Model = ""

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	got, err := provider.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected response content ok, got %q", got)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
}

func TestCreateProvider_OpenAI_SendsOrganization(t *testing.T) {
	var seenOrg string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOrg = r.Header.Get("OpenAI-Organization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"fine"}}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "OpenAI"
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.APIBase = server.URL
	cfg.LLM.Organization = "org-123"

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := provider.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if seenOrg != "org-123" {
		t.Fatalf("expected organization header, got %q", seenOrg)
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "nope"
	_, err := CreateProvider(cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestCreateProvider_MissingKeyNeverReachesNetwork(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = ""
	cfg.LLM.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("missing key must not fail construction: %v", err)
	}
	if provider.HasCredential() {
		t.Fatalf("expected HasCredential=false")
	}
	err = provider.StreamCompletion(context.Background(), CompletionRequest{}, func(string) {})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no network calls, got %d", hits)
	}
	if err := ValidateProviderConfig(cfg); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected validation to report missing credential, got %v", err)
	}
}

func TestStaticTokenSource_RejectsPlaceholderToken(t *testing.T) {
	for _, tok := range []string{"<OPENROUTER_API_KEY>", "${OPENROUTER_API_KEY}"} {
		src := NewStaticTokenSource(tok, "llm.api_key")
		if _, err := src.Token(context.Background()); !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("expected placeholder %q to be rejected, got %v", tok, err)
		}
	}
}

func TestSupportedProviders(t *testing.T) {
	got := strings.Join(SupportedProviders(), ",")
	if got != "openai,openrouter" {
		t.Fatalf("unexpected providers: %s", got)
	}
}

func TestAugmentProviderError_Hints(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusUnauthorized, "No auth credentials found")
	if !strings.Contains(msg, "COMPANION_LLM_API_KEY") {
		t.Fatalf("expected credential hint, got %q", msg)
	}
	msg = augmentProviderError(ProviderOpenRouter, http.StatusNotFound, "No endpoints found for foo/bar")
	if !strings.Contains(msg, "llm.model") {
		t.Fatalf("expected model hint, got %q", msg)
	}
	msg = augmentProviderError(ProviderOpenAI, http.StatusBadRequest, "bad")
	if msg != "bad" {
		t.Fatalf("expected message unchanged, got %q", msg)
	}
}
