package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LLM     LLMConfig     `json:"llm"`
	Store   StoreConfig   `json:"store"`
	Chat    ChatConfig    `json:"chat"`
	Gateway GatewayConfig `json:"gateway"`
	Log     LogConfig     `json:"log"`
	mu      sync.RWMutex
}

type LLMConfig struct {
	Provider     string  `json:"provider" env:"COMPANION_LLM_PROVIDER"`
	APIKey       string  `json:"api_key" env:"COMPANION_LLM_API_KEY"`
	APIBase      string  `json:"api_base" env:"COMPANION_LLM_API_BASE"`
	Model        string  `json:"model" env:"COMPANION_LLM_MODEL"`
	SummaryModel string  `json:"summary_model" env:"COMPANION_LLM_SUMMARY_MODEL"`
	Temperature  float64 `json:"temperature" env:"COMPANION_LLM_TEMPERATURE"`
	TopP         float64 `json:"top_p" env:"COMPANION_LLM_TOP_P"`
	Organization string  `json:"organization,omitempty" env:"COMPANION_LLM_ORGANIZATION"`
	Proxy        string  `json:"proxy,omitempty" env:"COMPANION_LLM_PROXY"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"COMPANION_STORE_DRIVER"` // sqlite, postgres, mysql
	DSN    string `json:"dsn,omitempty" env:"COMPANION_STORE_DSN"`
	Path   string `json:"path" env:"COMPANION_STORE_PATH"` // sqlite only
}

type ChatConfig struct {
	PageSize              int    `json:"page_size" env:"COMPANION_CHAT_PAGE_SIZE"`
	SummarizeEvery        int    `json:"summarize_every" env:"COMPANION_CHAT_SUMMARIZE_EVERY"`
	ContextTurns          int    `json:"context_turns" env:"COMPANION_CHAT_CONTEXT_TURNS"`
	ThinkingText          string `json:"thinking_text" env:"COMPANION_CHAT_THINKING_TEXT"`
	ErrorText             string `json:"error_text" env:"COMPANION_CHAT_ERROR_TEXT"`
	NoResponseText        string `json:"no_response_text" env:"COMPANION_CHAT_NO_RESPONSE_TEXT"`
	MissingCredentialText string `json:"missing_credential_text" env:"COMPANION_CHAT_MISSING_CREDENTIAL_TEXT"`
	SystemPrompt          string `json:"system_prompt" env:"COMPANION_CHAT_SYSTEM_PROMPT"`
}

type GatewayConfig struct {
	Host               string `json:"host" env:"COMPANION_GATEWAY_HOST"`
	Port               int    `json:"port" env:"COMPANION_GATEWAY_PORT"`
	JWTSecret          string `json:"jwt_secret,omitempty" env:"COMPANION_GATEWAY_JWT_SECRET"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" env:"COMPANION_GATEWAY_RATE_LIMIT_PER_MINUTE"`
}

type LogConfig struct {
	Level  string `json:"level" env:"COMPANION_LOG_LEVEL"`
	Format string `json:"format" env:"COMPANION_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openrouter",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.7,
			TopP:        0.9,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.companion/state/companion.db",
		},
		Chat: ChatConfig{
			PageSize:              50,
			SummarizeEvery:        2,
			ContextTurns:          50,
			ThinkingText:          "Thinking...",
			ErrorText:             "Sorry, something went wrong while responding. Please try again.",
			NoResponseText:        "No response received. Please try again.",
			MissingCredentialText: "Chat is not configured: the AI service credential is missing.",
			SystemPrompt:          "You are a warm, supportive mental-health companion. Listen carefully, respond with empathy, and encourage professional help when the user may be at risk.",
		},
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               18791,
			RateLimitPerMinute: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads path (missing file means defaults), then applies an
// optional .env next to the config and COMPANION_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.TrimSpace(c.LLM.APIKey)
}

func (c *Config) SummaryModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m := strings.TrimSpace(c.LLM.SummaryModel); m != "" {
		return m
	}
	return strings.TrimSpace(c.LLM.Model)
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
