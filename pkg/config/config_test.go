package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestDefaultConfig_Chat verifies chat paging and summarization defaults
func TestDefaultConfig_Chat(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chat.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.Chat.PageSize)
	}
	if cfg.Chat.SummarizeEvery != 2 {
		t.Errorf("SummarizeEvery = %d, want 2", cfg.Chat.SummarizeEvery)
	}
	if cfg.Chat.ThinkingText == "" || cfg.Chat.NoResponseText == "" || cfg.Chat.ErrorText == "" {
		t.Error("chat status texts should not be empty")
	}
}

// TestDefaultConfig_LLM verifies the provider defaults
func TestDefaultConfig_LLM(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Provider != "openrouter" {
		t.Errorf("Provider = %q, want openrouter", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		t.Error("Model should not be empty")
	}
	if cfg.LLM.Temperature == 0 || cfg.LLM.TopP == 0 {
		t.Error("Temperature and TopP should have default values")
	}
	if cfg.LLM.APIKey != "" {
		t.Error("API key should be empty by default")
	}
}

// TestDefaultConfig_Store verifies sqlite is the default driver
func TestDefaultConfig_Store(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if !strings.HasSuffix(cfg.StorePath(), filepath.Join("state", "companion.db")) {
		t.Errorf("unexpected store path %q", cfg.StorePath())
	}
}

func TestSummaryModel_FallsBackToChatModel(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.SummaryModel(); got != cfg.LLM.Model {
		t.Fatalf("SummaryModel = %q, want %q", got, cfg.LLM.Model)
	}
	cfg.LLM.SummaryModel = "small/model"
	if got := cfg.SummaryModel(); got != "small/model" {
		t.Fatalf("SummaryModel = %q, want small/model", got)
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"llm":{"model":"file/model","api_key":"from-file"},"chat":{"page_size":25}}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COMPANION_LLM_MODEL", "env/model")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.LLM.Model; got != "env/model" {
		t.Fatalf("expected env override model, got %q", got)
	}
	if got := cfg.LLM.APIKey; got != "from-file" {
		t.Fatalf("expected api key from file, got %q", got)
	}
	if got := cfg.Chat.PageSize; got != 25 {
		t.Fatalf("expected page size from file, got %d", got)
	}
	if got := cfg.Chat.SummarizeEvery; got != 2 {
		t.Fatalf("expected default summarize_every to survive partial file, got %d", got)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("COMPANION_STORE_DRIVER", "postgres")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Store.Driver; got != "postgres" {
		t.Fatalf("expected env override driver, got %q", got)
	}
}

func TestLoadConfig_DotEnvCredential(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("COMPANION_LLM_API_KEY=sk-dotenv\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv never overrides variables that are already set; make sure the
	// key starts unset and is cleaned up afterwards.
	t.Setenv("COMPANION_LLM_API_KEY", "")
	os.Unsetenv("COMPANION_LLM_API_KEY")

	cfg, err := LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.GetAPIKey(); got != "sk-dotenv" {
		t.Fatalf("expected api key from .env, got %q", got)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"llm":`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
