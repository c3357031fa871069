// Companion - conversational AI chat with long-term memory
//
// Copyright (c) 2026 Companion contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dotsetgreg/companion/pkg/chat"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/metrics"
	"github.com/dotsetgreg/companion/pkg/providers"
	"github.com/dotsetgreg/companion/pkg/store"
	"github.com/dotsetgreg/companion/pkg/store/db"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "companion"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".companion", "config.json")
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// app is the wired chat engine shared by every command.
type app struct {
	cfg      *config.Config
	store    *store.Store
	provider providers.LLMProvider
	resolver *chat.SessionResolver
	trigger  *memory.Trigger
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}
	if !provider.HasCredential() {
		logger.WarnCF("main", "No API key configured; replies will fail until one is set", map[string]interface{}{
			"provider": providers.ActiveProviderName(cfg),
		})
	}

	m := metrics.Default()
	summarize := memory.NewLLMSummarizer(provider, cfg.SummaryModel(), cfg.LLM.Temperature)
	trigger := memory.NewTrigger(s, summarize,
		memory.WithEvery(cfg.Chat.SummarizeEvery),
		memory.WithMetrics(m),
	)

	return &app{
		cfg:      cfg,
		store:    s,
		provider: provider,
		resolver: chat.NewSessionResolver(s),
		trigger:  trigger,
		metrics:  m,
	}, nil
}

func (a *app) controller(userID string, pub chat.Publisher) *chat.Controller {
	return chat.NewController(chat.Deps{
		UserID:   userID,
		Store:    a.store,
		Streamer: a.provider,
		Resolver: a.resolver,
		Trigger:  a.trigger,
		Bus:      pub,
		Metrics:  a.metrics,
	}, chat.OptionsFromConfig(a.cfg))
}

// Close drains pending writes and the summaries they trigger before
// closing the store.
func (a *app) Close() error {
	a.store.Wait()
	a.trigger.Wait()
	return a.store.Close()
}
