package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/companion/pkg/chat"
	"github.com/dotsetgreg/companion/pkg/gateway"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/providers"
	"github.com/dotsetgreg/companion/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	userID     string
}

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		flags       globalFlags
	)

	root := &cobra.Command{
		Use:   "companion",
		Short: "Conversational AI companion with streaming replies and long-term memory",
		Long: strings.TrimSpace(`companion is a chat engine for a supportive AI companion.

Chat from the terminal, serve the chat over HTTP with server-sent events,
page through stored history, and reset a conversation.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (default ~/.companion/config.json)")
	root.PersistentFlags().StringVarP(&flags.userID, "user", "u", defaultUserID(), "User id the conversation belongs to")

	root.AddCommand(newChatCommand(&flags))
	root.AddCommand(newServeCommand(&flags))
	root.AddCommand(newHistoryCommand(&flags))
	root.AddCommand(newClearCommand(&flags))
	root.AddCommand(newStatusCommand(&flags))
	root.AddCommand(newTokenCommand(&flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func defaultUserID() string {
	if u := strings.TrimSpace(os.Getenv("COMPANION_USER")); u != "" {
		return u
	}
	return "local"
}

// withApp loads config, wires the engine, runs fn and tears it down.
func withApp(ctx context.Context, flags *globalFlags, fn func(*app) error) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.WarnCF("main", "Closing store failed", map[string]interface{}{"error": cerr.Error()})
		}
	}()
	return fn(a)
}

func newChatCommand(flags *globalFlags) *cobra.Command {
	var (
		message string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the companion in the terminal",
		Long:  "Open an interactive chat, or send one message with --message. Replies stream as they arrive.",
		Example: strings.Join([]string{
			"  companion chat",
			"  companion chat --user alice",
			"  companion chat --message \"I had a rough day\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, flags, func(a *app) error {
				logger.SetFormat("console")
				if debug {
					logger.SetLevel(logger.DEBUG)
				} else if logger.GetLevel() < logger.WARN {
					logger.SetLevel(logger.WARN)
				}
				return runChat(ctx, a, flags.userID, message, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the chat over HTTP with server-sent events",
		Long:    "Start the HTTP gateway. Requests authenticate with an HS256 bearer token signed with gateway.jwt_secret.",
		Example: "  companion serve --addr 127.0.0.1:18791",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, flags, func(a *app) error {
				listen := strings.TrimSpace(addr)
				if listen == "" {
					listen = a.cfg.GatewayAddr()
				}
				return runServe(ctx, a, listen)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from gateway.host/gateway.port)")
	return cmd
}

func runServe(ctx context.Context, a *app, addr string) error {
	srv, err := gateway.NewServer(a.cfg, gateway.Deps{
		Store:    a.store,
		Streamer: a.provider,
		Resolver: a.resolver,
		Trigger:  a.trigger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoC("main", "Gateway stopped")
	return nil
}

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation",
		Long:  "Print the newest page of the user's conversation, or every page with --all.",
		Example: strings.Join([]string{
			"  companion history",
			"  companion history --all --user alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(a *app) error {
				return printHistory(cmd.Context(), a, flags.userID, all, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Print every page, oldest first")
	return cmd
}

func newClearCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "clear",
		Short:   "Delete every turn of the current conversation",
		Example: "  companion clear --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(a *app) error {
				ctrl := a.controller(flags.userID, nil)
				defer ctrl.Close()
				if err := initController(cmd.Context(), ctrl); err != nil {
					return err
				}
				if err := ctrl.Clear(cmd.Context()); err != nil {
					return fmt.Errorf("clear conversation: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Conversation cleared.")
				return nil
			})
		},
	}
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and conversation status",
		Example: "  companion status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(a *app) error {
				return printStatus(cmd.Context(), a, flags, cmd.OutOrStdout())
			})
		},
	}
}

func newTokenCommand(flags *globalFlags) *cobra.Command {
	var notOnboarded bool

	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Mint a bearer token for the HTTP gateway",
		Example: "  companion token --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(cfg.Gateway.JWTSecret)
			if secret == "" {
				return gateway.ErrNoJWTSecret
			}
			tok, err := gateway.IssueToken([]byte(secret), flags.userID, !notOnboarded)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().BoolVar(&notOnboarded, "not-onboarded", false, "Mark the user as not onboarded")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Example: "  companion version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func initController(ctx context.Context, ctrl *chat.Controller) error {
	outcome, err := ctrl.Init(ctx)
	switch outcome {
	case chat.OutcomeReady:
		return nil
	case chat.OutcomeRedirectLogin:
		return fmt.Errorf("no user: pass --user or set COMPANION_USER")
	default:
		if err == nil {
			err = chat.ErrChatUnavailable
		}
		return err
	}
}

func printHistory(ctx context.Context, a *app, userID string, all bool, out io.Writer) error {
	sessionID, err := a.resolver.Resolve(ctx, userID)
	if err != nil {
		return err
	}

	page, err := a.store.LoadInitialPage(ctx, sessionID)
	if err != nil {
		return err
	}
	turns := page.Turns
	for all && page.HasMore {
		page, err = a.store.LoadOlderPage(ctx, sessionID, page.Oldest())
		if err != nil {
			return err
		}
		turns = append(append([]*store.Turn{}, page.Turns...), turns...)
	}

	if len(turns) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}
	for _, t := range turns {
		fmt.Fprintf(out, "[%s] %s: %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"), speaker(t.Sender), t.Text)
	}
	if page.HasMore {
		fmt.Fprintln(out, "(older messages hidden; use --all)")
	}
	return nil
}

func printStatus(ctx context.Context, a *app, flags *globalFlags, out io.Writer) error {
	cfgPath := flags.configPath
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	credential := "missing"
	if a.provider.HasCredential() {
		credential = "configured"
	}

	fmt.Fprintf(out, "%s %s\n\n", appName, formatVersion())
	fmt.Fprintf(out, "Config:     %s\n", cfgPath)
	fmt.Fprintf(out, "Provider:   %s (%s)\n", providers.ActiveProviderName(a.cfg), credential)
	fmt.Fprintf(out, "Model:      %s\n", a.cfg.LLM.Model)
	fmt.Fprintf(out, "Summaries:  %s every %d turns\n", a.cfg.SummaryModel(), a.cfg.Chat.SummarizeEvery)
	fmt.Fprintf(out, "Store:      %s\n", describeStore(a))
	fmt.Fprintf(out, "Gateway:    %s\n", a.cfg.GatewayAddr())

	sessionID, err := a.resolver.Resolve(ctx, flags.userID)
	if err != nil {
		fmt.Fprintf(out, "Session:    unavailable (%v)\n", err)
		return nil
	}
	turns, err := a.store.ListAllTurns(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session:    %s (%d turns)\n", sessionID, len(turns))
	rec, err := a.store.GetMemoryRecord(ctx, flags.userID, sessionID)
	if err != nil {
		return err
	}
	if rec != nil {
		fmt.Fprintf(out, "Memory:     updated %s\n", rec.LastUpdate.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Memory:     none yet")
	}
	return nil
}

func describeStore(a *app) string {
	driver := strings.TrimSpace(a.cfg.Store.Driver)
	if driver == "" || driver == "sqlite" {
		return "sqlite " + a.cfg.StorePath()
	}
	return driver
}

func speaker(s store.Sender) string {
	if s == store.SenderAI {
		return "Companion"
	}
	return "You"
}
