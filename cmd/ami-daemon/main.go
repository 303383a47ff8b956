// Command ami-daemon runs the local task automation daemon: HTTP API, SSE
// event streams, worker agents, and an optional browser attachment over CDP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ami/internal/browser"
	"ami/internal/config"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/memory"
	"ami/internal/server"
	"ami/internal/settings"
	"ami/internal/task"
)

var (
	flagPort     int
	flagCDPPort  int
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "ami-daemon",
		Short: "Local AI task automation daemon",
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().IntVar(&flagPort, "port", 0, "HTTP listen port (default from config)")
	root.Flags().IntVar(&flagCDPPort, "cdp-port", 0, "browser CDP port (default from config)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagPort > 0 {
		cfg.Port = flagPort
	}
	if flagCDPPort > 0 {
		cfg.CDPPort = flagCDPPort
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Daemon")

	banner()

	if cfg.APIKey == "" {
		color.Yellow("warning: no API key configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	client, err := llm.NewClient(cfg.LLMProvider, cfg.LLMModel, llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The browser is optional: without one, browser subtasks fail but the
	// rest of the daemon works.
	var browserSession browser.Session
	if cdp, err := browser.Connect(ctx, cfg.CDPPort); err != nil {
		logger.Warn("no browser on CDP port %d: %v", cfg.CDPPort, err)
	} else {
		browserSession = cdp
		defer func() { _ = cdp.Close() }()
	}

	workspaceRoot, err := config.WorkspaceRoot()
	if err != nil {
		return err
	}
	stateRoot, err := config.Root()
	if err != nil {
		return err
	}

	registry := task.NewRegistry(workspaceRoot)
	registry.StartGC(ctx)

	if err := config.WritePortFile(cfg.Port); err != nil {
		logger.Warn("writing port file: %v", err)
	}

	srv := server.New(server.Options{
		Registry:     registry,
		Client:       client,
		Browser:      browserSession,
		Memory:       memory.NewClient(cfg.MemoryBaseURL, cfg.MemoryToken),
		Store:        settings.NewStore(stateRoot),
		Shell:        cfg.Shell,
		MaxSteps:     cfg.MaxSteps,
		MaxTokens:    cfg.MaxTokens,
		ContextLimit: cfg.ContextLimit,
	})

	logger.Info("daemon starting: port=%d provider=%s model=%s", cfg.Port, cfg.LLMProvider, cfg.LLMModel)
	return srv.Run(ctx, cfg.Port)
}

func banner() {
	c := color.New(color.FgCyan, color.Bold)
	_, _ = c.Println("  ami — local task automation daemon")
	fmt.Println()
}
