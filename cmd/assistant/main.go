package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/parcelwise/assistant/pkg/agent"
	"github.com/parcelwise/assistant/pkg/config"
	"github.com/parcelwise/assistant/pkg/confirm"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/model/gemini"
	"github.com/parcelwise/assistant/pkg/server"
	"github.com/parcelwise/assistant/pkg/store/sqlite"
	"github.com/parcelwise/assistant/pkg/tool"
	"github.com/parcelwise/assistant/pkg/tools"
)

func main() {
	// Setup logger.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	// Config.
	cfgPath := os.Getenv("ASSISTANT_CONFIG")
	if cfgPath == "" {
		cfgPath = "assistant.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	apiKey, err := cfg.APIKey()
	if err != nil {
		slog.Error("Missing provider API key", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Initialize store.
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize model provider with retry/rate-limit wrapper.
	gp, err := gemini.New(ctx, apiKey)
	if err != nil {
		slog.Error("Failed to initialize Gemini provider", "error", err)
		os.Exit(1)
	}
	provider := model.WithRetry(gp, model.RetryOptions{
		MaxAttempts:       cfg.RetryAttempts,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	// Build the tool registry. Registration happens only here; the registry
	// is frozen before any traffic is served.
	registry, err := tool.NewRegistry(tools.All(st, st, st)...)
	if err != nil {
		slog.Error("Failed to build tool registry", "error", err)
		os.Exit(1)
	}
	registry.Freeze()

	// Confirmation service plus background expiry sweeper.
	confirmer := confirm.New(st, st, registry,
		confirm.WithTTL(cfg.ConfirmTTL),
		confirm.WithExecuteTimeout(cfg.ToolTimeout),
	)
	go confirmer.StartSweeper(ctx, cfg.SweepInterval)

	// Agent loop.
	assembler := agent.NewAssembler(st, cfg.ContextBudget)
	ag := agent.New(st, st, registry, provider, assembler, confirmer, agent.Options{
		ModelName:     cfg.Model,
		MaxIterations: cfg.MaxIterations,
		ToolTimeout:   cfg.ToolTimeout,
	})

	// Start server.
	srv := server.New(st, st, st, st, ag, confirmer, registry, provider, cfg.PermissionsForRole)
	if err := srv.Start(cfg.Addr); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
