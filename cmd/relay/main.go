// Relay orchestrator server — classifies inbound requests, routes work
// across specialist agents, and gates risky operations behind human
// approval in the external issue tracker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coderelay/relay/pkg/agent"
	"github.com/coderelay/relay/pkg/api"
	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/checkpoint"
	"github.com/coderelay/relay/pkg/cleanup"
	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/database"
	"github.com/coderelay/relay/pkg/graph"
	"github.com/coderelay/relay/pkg/llm"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/risk"
	"github.com/coderelay/relay/pkg/router"
	"github.com/coderelay/relay/pkg/tools"
	"github.com/coderelay/relay/pkg/tracker"
	"github.com/coderelay/relay/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Multi-agent engineering workflow orchestrator",
		Long: `Relay routes engineering requests to specialist agents through a
supervisor, checkpoints every step, and pauses risky operations for
human approval in the external issue tracker.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c",
		getEnv("RELAY_CONFIG", "relay.yaml"), "Config file path")

	cmd.AddCommand(versionCmd(), healthCmd(), replayCmd())
	return cmd
}

// healthCmd probes a running server's /health endpoint, for readiness
// checks and operator sanity.
func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("reaching %s: %w", addr, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server reported HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the relay server")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Full())
		},
	}
}

// replayCmd inspects the checkpoint history of a thread, the operator's
// view into what a workflow did and where it stopped.
func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <thread-id>",
		Short: "Print the checkpoint history of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dbCfg, err := database.LoadConfigFromEnv()
			if err != nil {
				return err
			}
			dbClient, err := database.NewClient(ctx, dbCfg)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer dbClient.Close()

			store := checkpoint.NewPostgresStore(dbClient.DB())
			cps, err := store.List(ctx, args[0])
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Printf("no checkpoints for thread %s\n", args[0])
				return nil
			}
			for _, cp := range cps {
				fmt.Printf("%4d  %-16s terminal=%-5v approval=%-8s messages=%-3d %s\n",
					cp.ID, cp.NodeJustRan, cp.Terminal,
					string(cp.State.ApprovalStatus), len(cp.State.Messages),
					cp.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	} else {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting relay", "version", version.Full(), "config", configPath)

	// 1. Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// 2. Checkpoint and approval stores
	var (
		cpStore  checkpoint.Store
		locker   checkpoint.Locker
		apStore  approval.Store
		dbClient *database.Client
	)
	switch backend := getEnv("RELAY_STORE", "postgres"); backend {
	case "postgres":
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return fmt.Errorf("loading database config: %w", err)
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		pg := checkpoint.NewPostgresStore(dbClient.DB())
		cpStore, locker = pg, pg
		apStore = approval.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	case "memory":
		mem := checkpoint.NewMemoryStore()
		cpStore, locker = mem, mem
		apStore = approval.NewMemoryStore()
		slog.Warn("Using in-memory stores; all state is lost on restart")
	default:
		return fmt.Errorf("unknown RELAY_STORE backend %q (postgres or memory)", backend)
	}

	// 3. Tracker client and approval manager
	if cfg.Tracker.BaseURL == "" {
		slog.Warn("tracker.base_url not configured; approval issues cannot be created and high-risk operations will fail")
	}
	trackerClient := tracker.NewHTTPClient(cfg.Tracker.BaseURL, cfg.Tracker.Token, cfg.Tracker.Project, cfg.TrackerTimeout())
	approvals := approval.NewManager(apStore, trackerClient, approval.Config{
		Timeout:        cfg.ApprovalTimeout(),
		PollInterval:   cfg.PollInterval(),
		ApprovedStates: cfg.Tracker.ApprovedStates,
		RejectedStates: cfg.Tracker.RejectedStates,
	})

	// 4. LLM client with retry policy
	provider := llm.NewOpenAIClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLMTimeout())
	llmClient := llm.NewRetryingClient(provider, llm.DefaultRetryConfig)
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized", "endpoint", cfg.LLM.Endpoint, "default_model", cfg.LLM.DefaultModel)

	// 5. Tool catalog and executor
	var (
		discoverer tools.Discoverer
		executor   agent.ToolExecutor
	)
	if len(cfg.Tools.Servers) > 0 {
		remote := tools.NewRemoteClient(cfg.Tools.Servers, cfg.ToolTimeout())
		discoverer, executor = remote, remote
		slog.Info("Tool servers configured", "count", len(cfg.Tools.Servers))
	} else {
		discoverer = &tools.StaticDiscoverer{Descriptors: cfg.Tools.Static}
		executor = agent.ExecutorFunc(func(_ context.Context, call model.ToolCall) (string, error) {
			return "", fmt.Errorf("no tool servers configured; cannot execute %s", call.Name)
		})
		slog.Warn("No tool servers configured; agents run without executable tools", "static_tools", len(cfg.Tools.Static))
	}
	catalog := tools.NewCatalog(discoverer, cfg.CatalogTTL())

	// 6. Agent registry and runtime
	registry, err := agent.DefaultRegistry(cfg.LLM.DefaultModel)
	if err != nil {
		return fmt.Errorf("building agent registry: %w", err)
	}
	for _, name := range registry.Names() {
		def, _ := registry.Get(name)
		def.Model = cfg.ModelFor(name)
		if strategy, ok := cfg.StrategyFor(name); ok {
			def.ToolStrategy = strategy
		}
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("applying overrides for agent %s: %w", name, err)
		}
	}
	runtime, err := agent.NewRuntime(llmClient, catalog, executor, cfg.Tools.MaxToolsPerInvocation, cfg.Engine.PerNodeHopLimit)
	if err != nil {
		return fmt.Errorf("building agent runtime: %w", err)
	}

	// 7. Risk rules
	var rules []risk.Rule
	if cfg.Risk.RulesPath != "" {
		rules, err = risk.LoadRules(cfg.Risk.RulesPath)
		if err != nil {
			return fmt.Errorf("loading risk rules: %w", err)
		}
		slog.Info("Loaded risk rules", "path", cfg.Risk.RulesPath, "count", len(rules))
	}
	assessor, err := risk.NewAssessor(rules)
	if err != nil {
		return fmt.Errorf("building risk assessor: %w", err)
	}

	// 8. Graph engine
	nodes := &graph.Nodes{Runtime: runtime, Registry: registry, Assessor: assessor, Approvals: approvals}
	engine := graph.NewEngine(cpStore, locker, nodes.Build(), approvals, cfg.Engine.PerRunHopLimit, cfg.LockWait())
	slog.Info("Workflow engine initialized", "agents", registry.Names())

	// 9. Background services: approval polling fallback and retention
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go approvals.RunPolling(bgCtx, func(ticket approval.ResumeTicket) {
		if _, err := engine.Resume(bgCtx, ticket, nil, nil); err != nil && !errors.Is(err, graph.ErrStaleResume) {
			slog.Error("Resume from polling failed", "thread_id", ticket.ThreadID, "error", err)
		}
	})
	retention := cleanup.NewService(cleanup.Config{
		Interval:      cfg.CleanupInterval(),
		CheckpointTTL: cfg.CheckpointTTL(),
	}, cpStore, approvals)
	retention.Start(bgCtx)

	// 10. HTTP server (non-blocking)
	intents := router.New(llmClient, cfg.LLM.DefaultModel)
	httpServer := api.NewServer(engine, intents, runtime, registry, approvals, cfg.Tracker.WebhookSecret)
	if dbClient != nil {
		httpServer.SetDBClient(dbClient)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Relay started successfully")

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake first, then background work
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	bgCancel()
	retention.Stop()

	slog.Info("Shutdown complete")
	return nil
}
