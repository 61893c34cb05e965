package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/kernel"
	"github.com/loomhq/loom/internal/mailbox"
	"github.com/loomhq/loom/internal/maintenance"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/providers/openai"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration kernel",
		Long: `Start the kernel with all configured agents.

The server registers each agent with the runtime and mailbox, starts the
background janitor, and serves /metrics and /healthz until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "path to config file")
	return cmd
}

func buildRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Dispatch a goal to the controller and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, &args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "path to config file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-schema",
		Short: "Print the JSON schema for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// runServe boots the full kernel. When goal is non-nil it dispatches the
// goal to the controller and exits when the run finishes; otherwise it
// serves until the context is cancelled.
func runServe(ctx context.Context, configPath string, goal *string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(promReg)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mb := mailbox.New(logger)
	runtime := agent.NewRuntime(st, logger, metrics)
	kern := kernel.New(cfg.Kernel, runtime, mb, st, logger, metrics)
	api := newAPIServer(kern)
	runtime.OnEvent(api.onEvent)
	provider := openai.New(cfg.OpenAI)

	for _, ac := range cfg.Agents {
		profile := &agent.Profile{
			ID:              ac.ID,
			Name:            ac.Name,
			SystemPrompt:    ac.SystemPrompt,
			Model:           ac.Model,
			Provider:        provider,
			Registry:        agent.NewToolRegistry(cfg.Registry, logger, metrics),
			MaxLoops:        ac.MaxLoops,
			MaxToolsPerTask: ac.MaxToolsPerTask,
			MaxOutputTokens: ac.MaxOutputTokens,
			Session:         ac.Session,
		}
		if err := kern.RegisterAgent(profile); err != nil {
			return fmt.Errorf("register agent %s: %w", ac.ID, err)
		}
		logger.Info("agent registered", "agent_id", ac.ID, "controller", profile.IsController)
	}

	janitor := maintenance.New(maintenance.Config{
		CleanupSchedule: cfg.Maintenance.CleanupSchedule,
		GaugeInterval:   cfg.Maintenance.GaugeInterval,
	}, cfg.Registry.Truncation, mb, metrics, logger)
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	mux := http.NewServeMux()
	api.register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if goal != nil {
		record, err := kern.Execute(ctx, *goal)
		if err != nil {
			return fmt.Errorf("dispatch goal: %w", err)
		}
		streamRun(ctx, runtime, record.RunID)
		final, err := runtime.Wait(ctx, record.RunID)
		shutdownHTTP(srv)
		if err != nil {
			return err
		}
		if final.Status != models.RunCompleted {
			return fmt.Errorf("run %s ended %s: %s", final.RunID, final.Status, final.Error)
		}
		fmt.Println(final.Output)
		return nil
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownHTTP(srv)
		return nil
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return store.NewFileStore(cfg.Dir)
	}
}

// streamRun echoes a run's text output to stdout until the run terminates.
func streamRun(ctx context.Context, runtime *agent.Runtime, runID string) {
	events, unsub, err := runtime.Subscribe(runID)
	if err != nil {
		return
	}
	go func() {
		defer unsub()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				printEvent(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func printEvent(ev *models.AgentEvent) {
	switch ev.Type {
	case models.EventTextDelta:
		fmt.Print(ev.Delta)
	case models.EventTextComplete:
		fmt.Println()
	case models.EventError:
		if ev.Error != nil {
			fmt.Fprintln(os.Stderr, "run error:", ev.Error.Message)
		}
	}
}

func shutdownHTTP(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
