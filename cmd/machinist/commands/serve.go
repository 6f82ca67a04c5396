package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/machinist/machinist/pkg/agent"
	"github.com/machinist/machinist/pkg/api"
	"github.com/machinist/machinist/pkg/config"
	"github.com/machinist/machinist/pkg/engine"
	"github.com/machinist/machinist/pkg/policy"
	"github.com/machinist/machinist/pkg/providers"
	"github.com/machinist/machinist/pkg/reconciler"
	"github.com/machinist/machinist/pkg/stores"
	"github.com/machinist/machinist/pkg/telemetry"
	"github.com/machinist/machinist/pkg/terraform"
	"github.com/machinist/machinist/pkg/vault"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the machinist daemon",
		Long: `Start the orchestrator, the reconciler, and the HTTP API, and serve
until interrupted. Interrupting the daemon stops accepting work and waits
for in-flight deployments to reach a terminal state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}
}

func runServe(ctx context.Context, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics(cfg.Metrics)

	tracer, err := telemetry.NewTracer(cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	v, err := vault.NewFromKeyFile(cfg.Vault.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	runner, err := terraform.NewRunner(cfg.Terraform, logger)
	if err != nil {
		return err
	}

	registry := providers.NewRegistry(logger)

	policyEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		return err
	}
	if cfg.Policy.Dir != "" {
		go func() {
			if err := policyEngine.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("policy watcher stopped")
			}
		}()
	}

	sshAgent := agent.NewSSHAgent(cfg.Agent, logger)

	orch := engine.New(store, runner, registry, v, policyEngine, logger, engine.Options{
		ApprovalTimeout: cfg.Approval.Timeout,
		Metrics:         metrics,
		Agent:           sshAgent,
	})
	if err := orch.Start(ctx); err != nil {
		return err
	}

	rec := reconciler.New(reconciler.Options{
		Store:    store,
		Adapters: registry,
		Creds:    orch,
		Activity: orch,
		Metrics:  metrics,
		Config:   cfg.Reconcile,
		Logger:   logger,
	})
	go rec.Run(ctx)

	server := api.New(api.Options{
		Orchestrator:   orch,
		Store:          store,
		Adapters:       registry,
		Vault:          v,
		Syncer:         rec,
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("machinist API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	orch.Shutdown()
	logger.Info().Msg("stopped")
	return nil
}
