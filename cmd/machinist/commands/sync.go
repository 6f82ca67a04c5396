package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

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

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation sweep and print the result",
		Long: `Compare every machine's recorded state against the provider's view
and update the records to match. Intended for operators and cron; the
daemon runs the same sweep on its own interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

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
			policyEngine, err := policy.NewEngine(cfg.Policy, logger)
			if err != nil {
				return err
			}

			registry := providers.NewRegistry(logger)

			// The orchestrator contributes credential unsealing and the
			// machine-lock view; no deployments run in this process.
			orch := engine.New(store, runner, registry, v, policyEngine, logger, engine.Options{})

			rec := reconciler.New(reconciler.Options{
				Store:    store,
				Adapters: registry,
				Creds:    orch,
				Activity: orch,
				Config:   cfg.Reconcile,
				Logger:   logger,
			})

			summary, err := rec.Sync(ctx)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
