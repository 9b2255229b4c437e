package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"school_billing_echo/internal/config"
	"school_billing_echo/internal/services"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "sweep <pending|recurring|overdue>",
		Short:     "Run one billing sweep right now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"pending", "recurring", "overdue"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if cfg.StripeSecretKey == "" {
				return fmt.Errorf("STRIPE_SECRET_KEY not set")
			}

			db, err := services.InitDB(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect DB: %w", err)
			}

			var locker services.Locker = services.NewLocalLocker()
			if cfg.RedisURL != "" {
				redisCache, err := services.NewRedisCache(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("failed to connect redis: %w", err)
				}
				defer redisCache.Close()
				locker = redisCache
			}

			ledger := services.NewInvoiceLedger(db, cfg.DefaultCurrency)
			orchestrator := services.NewPaymentOrchestrator(db,
				services.NewCardVault(db),
				ledger,
				services.NewPaymentRecords(db),
				services.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout),
				locker,
				services.OrchestratorConfig{AppBaseURL: cfg.AppBaseURL, GatewayTimeout: cfg.GatewayTimeout},
			)
			scheduler := services.NewBillingScheduler(db, ledger, orchestrator, time.Now)

			ctx := cmd.Context()
			var out interface{}
			switch args[0] {
			case "pending":
				out = scheduler.SweepPendingInvoices(ctx)
			case "recurring":
				out = scheduler.SweepRecurringSchedules(ctx)
			case "overdue":
				n, err := scheduler.MarkOverdue(ctx)
				if err != nil {
					return err
				}
				out = map[string]int64{"marked_overdue": n}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	return cmd
}
