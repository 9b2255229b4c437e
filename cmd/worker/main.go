package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"school_billing_echo/internal/config"
	"school_billing_echo/internal/services"
	"school_billing_echo/internal/tasks"
)

func main() {
	cfg := config.LoadConfig()
	log.SetLevel(cfg.LogLvl())
	log.SetHeader(`{"time":"${time_rfc3339}","level":"${level}","file":"${short_file}","line":"${line}"}`)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var locker services.Locker = services.NewLocalLocker()
	if cfg.RedisURL != "" {
		redisCache, err := services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Warnf("Redis unavailable, using in-process locks: %v", err)
		} else {
			defer redisCache.Close()
			locker = redisCache
		}
	}

	gateway := services.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout)
	mailer := services.NewEmailService(cfg.AppBaseURL)

	vault := services.NewCardVault(db)
	ledger := services.NewInvoiceLedger(db, cfg.DefaultCurrency)
	records := services.NewPaymentRecords(db)
	orchestrator := services.NewPaymentOrchestrator(db, vault, ledger, records, gateway, locker, services.OrchestratorConfig{
		AppBaseURL:     cfg.AppBaseURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}).WithMailer(mailer)
	scheduler := services.NewBillingScheduler(db, ledger, orchestrator, time.Now)

	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, scheduler, tasks.Notifiers{
		Email:    mailer,
		Whatsapp: services.NewWahaService(cfg.WahaBaseURL, cfg.WahaAPIKey),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := tasks.EnsureBillingTasks(ctx, db, time.Now()); err != nil {
		log.Fatalf("Failed to seed billing tasks: %v", err)
	}

	worker := tasks.NewWorker(db, registry, locker, time.Now)
	if err := worker.Run(ctx, cfg.WorkerPollSpec); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
