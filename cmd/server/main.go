package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"school_billing_echo/internal/config"
	"school_billing_echo/internal/handlers"
	authMiddleware "school_billing_echo/internal/middleware"
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
	if cfg.StripeSecretKey == "" {
		log.Fatal("STRIPE_SECRET_KEY not set")
	}

	authClient, err := services.NewAuthClient(context.Background(), cfg.FirebaseCredentialsPath)
	if err != nil {
		log.Warnf("API authentication disabled: %v", err)
		authClient = nil
	} else if authClient == nil {
		log.Warn("No Firebase credentials configured, API authentication disabled")
	}

	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	var locker services.Locker = services.NewLocalLocker()
	var cache services.ResponseCache
	if cfg.RedisURL != "" {
		redisCache, err := services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Warnf("Redis unavailable, using in-process locks: %v", err)
		} else {
			defer redisCache.Close()
			locker = redisCache
			cache = redisCache
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
	if cache != nil {
		orchestrator = orchestrator.WithResponseCache(cache)
	}
	parents := services.NewParentService(db, gateway, mailer)

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(cfg.LogLvl())
	e.HTTPErrorHandler = authMiddleware.CustomErrorHandler

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	authHandler := handlers.NewAuthHandler(authClient, cfg.Production)
	billingHandler := handlers.NewBillingHandler(orchestrator, vault)
	invoiceHandler := handlers.NewInvoiceHandler(ledger, tasks.NewTaskNotifier(db))
	parentHandler := handlers.NewParentHandler(parents)
	paymentHandler := handlers.NewPaymentHandler(records)
	preferenceHandler := handlers.NewNotificationPreferenceHandler(db)
	webhookHandler := handlers.NewWebhookHandler(db, orchestrator, cfg.StripeWebhookSecret)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, handlers.Response{Success: true, Message: "ok"})
	})
	e.POST("/auth/login", authHandler.HandleLogin)
	e.POST("/auth/logout", authHandler.HandleLogout)
	e.POST("/webhooks/stripe", webhookHandler.StripeWebhook)

	api := e.Group("/api")
	api.Use(authMiddleware.RequireAuth(authClient))

	api.POST("/chargeInvoice", billingHandler.ChargeInvoice)
	api.POST("/addCard", billingHandler.AddCard)
	api.POST("/setDefaultCard", billingHandler.SetDefaultCard)
	api.POST("/removeCard", billingHandler.RemoveCard)

	api.POST("/createInvoice", invoiceHandler.CreateInvoice)
	api.POST("/getInvoiceById", invoiceHandler.GetInvoiceByID)
	api.POST("/getAllInvoices", invoiceHandler.GetAllInvoices)
	api.POST("/updateInvoice", invoiceHandler.UpdateInvoice)
	api.POST("/getInvoicesStats", invoiceHandler.GetInvoicesStats)

	api.POST("/getPayments", paymentHandler.GetPayments)

	api.POST("/createParent", parentHandler.CreateParent)
	api.POST("/updateRecurringPayment", parentHandler.UpdateRecurringPayment)
	api.POST("/getNotificationPreference", preferenceHandler.GetPreference)
	api.POST("/updateNotificationPreference", preferenceHandler.UpdatePreference)

	go func() {
		log.Infof("Server starting on port %s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorf("Graceful shutdown failed: %v", err)
	}
}
