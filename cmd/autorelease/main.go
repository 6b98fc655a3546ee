package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	cfg "github.com/meridianpay/p2p-autorelease/backend/config"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
	"github.com/meridianpay/p2p-autorelease/backend/internal/exchange"
	"github.com/meridianpay/p2p-autorelease/backend/internal/handlers"
	"github.com/meridianpay/p2p-autorelease/backend/internal/ocr"
	"github.com/meridianpay/p2p-autorelease/backend/internal/totp"
	"github.com/meridianpay/p2p-autorelease/backend/internal/usecases"
	"github.com/meridianpay/p2p-autorelease/backend/internal/usecases/repository"
	"github.com/meridianpay/p2p-autorelease/backend/internal/workers"
	"github.com/meridianpay/p2p-autorelease/backend/pkg/database"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 5

	eventBufferSize     = 256
	paymentSweepMinutes = 10
)

func main() {
	time.Local = time.UTC

	// Parse configuration
	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Warn("Starting auto-release engine with configuration",
		"debug", config.App.Debug,
		"auto_release_enabled", config.Release.EnableAutoRelease,
		"require_bank_match", config.Release.RequireBankMatch,
		"exchange_base_url", config.Exchange.BaseURL,
		"server_port", config.HTTP.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	migrationsPath := "./migrations"
	if workDir, err := os.Getwd(); err == nil {
		if _, err := os.Stat(filepath.Join(workDir, "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "migrations")
		} else if _, err := os.Stat(filepath.Join(workDir, "..", "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "..", "migrations")
		}
	}

	// Connect to Database
	pg, err := database.New(config.DB.DatabaseURL,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
		database.Isolation(pgx.ReadCommitted),
	)
	if err != nil {
		slog.Error("postgres connection failed", slog.String("error", err.Error()))
		return
	}
	defer pg.Close()

	// Run database migrations
	logger.Info("Running database migrations", "path", migrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrationsPath); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		log.Fatal(err)
	}
	logger.Info("Database migrations completed successfully")

	// Create store and external clients
	store := repository.NewReconciliationStore(logger, pg)
	exchangeClient := exchange.NewClient(logger, config.Exchange.BaseURL, config.Exchange.APIKey, config.Exchange.APISecret)

	totpProvider, err := totp.NewProvider(logger, config.Release.TOTPSecret)
	if err != nil {
		logger.Error("Failed to initialize 2FA provider", "error", err)
		log.Fatal(err)
	}

	var ocrService *ocr.Client
	if config.OCR.BaseURL != "" {
		ocrService = ocr.NewClient(logger, config.OCR.BaseURL, config.OCR.APIKey, config.Release.MinConfidence)
	}

	riskAssessor := usecases.NewBuyerRiskAssessor(logger, config.Risk, exchangeClient, store)
	notifier := usecases.NewLogNotifier(logger)

	// Create orchestrator; events flow through a single buffered channel
	events := make(chan entities.Event, eventBufferSize)
	orchestrator := newOrchestrator(logger, config, store, exchangeClient, ocrService, riskAssessor, totpProvider, notifier)

	// Initialize and run workers
	workerGroup := initAndRunWorkers(ctx, logger, config, store, exchangeClient, events, orchestrator)

	// Create handlers
	webhookHandler := handlers.NewWebhookHandler(logger, config.Webhook.Secret, events)
	adminHandler := handlers.NewAdminHandler(logger, orchestrator, store)

	// Create router
	router := mux.NewRouter()
	webhookHandler.RegisterRoutes(router)
	adminHandler.RegisterRoutes(router)

	// Configure CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(router)

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err = server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			log.Fatal(err)
		}
	}()

	// Run the orchestrator loop on the main goroutine family
	go orchestrator.Run(ctx, events)

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Stop the workers and the orchestrator first
	cancel()
	if err = workerGroup.Wait(); err != nil {
		logger.Error("Worker shutdown error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer shutdownCancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

func newOrchestrator(
	logger *slog.Logger,
	config *cfg.Config,
	store *repository.ReconciliationStore,
	exchangeClient *exchange.Client,
	ocrService *ocr.Client,
	riskAssessor *usecases.BuyerRiskAssessor,
	totpProvider *totp.Provider,
	notifier *usecases.LogNotifier,
) *usecases.Orchestrator {
	// A nil *ocr.Client must stay a nil interface inside the orchestrator,
	// so the conversion happens only for a non-nil client.
	if ocrService == nil {
		return usecases.NewOrchestrator(logger, config.Release, store, exchangeClient, nil, riskAssessor, totpProvider, notifier)
	}
	return usecases.NewOrchestrator(logger, config.Release, store, exchangeClient, ocrService, riskAssessor, totpProvider, notifier)
}

func initAndRunWorkers(
	ctx context.Context,
	logger *slog.Logger,
	config *cfg.Config,
	store *repository.ReconciliationStore,
	exchangeClient *exchange.Client,
	events chan entities.Event,
	orchestrator *usecases.Orchestrator,
) *errgroup.Group {
	// Real-time order and chat events over the exchange websocket
	stream := exchange.NewStream(logger, config.Exchange.StreamURL, config.Exchange.APIKey, events)

	// Polling fallback for missed stream events
	orderPoller := workers.NewOrderPoller(logger, exchangeClient, events,
		time.Duration(config.Exchange.PollInterval)*time.Second)

	// Expire stale unmatched payments
	paymentSweeper := workers.NewPaymentSweeper(logger, store,
		time.Hour, paymentSweepMinutes*time.Minute)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting exchange stream worker")
		stream.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting order poller worker")
		orderPoller.Start(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting payment sweeper worker")
		paymentSweeper.Start(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting release queue worker")
		orchestrator.Queue().Start(ctx)
		return nil
	})

	logger.Info("All workers initialized and started")

	return g
}
