package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airquality-platform/internal/config"
	"airquality-platform/internal/handlers"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("airquality-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting air quality platform API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	metricsCollector := metrics.NewCollector("airquality_platform")

	db, err := database.NewPostgresDB(&cfg.Database, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	stationRepo := repository.NewStationRepository(db, logger, metricsCollector)
	aggregateRepo := repository.NewAggregateRepository(db, logger, metricsCollector)

	aggregationConfig := services.AggregationConfig{
		CurrentAlpha:      cfg.Aggregation.CurrentAlpha,
		CityAlpha:         cfg.Aggregation.CityAlpha,
		CurrentWindow:     cfg.Aggregation.CurrentWindow,
		PlausibilityBands: services.DefaultAggregationConfig().PlausibilityBands,
	}

	ingestionService := services.NewIngestionService(stationRepo, logger, metricsCollector)
	aggregationService := services.NewAggregationService(aggregateRepo, aggregationConfig, logger, metricsCollector)
	summaryService := services.NewSummaryService(aggregateRepo, cfg.Summary.MaxAge, logger, metricsCollector)

	var reconciliationService *services.ReconciliationService
	if cfg.Reconciliation.FeedURL != "" {
		httpClient := &http.Client{Timeout: cfg.Reconciliation.HTTPTimeout}
		reconciliationService = services.NewReconciliationService(
			stationRepo,
			httpClient,
			cfg.Reconciliation.FeedURL,
			cfg.Reconciliation.TargetCountry,
			logger,
			metricsCollector,
		)
	}

	scheduler := services.NewScheduler(
		summaryService,
		reconciliationService,
		cfg.Summary.RefreshInterval,
		cfg.Reconciliation.Interval,
		logger,
	)
	scheduler.Start()
	defer scheduler.Stop()

	stationHandler := handlers.NewStationHandler(
		ingestionService,
		aggregationService,
		summaryService,
		stationRepo,
		logger,
		metricsCollector,
	)

	router := mux.NewRouter()
	router.Use(handlers.RequestIDMiddleware)
	router.Use(handlers.AccessLogMiddleware(logger, metricsCollector))

	stationHandler.RegisterRoutes(router)

	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
