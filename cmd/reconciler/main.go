package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"airquality-platform/internal/config"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// One-shot reconciliation run against the external aggregator feed. The
// server schedules the same job periodically; this binary exists for manual
// runs and cron-style deployments.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Reconciliation.FeedURL == "" {
		fmt.Fprintln(os.Stderr, "RECONCILE_FEED_URL is required")
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("airquality-reconciler", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[RECONCILER_START] Starting one-shot reconciliation", logging.Fields{
		"version":        "1.0.0",
		"feed_url":       cfg.Reconciliation.FeedURL,
		"target_country": cfg.Reconciliation.TargetCountry,
	})

	metricsCollector := metrics.NewCollector("airquality_reconciler")

	db, err := database.NewPostgresDB(&cfg.Database, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[RECONCILER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	stationRepo := repository.NewStationRepository(db, logger, metricsCollector)

	httpClient := &http.Client{Timeout: cfg.Reconciliation.HTTPTimeout}
	reconciliation := services.NewReconciliationService(
		stationRepo,
		httpClient,
		cfg.Reconciliation.FeedURL,
		cfg.Reconciliation.TargetCountry,
		logger,
		metricsCollector,
	)

	result, err := reconciliation.ReconcileExternalFeed(ctx)
	if err != nil {
		logger.Fatal(ctx, "[RECONCILER_ERROR] Reconciliation run failed", logging.Fields{}, err)
	}

	fmt.Printf("Reconciliation complete: fetched=%d imported=%d skipped_existing=%d skipped_country=%d skipped_unmapped=%d failed=%d in %s\n",
		result.Fetched,
		result.Imported,
		result.SkippedExisting,
		result.SkippedCountry,
		result.SkippedUnmapped,
		result.Failed,
		result.Duration.Round(time.Millisecond),
	)
}
