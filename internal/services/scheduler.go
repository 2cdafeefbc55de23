package services

import (
	"context"
	"sync"
	"time"

	"airquality-platform/pkg/logging"
)

// Scheduler drives the periodic background jobs: summary snapshot refresh
// and external feed reconciliation. Jobs run on independent tickers and
// share a stop channel for shutdown.
type Scheduler struct {
	summaries           *SummaryService
	reconciliation      *ReconciliationService
	refreshInterval     time.Duration
	reconcileInterval   time.Duration
	logger              *logging.StructuredLogger
	stop                chan struct{}
	wg                  sync.WaitGroup
	reconcileOnSchedule bool
}

// NewScheduler creates a new background job scheduler. A nil reconciliation
// service or a non-positive reconcile interval disables the reconciliation
// loop.
func NewScheduler(summaries *SummaryService, reconciliation *ReconciliationService, refreshInterval, reconcileInterval time.Duration, logger *logging.StructuredLogger) *Scheduler {
	return &Scheduler{
		summaries:           summaries,
		reconciliation:      reconciliation,
		refreshInterval:     refreshInterval,
		reconcileInterval:   reconcileInterval,
		logger:              logger,
		stop:                make(chan struct{}),
		reconcileOnSchedule: reconciliation != nil && reconcileInterval > 0,
	}
}

// Start launches the background loops. Safe to call once.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runSummaryRefresh()

	if s.reconcileOnSchedule {
		s.wg.Add(1)
		go s.runReconciliation()
	}
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runSummaryRefresh() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	// Refresh once on startup so cold caches do not wait a full interval.
	s.refreshSummaries()

	for {
		select {
		case <-ticker.C:
			s.refreshSummaries()
		case <-s.stop:
			s.logger.Info(context.Background(), "[SCHEDULER_STOP] Stopping summary refresh loop", nil)
			return
		}
	}
}

func (s *Scheduler) refreshSummaries() {
	ctx, cancel := context.WithTimeout(context.Background(), s.refreshInterval)
	defer cancel()

	if err := s.summaries.RefreshAll(ctx); err != nil {
		s.logger.Error(ctx, "[SCHEDULER_REFRESH_ERROR] Summary refresh failed", nil, err)
	}
}

func (s *Scheduler) runReconciliation() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.reconcileInterval)
			if _, err := s.reconciliation.ReconcileExternalFeed(ctx); err != nil {
				s.logger.Error(ctx, "[SCHEDULER_RECONCILE_ERROR] Reconciliation run failed", nil, err)
			}
			cancel()
		case <-s.stop:
			s.logger.Info(context.Background(), "[SCHEDULER_STOP] Stopping reconciliation loop", nil)
			return
		}
	}
}
