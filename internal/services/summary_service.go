package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"airquality-platform/internal/repository"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Named summaries in the fixed catalog.
const (
	SummaryTotals             = "totals"
	SummaryActiveStations     = "active_stations"
	SummaryDataCoverage       = "data_coverage"
	SummaryStationsBySource   = "stations_by_source"
	SummaryStationsByCountry  = "stations_by_country"
	SummaryTopCities          = "top_cities"
	SummarySensorModels       = "sensor_models"
	SummaryCalibrationSensors = "calibration_sensors"
	SummaryStatusByLevel      = "status_by_level"
	SummaryDimensions         = "dimensions"
)

const topCitiesLimit = 10

// ActiveStationWindows counts stations active within trailing windows of
// last_active. Stations that never reported are excluded.
type ActiveStationWindows struct {
	LastHour int `json:"last_hour"`
	Last24h  int `json:"last_24_hours"`
	Last7d   int `json:"last_7_days"`
	Last30d  int `json:"last_30_days"`
}

// StatisticsReport is the composed statistics response.
type StatisticsReport struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Totals         repository.Totals          `json:"totals"`
	ActiveStations ActiveStationWindows       `json:"active_stations"`
	DataCoverage   repository.DataCoverage    `json:"data_coverage"`
	Distribution   StatisticsDistribution     `json:"distribution"`
	Dimensions     []repository.DimensionStat `json:"dimensions"`
}

// StatisticsDistribution groups the categorical breakdowns.
type StatisticsDistribution struct {
	StationsBySource   map[string]int                `json:"stations_by_source"`
	StationsByCountry  map[string]int                `json:"stations_by_country"`
	TopCities          []repository.CityStationCount `json:"top_cities"`
	SensorModels       map[string]int                `json:"sensor_models"`
	CalibrationSensors map[string]int                `json:"calibration_sensors"`
	StatusByLevel      map[string]int                `json:"status_by_level"`
}

// SummaryService serves precomputed summaries with transparent fallback to
// live computation, and refreshes the whole catalog in one pass.
type SummaryService struct {
	repo    repository.AggregateRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	// maxAge bounds snapshot staleness; older snapshots are recomputed live.
	maxAge time.Duration
	now    func() time.Time
}

// NewSummaryService creates a new summary service
func NewSummaryService(repo repository.AggregateRepository, maxAge time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *SummaryService {
	return &SummaryService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
		maxAge:  maxAge,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// catalog returns the compute function for every named summary. Each summary
// is a pure function of the current entity store state.
func (s *SummaryService) catalog() map[string]func(context.Context) (interface{}, error) {
	return map[string]func(context.Context) (interface{}, error){
		SummaryTotals: func(ctx context.Context) (interface{}, error) {
			return s.repo.Totals(ctx)
		},
		SummaryActiveStations: func(ctx context.Context) (interface{}, error) {
			return s.computeActiveStations(ctx)
		},
		SummaryDataCoverage: func(ctx context.Context) (interface{}, error) {
			return s.repo.DataCoverage(ctx, s.now())
		},
		SummaryStationsBySource: func(ctx context.Context) (interface{}, error) {
			return s.repo.StationsBySource(ctx)
		},
		SummaryStationsByCountry: func(ctx context.Context) (interface{}, error) {
			return s.repo.StationsByCountry(ctx)
		},
		SummaryTopCities: func(ctx context.Context) (interface{}, error) {
			return s.repo.TopCitiesByStations(ctx, topCitiesLimit)
		},
		SummarySensorModels: func(ctx context.Context) (interface{}, error) {
			return s.repo.SensorModelDistribution(ctx, false)
		},
		SummaryCalibrationSensors: func(ctx context.Context) (interface{}, error) {
			return s.repo.SensorModelDistribution(ctx, true)
		},
		SummaryStatusByLevel: func(ctx context.Context) (interface{}, error) {
			return s.repo.StatusLevelDistribution(ctx)
		},
		SummaryDimensions: func(ctx context.Context) (interface{}, error) {
			return s.computeDimensionStats(ctx)
		},
	}
}

func (s *SummaryService) computeActiveStations(ctx context.Context) (ActiveStationWindows, error) {
	now := s.now()
	var windows ActiveStationWindows

	for _, w := range []struct {
		d    time.Duration
		dest *int
	}{
		{time.Hour, &windows.LastHour},
		{24 * time.Hour, &windows.Last24h},
		{7 * 24 * time.Hour, &windows.Last7d},
		{30 * 24 * time.Hour, &windows.Last30d},
	} {
		count, err := s.repo.ActiveStationsSince(ctx, now.Add(-w.d))
		if err != nil {
			return ActiveStationWindows{}, err
		}
		*w.dest = count
	}

	return windows, nil
}

// computeDimensionStats fetches the per-dimension distribution and guards
// against non-finite results leaking into a response payload.
func (s *SummaryService) computeDimensionStats(ctx context.Context) ([]repository.DimensionStat, error) {
	stats, err := s.repo.DimensionStats(ctx)
	if err != nil {
		return nil, err
	}

	for i := range stats {
		stats[i].AvgValue = finiteOrNil(stats[i].AvgValue)
		stats[i].MinValue = finiteOrNil(stats[i].MinValue)
		stats[i].MaxValue = finiteOrNil(stats[i].MaxValue)
	}

	return stats, nil
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// Read returns the named summary's payload. It serves the stored snapshot
// when present and fresh; on any cache problem it silently falls back to a
// live computation. The response shape is identical either way.
func (s *SummaryService) Read(ctx context.Context, name string) (json.RawMessage, error) {
	compute, ok := s.catalog()[name]
	if !ok {
		return nil, &repository.NotFoundError{Resource: "summary", ID: name}
	}

	snapshot, err := s.repo.ReadSummary(ctx, name)
	if err == nil && s.fresh(snapshot.LastRefresh) && json.Valid(snapshot.Payload) {
		s.metrics.SummaryReadsTotal.WithLabelValues("cache").Inc()
		return snapshot.Payload, nil
	}

	if err != nil && !repository.IsNotFound(err) {
		s.logger.Debug(ctx, "[SUMMARY_FALLBACK] Snapshot read failed, computing live", logging.Fields{
			"summary": name,
			"error":   err.Error(),
		})
	}

	s.metrics.SummaryReadsTotal.WithLabelValues("live").Inc()
	return s.computeLive(ctx, name, compute)
}

func (s *SummaryService) computeLive(ctx context.Context, name string, compute func(context.Context) (interface{}, error)) (json.RawMessage, error) {
	result, err := compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute summary %s: %w", name, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary %s: %w", name, err)
	}

	return payload, nil
}

func (s *SummaryService) fresh(lastRefresh time.Time) bool {
	if s.maxAge <= 0 {
		return true
	}
	return s.now().Sub(lastRefresh) <= s.maxAge
}

// RefreshAll recomputes every summary in the catalog and atomically replaces
// each snapshot. Idempotent: repeated runs over unchanged data differ only in
// the refresh timestamp.
func (s *SummaryService) RefreshAll(ctx context.Context) error {
	timer := time.Now()
	defer func() {
		s.metrics.SummaryRefreshDuration.Observe(time.Since(timer).Seconds())
	}()

	refreshedAt := s.now()
	var firstErr error
	refreshed := 0

	for name, compute := range s.catalog() {
		payload, err := s.computeLive(ctx, name, compute)
		if err == nil {
			err = s.repo.UpsertSummary(ctx, name, payload, refreshedAt)
		}
		if err != nil {
			s.logger.Error(ctx, "[SUMMARY_REFRESH_ERROR] Failed to refresh summary", logging.Fields{
				"summary": name,
			}, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}

	s.logger.Info(ctx, "[SUMMARY_REFRESH] Summary refresh completed", logging.Fields{
		"refreshed":        refreshed,
		"duration_seconds": time.Since(timer).Seconds(),
	})

	return firstErr
}

// Statistics composes the full statistics report from the catalog, serving
// each piece from its snapshot when fresh with silent live fallback.
func (s *SummaryService) Statistics(ctx context.Context) (*StatisticsReport, error) {
	report := &StatisticsReport{Timestamp: s.now()}

	sections := []struct {
		name string
		dest interface{}
	}{
		{SummaryTotals, &report.Totals},
		{SummaryActiveStations, &report.ActiveStations},
		{SummaryDataCoverage, &report.DataCoverage},
		{SummaryStationsBySource, &report.Distribution.StationsBySource},
		{SummaryStationsByCountry, &report.Distribution.StationsByCountry},
		{SummaryTopCities, &report.Distribution.TopCities},
		{SummarySensorModels, &report.Distribution.SensorModels},
		{SummaryCalibrationSensors, &report.Distribution.CalibrationSensors},
		{SummaryStatusByLevel, &report.Distribution.StatusByLevel},
		{SummaryDimensions, &report.Dimensions},
	}

	for _, section := range sections {
		payload, err := s.Read(ctx, section.name)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, section.dest); err != nil {
			return nil, fmt.Errorf("failed to decode summary %s: %w", section.name, err)
		}
	}

	return report, nil
}
