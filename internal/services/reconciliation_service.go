package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// upstreamTimeLayout is the timestamp format of the aggregator feed.
const upstreamTimeLayout = "2006-01-02 15:04:05"

// aggregatorDevicePrefix tags synthesized station devices so repeated runs
// map the same physical point to the same station even when the upstream
// device id changes.
const aggregatorDevicePrefix = "TPA-"

// upstreamDimensions maps the aggregator's value_type vocabulary onto the
// internal dimension enum. Unmapped names are dropped silently; the upstream
// vocabulary evolves.
var upstreamDimensions = map[string]models.Dimension{
	"temperature": models.DimensionTemperature,
	"humidity":    models.DimensionHumidity,
	"P0":          models.DimensionPM1,
	"P1":          models.DimensionPM10,
	"P2":          models.DimensionPM25,
	"P4":          models.DimensionPM4,
	"pressure":    models.DimensionPressure,
}

// upstreamSensorModels maps upstream sensor type names onto the internal
// sensor model enum where the hardware is known.
var upstreamSensorModels = map[string]models.SensorModel{
	"BME280": models.SensorBME280,
	"BMP280": models.SensorBMP280,
	"BME680": models.SensorBME680,
	"SHT30":  models.SensorSHT30,
	"SHT31":  models.SensorSHT31,
	"SHT4X":  models.SensorSHT4X,
}

// aggregatorModelBase offsets synthetic sensor models derived from upstream
// sensor type ids so they never collide with the internal enum. Distinct
// upstream types must stay distinct: co-located sensors report at the same
// timestamp, and (station, time, sensor_model) is the dedup key.
const aggregatorModelBase = 1000

// upstreamSensorModel resolves an upstream sensor type to a sensor model.
// Known hardware uses the internal enum; anything else keeps the upstream
// type id as a per-type synthetic model.
func upstreamSensorModel(typeName string, typeID int64) models.SensorModel {
	if mapped, ok := upstreamSensorModels[typeName]; ok {
		return mapped
	}
	return models.SensorModel(aggregatorModelBase + typeID)
}

// flexFloat decodes upstream numeric fields that arrive as either JSON
// numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*f = flexFloat(v)
		return nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", v)
		}
		*f = flexFloat(parsed)
		return nil
	default:
		return fmt.Errorf("unexpected numeric value %v", raw)
	}
}

// FeedRecord is one reporting device's snapshot in the upstream feed.
type FeedRecord struct {
	Timestamp string `json:"timestamp"`
	Location  struct {
		Latitude  flexFloat `json:"latitude"`
		Longitude flexFloat `json:"longitude"`
		Altitude  flexFloat `json:"altitude"`
		Country   string    `json:"country"`
	} `json:"location"`
	Sensor struct {
		ID         int64 `json:"id"`
		SensorType struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"sensor_type"`
	} `json:"sensor"`
	SensorDataValues []struct {
		ValueType string    `json:"value_type"`
		Value     flexFloat `json:"value"`
	} `json:"sensordatavalues"`
}

// UpstreamError represents a fetch/parse failure of the external feed. The
// run is logged and aborted; the next scheduled invocation retries.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream feed unavailable: %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) IsTransient() bool { return true }

// ReconcileResult summarizes one reconciliation run.
type ReconcileResult struct {
	Fetched         int
	SkippedCountry  int
	SkippedExisting int
	SkippedUnmapped int
	Imported        int
	Failed          int
	Duration        time.Duration
}

// ReconciliationService merges the third-party aggregator's snapshot feed
// into the station/measurement model by geographic location identity.
type ReconciliationService struct {
	repo          repository.StationRepository
	client        *http.Client
	feedURL       string
	targetCountry string
	logger        *logging.StructuredLogger
	metrics       *metrics.Collector
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo repository.StationRepository, client *http.Client, feedURL, targetCountry string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ReconciliationService {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ReconciliationService{
		repo:          repo,
		client:        client,
		feedURL:       feedURL,
		targetCountry: targetCountry,
		logger:        logger,
		metrics:       metricsCollector,
	}
}

// fetchFeed retrieves and decodes the upstream snapshot.
func (s *ReconciliationService) fetchFeed(ctx context.Context) ([]FeedRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, &UpstreamError{URL: s.feedURL, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{URL: s.feedURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{URL: s.feedURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var records []FeedRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &UpstreamError{URL: s.feedURL, Err: fmt.Errorf("decode payload: %w", err)}
	}

	return records, nil
}

// ReconcileExternalFeed pulls the aggregator snapshot and applies it through
// the same station/measurement model as direct ingestion. Each record's
// writes are independent of its siblings; the run is idempotent across
// overlapping time windows.
func (s *ReconciliationService) ReconcileExternalFeed(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()

	s.logger.Info(ctx, "[RECONCILE_START] Starting external feed reconciliation", logging.Fields{
		"feed_url":       s.feedURL,
		"target_country": s.targetCountry,
	})

	records, err := s.fetchFeed(ctx)
	if err != nil {
		s.metrics.ReconciliationRunsTotal.WithLabelValues("upstream_error").Inc()
		s.logger.Error(ctx, "[RECONCILE_FETCH_ERROR] Upstream feed unavailable", logging.Fields{
			"feed_url": s.feedURL,
		}, err)
		return nil, err
	}

	result := &ReconcileResult{Fetched: len(records)}

	for _, record := range records {
		outcome, err := s.applyRecord(ctx, &record)
		if err != nil {
			result.Failed++
			s.metrics.ReconciliationRecordsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn(ctx, "[RECONCILE_RECORD_ERROR] Failed to apply feed record", logging.Fields{
				"upstream_sensor": record.Sensor.ID,
				"error":           err.Error(),
			})
			continue
		}

		switch outcome {
		case recordSkippedCountry:
			result.SkippedCountry++
			s.metrics.ReconciliationRecordsTotal.WithLabelValues("skipped_country").Inc()
		case recordSkippedExisting:
			result.SkippedExisting++
			s.metrics.ReconciliationRecordsTotal.WithLabelValues("skipped_existing").Inc()
		case recordSkippedEmpty:
			result.SkippedUnmapped++
			s.metrics.ReconciliationRecordsTotal.WithLabelValues("skipped_unmapped").Inc()
		case recordImported:
			result.Imported++
			s.metrics.ReconciliationRecordsTotal.WithLabelValues("imported").Inc()
		}
	}

	result.Duration = time.Since(start)
	s.metrics.ReconciliationRunsTotal.WithLabelValues("success").Inc()

	s.logger.Info(ctx, "[RECONCILE_COMPLETE] Reconciliation completed", logging.Fields{
		"fetched":          result.Fetched,
		"imported":         result.Imported,
		"skipped_country":  result.SkippedCountry,
		"skipped_existing": result.SkippedExisting,
		"skipped_unmapped": result.SkippedUnmapped,
		"failed":           result.Failed,
		"duration_seconds": result.Duration.Seconds(),
	})

	return result, nil
}

type recordOutcome int

const (
	recordSkippedCountry recordOutcome = iota
	recordSkippedExisting
	recordSkippedEmpty
	recordImported
)

// applyRecord maps one upstream record onto Station/Measurement/Value.
func (s *ReconciliationService) applyRecord(ctx context.Context, record *FeedRecord) (recordOutcome, error) {
	if record.Location.Country != s.targetCountry {
		return recordSkippedCountry, nil
	}

	timeMeasured, err := time.Parse(upstreamTimeLayout, record.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("invalid upstream timestamp %q: %w", record.Timestamp, err)
	}

	values := make(map[models.Dimension]float64)
	for _, sdv := range record.SensorDataValues {
		dimension, ok := upstreamDimensions[sdv.ValueType]
		if !ok {
			continue
		}
		values[dimension] = float64(sdv.Value)
	}
	if len(values) == 0 {
		return recordSkippedEmpty, nil
	}

	location, err := s.repo.GetOrCreateLocation(ctx,
		float64(record.Location.Latitude),
		float64(record.Location.Longitude),
		float64(record.Location.Altitude),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve location: %w", err)
	}

	station, err := s.resolveStation(ctx, location, timeMeasured)
	if err != nil {
		return 0, err
	}

	sensorModel := upstreamSensorModel(record.Sensor.SensorType.Name, record.Sensor.SensorType.ID)

	exists, err := s.repo.MeasurementExists(ctx, station.ID, timeMeasured, sensorModel, false)
	if err != nil {
		return 0, fmt.Errorf("failed to check for existing measurement: %w", err)
	}
	if exists {
		return recordSkippedExisting, nil
	}

	set := &repository.MeasurementSet{
		StationID:    station.ID,
		LocationID:   location.ID,
		TimeReceived: time.Now().UTC(),
		LastActive:   timeMeasured,
		Entries: []repository.MeasurementEntry{{
			SensorModel:  sensorModel,
			TimeMeasured: timeMeasured,
			Values:       values,
		}},
	}

	err = s.repo.IngestMeasurementSet(ctx, set)
	if repository.IsConflict(err) {
		// A concurrent run won the insert; the row exists either way.
		return recordSkippedExisting, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to ingest record: %w", err)
	}

	return recordImported, nil
}

// resolveStation finds or synthesizes the station for a physical point. The
// device identifier derives from the location id, not the upstream device
// id, so point identity is stable across upstream renames.
func (s *ReconciliationService) resolveStation(ctx context.Context, location *models.Location, timeMeasured time.Time) (*models.Station, error) {
	device := fmt.Sprintf("%s%d", aggregatorDevicePrefix, location.ID)

	station, err := s.repo.GetStationByDevice(ctx, device)
	if err == nil {
		return station, nil
	}
	if !repository.IsNotFound(err) {
		return nil, fmt.Errorf("failed to resolve station: %w", err)
	}

	lastActive := timeMeasured
	station = &models.Station{
		Device:     device,
		LocationID: location.ID,
		LastActive: &lastActive,
		Source:     models.SourceAggregator,
	}

	err = s.repo.CreateStation(ctx, station)
	if repository.IsConflict(err) {
		return s.repo.GetStationByDevice(ctx, device)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create station: %w", err)
	}

	return station, nil
}
