package services

import (
	"context"
	"fmt"
	"time"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// IngestionService handles station resolution and measurement ingestion.
type IngestionService struct {
	repo    repository.StationRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.StationRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetOrCreateStation resolves the station for a submission. New devices get a
// station with a lazily resolved location; existing devices must present the
// stored API key. Location and firmware are the only mutable fields besides
// last_active. The station row is committed before any measurement
// processing begins.
func (s *IngestionService) GetOrCreateStation(ctx context.Context, sub *models.StationSubmission) (*models.Station, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	station, err := s.repo.GetStationByDevice(ctx, sub.Device)
	if err != nil {
		if !repository.IsNotFound(err) {
			return nil, fmt.Errorf("failed to resolve station: %w", err)
		}
		return s.createStation(ctx, sub)
	}

	if !apiKeyMatches(station.APIKey, sub.APIKey) {
		s.metrics.RecordIngestionError("unauthorized")
		return nil, &repository.UnauthorizedError{Device: sub.Device}
	}

	updated := false

	location, err := s.repo.GetOrCreateLocation(ctx, sub.Location.Lat, sub.Location.Lon, sub.Location.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}
	if location.ID != station.LocationID {
		station.LocationID = location.ID
		updated = true
	}

	if !stringPtrEqual(station.Firmware, sub.Firmware) {
		station.Firmware = sub.Firmware
		updated = true
	}

	if updated {
		if err := s.repo.UpdateStation(ctx, station); err != nil {
			return nil, fmt.Errorf("failed to update station: %w", err)
		}

		s.logger.Debug(ctx, "[INGEST_STATION_UPDATE] Station metadata updated", logging.Fields{
			"device":      station.Device,
			"location_id": station.LocationID,
		})
	}

	return station, nil
}

// createStation registers a new device. A concurrent registration of the same
// device loses the insert race; the winner's row is then authoritative.
func (s *IngestionService) createStation(ctx context.Context, sub *models.StationSubmission) (*models.Station, error) {
	location, err := s.repo.GetOrCreateLocation(ctx, sub.Location.Lat, sub.Location.Lon, sub.Location.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}

	source := models.SourceFirstParty
	if sub.Source != nil {
		source = *sub.Source
	}

	lastActive := sub.Time
	station := &models.Station{
		Device:     sub.Device,
		Firmware:   sub.Firmware,
		APIKey:     sub.APIKey,
		LocationID: location.ID,
		LastActive: &lastActive,
		Source:     source,
	}

	err = s.repo.CreateStation(ctx, station)
	if repository.IsConflict(err) {
		// Lost the insert race; re-resolve against the winner's row.
		return s.GetOrCreateStation(ctx, sub)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create station: %w", err)
	}

	s.metrics.StationsCreatedTotal.Inc()
	s.logger.Info(ctx, "[INGEST_STATION_CREATE] Station registered", logging.Fields{
		"device": station.Device,
		"source": source.Name(),
	})

	return station, nil
}

// IngestMeasurements writes one measurement per sensor reading plus its
// values, all in one transaction, then advances last_active monotonically. A
// duplicate (station, time, sensor_model) rejects the whole submission with a
// ConflictError; nothing is committed.
func (s *IngestionService) IngestMeasurements(ctx context.Context, station *models.Station, sensors models.SensorPayload, measuredAt, receivedAt time.Time, calibration bool) error {
	if err := sensors.Validate(); err != nil {
		return err
	}

	// Cheap pre-filter; the uniqueness constraint inside the transaction is
	// the authoritative conflict arbiter under concurrency.
	for _, reading := range sensors {
		exists, err := s.repo.MeasurementExists(ctx, station.ID, measuredAt, reading.SensorModel, calibration)
		if err != nil {
			return fmt.Errorf("failed to check for duplicate measurement: %w", err)
		}
		if exists {
			s.recordConflict(ctx, station, measuredAt, reading.SensorModel)
			return &repository.ConflictError{
				Resource: "measurement",
				Key: fmt.Sprintf("station=%d time=%s sensor_model=%s",
					station.ID, measuredAt.Format(time.RFC3339), reading.SensorModel.Name()),
			}
		}
	}

	set := &repository.MeasurementSet{
		StationID:    station.ID,
		LocationID:   station.LocationID,
		TimeReceived: receivedAt,
		Calibration:  calibration,
		LastActive:   measuredAt,
	}
	for _, reading := range sensors {
		set.Entries = append(set.Entries, repository.MeasurementEntry{
			SensorModel:  reading.SensorModel,
			TimeMeasured: measuredAt,
			Values:       reading.Values,
		})
	}

	err := s.repo.IngestMeasurementSet(ctx, set)
	if repository.IsConflict(err) {
		s.recordConflict(ctx, station, measuredAt, 0)
		return err
	}
	if err != nil {
		s.metrics.RecordIngestionError("store_error")
		return fmt.Errorf("failed to ingest measurements: %w", err)
	}

	if station.LastActive == nil || measuredAt.After(*station.LastActive) {
		t := measuredAt
		station.LastActive = &t
	}

	s.logger.Debug(ctx, "[INGEST_SUCCESS] Submission ingested", logging.Fields{
		"device":      station.Device,
		"sensors":     len(sensors),
		"calibration": calibration,
		"measured_at": measuredAt.Format(time.RFC3339),
	})

	// Derived cache refresh for the previous full hour. Best effort: the
	// submission already committed.
	if !calibration {
		hourEnd := receivedAt.Truncate(time.Hour)
		hourStart := hourEnd.Add(-time.Hour)
		if err := s.repo.RecomputeHourlyAverages(ctx, station.ID, hourStart, hourEnd); err != nil {
			s.logger.Warn(ctx, "[INGEST_HOURLY_AVG] Hourly average recomputation failed", logging.Fields{
				"device": station.Device,
				"error":  err.Error(),
			})
		}
	}

	return nil
}

// Submit is the full ingestion call the routing layer uses: station
// resolution followed by measurement ingestion.
func (s *IngestionService) Submit(ctx context.Context, sub *models.StationSubmission, sensors models.SensorPayload, receivedAt time.Time, calibration bool) (*models.Station, error) {
	timer := s.metrics.NewTimer(s.metrics.IngestionDuration)
	defer timer.ObserveDuration()

	station, err := s.GetOrCreateStation(ctx, sub)
	if err != nil {
		return nil, err
	}

	if err := s.IngestMeasurements(ctx, station, sensors, sub.Time, receivedAt, calibration); err != nil {
		return nil, err
	}

	return station, nil
}

func (s *IngestionService) recordConflict(ctx context.Context, station *models.Station, measuredAt time.Time, sensorModel models.SensorModel) {
	s.metrics.IngestionConflictsTotal.Inc()

	status := &models.StationStatus{
		StationID: station.ID,
		Timestamp: time.Now().UTC(),
		Level:     models.StatusWarning,
		Message:   fmt.Sprintf("duplicate submission for %s", measuredAt.Format(time.RFC3339)),
	}
	if err := s.repo.AppendStationStatus(ctx, status); err != nil {
		s.logger.Warn(ctx, "[INGEST_STATUS] Failed to append status entry", logging.Fields{
			"device": station.Device,
			"error":  err.Error(),
		})
	}
}

func apiKeyMatches(stored, submitted *string) bool {
	if stored == nil && submitted == nil {
		return true
	}
	if stored == nil || submitted == nil {
		return false
	}
	return *stored == *submitted
}

func stringPtrEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
