package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// StationRepository provides data access for stations, locations and
// measurement ingestion.
type StationRepository interface {
	// Station operations
	GetStationByDevice(ctx context.Context, device string) (*models.Station, error)
	CreateStation(ctx context.Context, station *models.Station) error
	UpdateStation(ctx context.Context, station *models.Station) error
	StationOverviews(ctx context.Context) ([]StationOverview, error)

	// Location operations
	GetOrCreateLocation(ctx context.Context, lat, lon, height float64) (*models.Location, error)

	// Measurement ingestion. The whole set is written in one transaction:
	// either every entry and its values commit, or nothing does.
	IngestMeasurementSet(ctx context.Context, set *MeasurementSet) error
	MeasurementExists(ctx context.Context, stationID int64, timeMeasured time.Time, sensorModel models.SensorModel, calibration bool) (bool, error)

	// Status log
	AppendStationStatus(ctx context.Context, status *models.StationStatus) error

	// Derived hourly averages
	RecomputeHourlyAverages(ctx context.Context, stationID int64, hourStart, hourEnd time.Time) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// MeasurementEntry is one sensor's contribution to a submission.
type MeasurementEntry struct {
	SensorModel  models.SensorModel
	TimeMeasured time.Time
	Values       map[models.Dimension]float64
}

// MeasurementSet is everything a single submission writes: one measurement
// row per sensor, its values, and the monotonic last_active advancement.
type MeasurementSet struct {
	StationID    int64
	LocationID   int64
	TimeReceived time.Time
	Calibration  bool
	Entries      []MeasurementEntry
	LastActive   time.Time
}

// StationOverview is the station listing row: identity, position and volume.
type StationOverview struct {
	Device            string     `db:"device" json:"device"`
	LastActive        *time.Time `db:"last_active" json:"last_active"`
	Lat               float64    `db:"lat" json:"lat"`
	Lon               float64    `db:"lon" json:"lon"`
	MeasurementsCount int        `db:"measurements_count" json:"measurements_count"`
}

// stationRepository implements StationRepository
type stationRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewStationRepository creates a new station repository
func NewStationRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) StationRepository {
	return &stationRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetStationByDevice retrieves a station by its unique device identifier
func (r *stationRepository) GetStationByDevice(ctx context.Context, device string) (*models.Station, error) {
	query := `
		SELECT id, device, firmware, apikey, location_id, last_active, source
		FROM stations
		WHERE device = $1
	`

	var station models.Station
	err := r.db.GetContext(ctx, "get_station_by_device", &station, query, device)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{
			Resource: "station",
			ID:       device,
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get station: %w", err)
	}

	return &station, nil
}

// CreateStation inserts a new station. The unique constraint on device is the
// authoritative duplicate guard: a concurrent insert of the same device maps
// to a ConflictError.
func (r *stationRepository) CreateStation(ctx context.Context, station *models.Station) error {
	query := `
		INSERT INTO stations (device, firmware, apikey, location_id, last_active, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		station.Device,
		station.Firmware,
		station.APIKey,
		station.LocationID,
		station.LastActive,
		station.Source,
	).Scan(&station.ID)

	if isUniqueViolation(err) {
		return &ConflictError{Resource: "station", Key: station.Device}
	}

	if err != nil {
		return fmt.Errorf("failed to create station: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_CREATE_STATION] Station created", logging.Fields{
		"device":      station.Device,
		"location_id": station.LocationID,
		"source":      station.Source.Name(),
	})

	return nil
}

// UpdateStation persists the two mutable station fields besides last_active:
// firmware and the location reference.
func (r *stationRepository) UpdateStation(ctx context.Context, station *models.Station) error {
	query := `
		UPDATE stations
		SET firmware = $1, location_id = $2
		WHERE id = $3
	`

	_, err := r.db.ExecContext(ctx, "update_station", query,
		station.Firmware,
		station.LocationID,
		station.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update station: %w", err)
	}

	return nil
}

// StationOverviews returns every registered station with its position and
// measurement count.
func (r *stationRepository) StationOverviews(ctx context.Context) ([]StationOverview, error) {
	query := `
		SELECT s.device, s.last_active, l.lat, l.lon,
		       (SELECT COUNT(*) FROM measurements m WHERE m.station_id = s.id) AS measurements_count
		FROM stations s
		JOIN locations l ON l.id = s.location_id
		ORDER BY s.device
	`

	var overviews []StationOverview
	err := r.db.SelectContext(ctx, "station_overviews", &overviews, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}

	return overviews, nil
}

// GetOrCreateLocation resolves the location row for (lat, lon, height),
// creating it lazily on first use. An upsert keeps concurrent first uses from
// producing duplicate rows.
func (r *stationRepository) GetOrCreateLocation(ctx context.Context, lat, lon, height float64) (*models.Location, error) {
	selectQuery := `
		SELECT id, lat, lon, height, city_id, country_id
		FROM locations
		WHERE lat = $1 AND lon = $2 AND height = $3
	`

	var location models.Location
	err := r.db.GetContext(ctx, "get_location", &location, selectQuery, lat, lon, height)
	if err == nil {
		return &location, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	insertQuery := `
		INSERT INTO locations (lat, lon, height)
		VALUES ($1, $2, $3)
		ON CONFLICT (lat, lon, height) DO UPDATE SET lat = EXCLUDED.lat
		RETURNING id, lat, lon, height, city_id, country_id
	`

	err = r.db.DB().QueryRowxContext(ctx, insertQuery, lat, lon, height).StructScan(&location)
	if err != nil {
		return nil, fmt.Errorf("failed to create location: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_CREATE_LOCATION] Location created", logging.Fields{
		"location_id": location.ID,
		"lat":         lat,
		"lon":         lon,
		"height":      height,
	})

	return &location, nil
}

// MeasurementExists is the cheap duplicate pre-filter. The uniqueness
// constraint enforced inside IngestMeasurementSet remains the arbiter.
func (r *stationRepository) MeasurementExists(ctx context.Context, stationID int64, timeMeasured time.Time, sensorModel models.SensorModel, calibration bool) (bool, error) {
	table := "measurements"
	if calibration {
		table = "calibration_measurements"
	}

	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE station_id = $1 AND time_measured = $2 AND sensor_model = $3
		)
	`, table)

	var exists bool
	err := r.db.GetContext(ctx, "measurement_exists", &exists, query, stationID, timeMeasured, sensorModel)
	if err != nil {
		return false, fmt.Errorf("failed to check measurement existence: %w", err)
	}

	return exists, nil
}

// IngestMeasurementSet writes all measurement rows and values of one
// submission in a single transaction and advances last_active monotonically.
// A duplicate (station, time, sensor_model) on any entry aborts the whole
// set with a ConflictError.
func (r *stationRepository) IngestMeasurementSet(ctx context.Context, set *MeasurementSet) error {
	if len(set.Entries) == 0 {
		return nil
	}

	table := "measurements"
	valueFK := "measurement_id"
	if set.Calibration {
		table = "calibration_measurements"
		valueFK = "calibration_measurement_id"
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.IngestionBatchSize.Observe(float64(len(set.Entries)))
		r.logger.Debug(ctx, "[REPO_INGEST_SET] Measurement set written", logging.Fields{
			"station_id":  set.StationID,
			"entries":     len(set.Entries),
			"calibration": set.Calibration,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertMeasurement := fmt.Sprintf(`
		INSERT INTO %s (station_id, location_id, sensor_model, time_measured, time_received)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, table)

	insertValue := fmt.Sprintf(`
		INSERT INTO measurement_values (dimension, value, %s)
		VALUES ($1, $2, $3)
	`, valueFK)

	for _, entry := range set.Entries {
		var measurementID int64
		err := tx.QueryRowContext(ctx, insertMeasurement,
			set.StationID,
			set.LocationID,
			entry.SensorModel,
			entry.TimeMeasured,
			set.TimeReceived,
		).Scan(&measurementID)

		if isUniqueViolation(err) {
			return &ConflictError{
				Resource: "measurement",
				Key: fmt.Sprintf("station=%d time=%s sensor_model=%s",
					set.StationID, entry.TimeMeasured.Format(time.RFC3339), entry.SensorModel.Name()),
			}
		}
		if err != nil {
			return fmt.Errorf("failed to insert measurement: %w", err)
		}

		for dimension, value := range entry.Values {
			if _, err := tx.ExecContext(ctx, insertValue, dimension, value, measurementID); err != nil {
				return fmt.Errorf("failed to insert value: %w", err)
			}
		}
	}

	// GREATEST keeps last_active monotonic under out-of-order submissions.
	advance := `
		UPDATE stations
		SET last_active = GREATEST(COALESCE(last_active, 'epoch'::timestamptz), $1)
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, advance, set.LastActive, set.StationID); err != nil {
		return fmt.Errorf("failed to advance last_active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.IngestionRecordsTotal.Add(float64(len(set.Entries)))

	return nil
}

// AppendStationStatus appends to the station status log. Entries are never
// updated.
func (r *stationRepository) AppendStationStatus(ctx context.Context, status *models.StationStatus) error {
	query := `
		INSERT INTO station_status (station_id, timestamp, level, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	err := r.db.DB().QueryRowContext(ctx, query,
		status.StationID,
		status.Timestamp,
		status.Level,
		status.Message,
	).Scan(&status.ID)

	if err != nil {
		return fmt.Errorf("failed to append station status: %w", err)
	}

	return nil
}

// RecomputeHourlyAverages replaces the station's hourly average rows for the
// given hour with a fresh computation over measurements and values.
func (r *stationRepository) RecomputeHourlyAverages(ctx context.Context, stationID int64, hourStart, hourEnd time.Time) error {
	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.metrics.StatsCalculationDuration.Observe(duration.Seconds())
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleteQuery := `
		DELETE FROM hourly_averages
		WHERE station_id = $1 AND timestamp = $2
	`
	if _, err := tx.ExecContext(ctx, deleteQuery, stationID, hourStart); err != nil {
		return fmt.Errorf("failed to clear hourly averages: %w", err)
	}

	insertQuery := `
		INSERT INTO hourly_averages (station_id, dimension, avg_value, timestamp)
		SELECT m.station_id, v.dimension, AVG(v.value), $2
		FROM measurement_values v
		JOIN measurements m ON m.id = v.measurement_id
		WHERE m.station_id = $1
		  AND m.time_measured >= $2 AND m.time_measured < $3
		  AND v.value <> $4
		GROUP BY m.station_id, v.dimension
	`
	if _, err := tx.ExecContext(ctx, insertQuery, stationID, hourStart, hourEnd, models.SentinelValue); err != nil {
		return fmt.Errorf("failed to insert hourly averages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck performs a repository health check
func (r *stationRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
