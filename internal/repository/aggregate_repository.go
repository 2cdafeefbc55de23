package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// AggregateRepository provides the raw aggregate-query capability consumed by
// the aggregation engine and the summary cache layer: grouped means,
// distributions, distinct counts and the summary snapshot store.
type AggregateRepository interface {
	// Historical and current queries
	HistoricalRows(ctx context.Context, filter HistoricalFilter) ([]AggregateRow, error)
	CurrentSnapshotRows(ctx context.Context, devices []string) ([]CurrentRow, error)
	CityExists(ctx context.Context, slug string) (bool, error)
	CityLastHourValues(ctx context.Context, slug string, since time.Time) ([]CityValueRow, error)
	TopNCurrent(ctx context.Context, dimension models.Dimension, band models.PlausibilityBand, descending bool, n int) ([]TopNRow, error)

	// Live summary computations
	Totals(ctx context.Context) (Totals, error)
	ActiveStationsSince(ctx context.Context, since time.Time) (int, error)
	DataCoverage(ctx context.Context, now time.Time) (DataCoverage, error)
	StationsBySource(ctx context.Context) (map[string]int, error)
	StationsByCountry(ctx context.Context) (map[string]int, error)
	TopCitiesByStations(ctx context.Context, limit int) ([]CityStationCount, error)
	SensorModelDistribution(ctx context.Context, calibration bool) (map[string]int, error)
	StatusLevelDistribution(ctx context.Context) (map[string]int, error)
	DimensionStats(ctx context.Context) ([]DimensionStat, error)

	// Summary snapshot store
	ReadSummary(ctx context.Context, name string) (*models.Summary, error)
	UpsertSummary(ctx context.Context, name string, payload json.RawMessage, refreshedAt time.Time) error
}

// HistoricalFilter defines filters for the bucketed historical query.
// Empty device/city slices mean "all".
type HistoricalFilter struct {
	Devices   []string
	CitySlugs []string
	Start     *time.Time
	End       *time.Time
	Precision models.Precision
}

// AggregateRow is one grouped result: the mean of all usable values for a
// (station, bucket, dimension) group.
type AggregateRow struct {
	Device    string           `db:"device"`
	Bucket    time.Time        `db:"bucket"`
	Dimension models.Dimension `db:"dimension"`
	Value     *float64         `db:"value"`
}

// CurrentRow is one value from a station's current snapshot, the measurement
// whose time_measured equals the station's last_active.
type CurrentRow struct {
	StationID    int64              `db:"station_id"`
	Device       string             `db:"device"`
	TimeMeasured time.Time          `db:"time_measured"`
	SensorModel  models.SensorModel `db:"sensor_model"`
	Dimension    models.Dimension   `db:"dimension"`
	Value        float64            `db:"value"`
}

// CityValueRow is one raw value contributing to a city aggregate.
type CityValueRow struct {
	StationID int64            `db:"station_id"`
	Dimension models.Dimension `db:"dimension"`
	Value     float64          `db:"value"`
}

// TopNRow is one station's current value for a single dimension.
type TopNRow struct {
	Device       string    `db:"device"`
	TimeMeasured time.Time `db:"time_measured"`
	Value        float64   `db:"value"`
}

// Totals holds the entity counts of the whole store.
type Totals struct {
	Countries               int `db:"countries" json:"countries"`
	Cities                  int `db:"cities" json:"cities"`
	Locations               int `db:"locations" json:"locations"`
	Stations                int `db:"stations" json:"stations"`
	Measurements            int `db:"measurements" json:"measurements"`
	CalibrationMeasurements int `db:"calibration_measurements" json:"calibration_measurements"`
	Values                  int `db:"values" json:"values"`
	StationStatuses         int `db:"station_statuses" json:"station_statuses"`
}

// DataCoverage describes the measured time span and trailing-window volumes.
type DataCoverage struct {
	EarliestMeasurement *time.Time `json:"earliest_measurement"`
	LatestMeasurement   *time.Time `json:"latest_measurement"`
	MeasurementsLast24h int        `json:"measurements_last_24h"`
	MeasurementsLast7d  int        `json:"measurements_last_7d"`
	MeasurementsLast30d int        `json:"measurements_last_30d"`
}

// CityStationCount is one row of the top-cities distribution.
type CityStationCount struct {
	City         string `db:"city" json:"city"`
	Country      string `db:"country" json:"country"`
	StationCount int    `db:"station_count" json:"station_count"`
}

// DimensionStat is the per-dimension value distribution. Avg/Min/Max are nil
// when no usable values exist.
type DimensionStat struct {
	Dimension  models.Dimension `db:"dimension" json:"dimension_id"`
	Name       string           `json:"dimension_name"`
	Unit       string           `json:"unit"`
	ValueCount int              `db:"value_count" json:"value_count"`
	AvgValue   *float64         `db:"avg_value" json:"average_value"`
	MinValue   *float64         `db:"min_value" json:"min_value"`
	MaxValue   *float64         `db:"max_value" json:"max_value"`
}

// aggregateRepository implements AggregateRepository
type aggregateRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAggregateRepository creates a new aggregate repository
func NewAggregateRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) AggregateRepository {
	return &aggregateRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// bucketExpr returns the SQL expression that buckets time_measured at the
// given precision. Exact precision performs no truncation.
func bucketExpr(p models.Precision) string {
	switch p {
	case models.PrecisionHour, models.PrecisionDay, models.PrecisionWeek, models.PrecisionMonth, models.PrecisionYear:
		return fmt.Sprintf("date_trunc('%s', m.time_measured)", p.String())
	default:
		return "m.time_measured"
	}
}

// HistoricalRows groups usable values by (station, bucket, dimension) and
// returns the arithmetic mean per group, sorted ascending and stable.
func (r *aggregateRepository) HistoricalRows(ctx context.Context, filter HistoricalFilter) ([]AggregateRow, error) {
	bucket := bucketExpr(filter.Precision)

	query := fmt.Sprintf(`
		SELECT s.device, %s AS bucket, v.dimension, AVG(v.value) AS value
		FROM measurement_values v
		JOIN measurements m ON m.id = v.measurement_id
		JOIN stations s ON s.id = m.station_id
	`, bucket)

	args := []interface{}{}
	argNum := 1

	if len(filter.CitySlugs) > 0 {
		query += `
		JOIN locations l ON l.id = m.location_id
		JOIN cities c ON c.id = l.city_id
		`
	}

	query += fmt.Sprintf(" WHERE v.value <> %d", models.SentinelValue)

	if len(filter.Devices) > 0 {
		query += fmt.Sprintf(" AND s.device = ANY($%d)", argNum)
		args = append(args, pq.Array(filter.Devices))
		argNum++
	}

	if len(filter.CitySlugs) > 0 {
		query += fmt.Sprintf(" AND c.slug = ANY($%d)", argNum)
		args = append(args, pq.Array(filter.CitySlugs))
		argNum++
	}

	// Range filters apply to the truncated-time column.
	if filter.Start != nil {
		query += fmt.Sprintf(" AND %s >= $%d", bucket, argNum)
		args = append(args, *filter.Start)
		argNum++
	}
	if filter.End != nil {
		query += fmt.Sprintf(" AND %s <= $%d", bucket, argNum)
		args = append(args, *filter.End)
		argNum++
	}

	query += fmt.Sprintf(" GROUP BY s.device, %s, v.dimension", bucket)
	query += " ORDER BY s.device, bucket, v.dimension"

	var rows []AggregateRow
	err := r.db.SelectContext(ctx, "historical_rows", &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query historical rows: %w", err)
	}

	return rows, nil
}

// CurrentSnapshotRows returns every value of each station's current snapshot:
// the measurement whose time_measured equals the station's last_active.
func (r *aggregateRepository) CurrentSnapshotRows(ctx context.Context, devices []string) ([]CurrentRow, error) {
	query := fmt.Sprintf(`
		SELECT m.station_id, s.device, m.time_measured, m.sensor_model, v.dimension, v.value
		FROM measurement_values v
		JOIN measurements m ON m.id = v.measurement_id
		JOIN stations s ON s.id = m.station_id
		WHERE m.time_measured = s.last_active
		  AND v.value <> %d
	`, models.SentinelValue)

	args := []interface{}{}
	if len(devices) > 0 {
		query += " AND s.device = ANY($1)"
		args = append(args, pq.Array(devices))
	}

	query += " ORDER BY s.device, m.time_measured, v.dimension"

	var rows []CurrentRow
	err := r.db.SelectContext(ctx, "current_snapshot_rows", &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query current snapshot: %w", err)
	}

	return rows, nil
}

// CityExists reports whether a city with the given slug is known.
func (r *aggregateRepository) CityExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, "city_exists", &exists,
		"SELECT EXISTS (SELECT 1 FROM cities WHERE slug = $1)", slug)
	if err != nil {
		return false, fmt.Errorf("failed to check city existence: %w", err)
	}
	return exists, nil
}

// CityLastHourValues returns every usable value measured in the city since
// the given time, joined through Location to City.
func (r *aggregateRepository) CityLastHourValues(ctx context.Context, slug string, since time.Time) ([]CityValueRow, error) {
	query := fmt.Sprintf(`
		SELECT m.station_id, v.dimension, v.value
		FROM measurement_values v
		JOIN measurements m ON m.id = v.measurement_id
		JOIN locations l ON l.id = m.location_id
		JOIN cities c ON c.id = l.city_id
		WHERE c.slug = $1
		  AND m.time_measured >= $2
		  AND v.value <> %d
		ORDER BY v.dimension, m.station_id
	`, models.SentinelValue)

	var rows []CityValueRow
	err := r.db.SelectContext(ctx, "city_last_hour_values", &rows, query, slug, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query city values: %w", err)
	}

	return rows, nil
}

// TopNCurrent selects each station's current value for one dimension,
// restricted to the dimension's plausibility band, ordered and limited.
func (r *aggregateRepository) TopNCurrent(ctx context.Context, dimension models.Dimension, band models.PlausibilityBand, descending bool, n int) ([]TopNRow, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT s.device, m.time_measured, v.value
		FROM measurement_values v
		JOIN measurements m ON m.id = v.measurement_id
		JOIN stations s ON s.id = m.station_id
		WHERE m.time_measured = s.last_active
		  AND v.dimension = $1
		  AND v.value BETWEEN $2 AND $3
		ORDER BY v.value %s, s.device
		LIMIT $4
	`, order)

	var rows []TopNRow
	err := r.db.SelectContext(ctx, "topn_current", &rows, query, dimension, band.Min, band.Max, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query top-n values: %w", err)
	}

	return rows, nil
}

// Totals counts every entity collection in one round trip.
func (r *aggregateRepository) Totals(ctx context.Context) (Totals, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM countries) AS countries,
			(SELECT COUNT(*) FROM cities) AS cities,
			(SELECT COUNT(*) FROM locations) AS locations,
			(SELECT COUNT(*) FROM stations) AS stations,
			(SELECT COUNT(*) FROM measurements) AS measurements,
			(SELECT COUNT(*) FROM calibration_measurements) AS calibration_measurements,
			(SELECT COUNT(*) FROM measurement_values) AS "values",
			(SELECT COUNT(*) FROM station_status) AS station_statuses
	`

	var totals Totals
	err := r.db.GetContext(ctx, "totals", &totals, query)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}

	return totals, nil
}

// ActiveStationsSince counts stations whose last_active is at or after the
// threshold. Stations with a null last_active never count as active.
func (r *aggregateRepository) ActiveStationsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, "active_stations", &count,
		"SELECT COUNT(DISTINCT id) FROM stations WHERE last_active >= $1", since)
	if err != nil {
		return 0, fmt.Errorf("failed to count active stations: %w", err)
	}
	return count, nil
}

// DataCoverage reports the measured time span and trailing-window counts.
func (r *aggregateRepository) DataCoverage(ctx context.Context, now time.Time) (DataCoverage, error) {
	query := `
		SELECT
			MIN(time_measured) AS earliest,
			MAX(time_measured) AS latest,
			COUNT(*) FILTER (WHERE time_measured >= $1) AS last_24h,
			COUNT(*) FILTER (WHERE time_measured >= $2) AS last_7d,
			COUNT(*) FILTER (WHERE time_measured >= $3) AS last_30d
		FROM measurements
	`

	var row struct {
		Earliest *time.Time `db:"earliest"`
		Latest   *time.Time `db:"latest"`
		Last24h  int        `db:"last_24h"`
		Last7d   int        `db:"last_7d"`
		Last30d  int        `db:"last_30d"`
	}

	err := r.db.GetContext(ctx, "data_coverage", &row, query,
		now.Add(-24*time.Hour), now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour))
	if err != nil {
		return DataCoverage{}, fmt.Errorf("failed to query data coverage: %w", err)
	}

	return DataCoverage{
		EarliestMeasurement: row.Earliest,
		LatestMeasurement:   row.Latest,
		MeasurementsLast24h: row.Last24h,
		MeasurementsLast7d:  row.Last7d,
		MeasurementsLast30d: row.Last30d,
	}, nil
}

// StationsBySource returns station counts keyed by source name. Sources with
// no stations are omitted.
func (r *aggregateRepository) StationsBySource(ctx context.Context) (map[string]int, error) {
	query := "SELECT source, COUNT(*) AS count FROM stations GROUP BY source"

	var rows []struct {
		Source models.Source `db:"source"`
		Count  int           `db:"count"`
	}
	if err := r.db.SelectContext(ctx, "stations_by_source", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query stations by source: %w", err)
	}

	dist := make(map[string]int, len(rows))
	for _, row := range rows {
		dist[row.Source.Name()] = row.Count
	}
	return dist, nil
}

// StationsByCountry counts distinct stations per country through the
// Location reference hierarchy.
func (r *aggregateRepository) StationsByCountry(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT co.name AS country, COUNT(DISTINCT s.id) AS station_count
		FROM stations s
		JOIN locations l ON l.id = s.location_id
		JOIN countries co ON co.id = l.country_id
		GROUP BY co.name
	`

	var rows []struct {
		Country      string `db:"country"`
		StationCount int    `db:"station_count"`
	}
	if err := r.db.SelectContext(ctx, "stations_by_country", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query stations by country: %w", err)
	}

	dist := make(map[string]int, len(rows))
	for _, row := range rows {
		dist[row.Country] = row.StationCount
	}
	return dist, nil
}

// TopCitiesByStations lists the cities with the most stations.
func (r *aggregateRepository) TopCitiesByStations(ctx context.Context, limit int) ([]CityStationCount, error) {
	query := `
		SELECT c.name AS city, co.name AS country, COUNT(DISTINCT s.id) AS station_count
		FROM stations s
		JOIN locations l ON l.id = s.location_id
		JOIN cities c ON c.id = l.city_id
		JOIN countries co ON co.id = c.country_id
		GROUP BY c.name, co.name
		ORDER BY COUNT(DISTINCT s.id) DESC, c.name
		LIMIT $1
	`

	var rows []CityStationCount
	if err := r.db.SelectContext(ctx, "top_cities", &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query top cities: %w", err)
	}

	return rows, nil
}

// SensorModelDistribution counts measurements per sensor model, for either
// the normal or the calibration collection.
func (r *aggregateRepository) SensorModelDistribution(ctx context.Context, calibration bool) (map[string]int, error) {
	table := "measurements"
	if calibration {
		table = "calibration_measurements"
	}

	query := fmt.Sprintf("SELECT sensor_model, COUNT(DISTINCT id) AS count FROM %s GROUP BY sensor_model", table)

	var rows []struct {
		SensorModel models.SensorModel `db:"sensor_model"`
		Count       int                `db:"count"`
	}
	if err := r.db.SelectContext(ctx, "sensor_model_distribution", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query sensor model distribution: %w", err)
	}

	dist := make(map[string]int, len(rows))
	for _, row := range rows {
		dist[row.SensorModel.Name()] = row.Count
	}
	return dist, nil
}

// StatusLevelDistribution counts station status entries per severity level.
func (r *aggregateRepository) StatusLevelDistribution(ctx context.Context) (map[string]int, error) {
	query := "SELECT level, COUNT(*) AS count FROM station_status GROUP BY level"

	var rows []struct {
		Level models.StatusLevel `db:"level"`
		Count int                `db:"count"`
	}
	if err := r.db.SelectContext(ctx, "status_level_distribution", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query status distribution: %w", err)
	}

	dist := make(map[string]int, len(rows))
	for _, row := range rows {
		dist[fmt.Sprintf("level_%d", row.Level)] = row.Count
	}
	return dist, nil
}

// DimensionStats computes per-dimension count/avg/min/max over usable values.
func (r *aggregateRepository) DimensionStats(ctx context.Context) ([]DimensionStat, error) {
	query := fmt.Sprintf(`
		SELECT dimension,
		       COUNT(id) AS value_count,
		       AVG(value) FILTER (WHERE value <> %d) AS avg_value,
		       MIN(value) FILTER (WHERE value <> %d) AS min_value,
		       MAX(value) FILTER (WHERE value <> %d) AS max_value
		FROM measurement_values
		GROUP BY dimension
		ORDER BY COUNT(id) DESC
	`, models.SentinelValue, models.SentinelValue, models.SentinelValue)

	var rows []DimensionStat
	if err := r.db.SelectContext(ctx, "dimension_stats", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query dimension stats: %w", err)
	}

	for i := range rows {
		rows[i].Name = rows[i].Dimension.Name()
		rows[i].Unit = rows[i].Dimension.Unit()
	}

	return rows, nil
}

// ReadSummary fetches a named snapshot. Absence maps to NotFoundError so the
// caller can fall back to live computation.
func (r *aggregateRepository) ReadSummary(ctx context.Context, name string) (*models.Summary, error) {
	query := "SELECT name, payload, last_refresh FROM summaries WHERE name = $1"

	var summary models.Summary
	err := r.db.GetContext(ctx, "read_summary", &summary, query, name)

	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "summary", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}

	return &summary, nil
}

// UpsertSummary atomically replaces the named snapshot. Readers observe the
// old row or the new row, never a partially built one.
func (r *aggregateRepository) UpsertSummary(ctx context.Context, name string, payload json.RawMessage, refreshedAt time.Time) error {
	query := `
		INSERT INTO summaries (name, payload, last_refresh)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			payload = EXCLUDED.payload,
			last_refresh = EXCLUDED.last_refresh
	`

	_, err := r.db.ExecContext(ctx, "upsert_summary", query, name, []byte(payload), refreshedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}

	return nil
}
