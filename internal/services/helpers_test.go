package services

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Shared across the package's tests: the prometheus default registry rejects
// duplicate collector registration, so one collector serves every test.
var testMetrics = metrics.NewCollector("services_test")

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("test", "0.0.0", logging.FatalLevel)
	logger.SetOutput(io.Discard)
	return logger
}

// fakeStationRepo is an in-memory StationRepository with the same uniqueness
// and monotonicity semantics as the SQL implementation.
type fakeStationRepo struct {
	stations   map[string]*models.Station
	locations  map[[3]float64]*models.Location
	nextID     int64
	sets       []*repository.MeasurementSet
	existing   map[string]bool
	statuses   []*models.StationStatus
	hourlyRuns int

	failCreate error
	failIngest error
}

func newFakeStationRepo() *fakeStationRepo {
	return &fakeStationRepo{
		stations:  make(map[string]*models.Station),
		locations: make(map[[3]float64]*models.Location),
		existing:  make(map[string]bool),
		nextID:    1,
	}
}

func measurementKey(stationID int64, t time.Time, model models.SensorModel, calibration bool) string {
	key := time.Time.Format(t.UTC(), time.RFC3339Nano)
	if calibration {
		return "cal/" + key + "/" + itoa(int64(model)) + "/" + itoa(stationID)
	}
	return key + "/" + itoa(int64(model)) + "/" + itoa(stationID)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (f *fakeStationRepo) GetStationByDevice(_ context.Context, device string) (*models.Station, error) {
	station, ok := f.stations[device]
	if !ok {
		return nil, &repository.NotFoundError{Resource: "station", ID: device}
	}
	clone := *station
	return &clone, nil
}

func (f *fakeStationRepo) CreateStation(_ context.Context, station *models.Station) error {
	if f.failCreate != nil {
		// Lost insert race: the concurrent winner's row is visible afterwards.
		err := f.failCreate
		f.failCreate = nil
		winner := *station
		winner.ID = f.nextID
		f.nextID++
		f.stations[station.Device] = &winner
		return err
	}
	if _, ok := f.stations[station.Device]; ok {
		return &repository.ConflictError{Resource: "station", Key: station.Device}
	}
	station.ID = f.nextID
	f.nextID++
	clone := *station
	f.stations[station.Device] = &clone
	return nil
}

func (f *fakeStationRepo) UpdateStation(_ context.Context, station *models.Station) error {
	stored, ok := f.stations[station.Device]
	if !ok {
		return &repository.NotFoundError{Resource: "station", ID: station.Device}
	}
	clone := *station
	clone.LastActive = stored.LastActive
	f.stations[station.Device] = &clone
	return nil
}

func (f *fakeStationRepo) StationOverviews(context.Context) ([]repository.StationOverview, error) {
	overviews := make([]repository.StationOverview, 0, len(f.stations))
	for _, station := range f.stations {
		overviews = append(overviews, repository.StationOverview{
			Device:     station.Device,
			LastActive: station.LastActive,
		})
	}
	return overviews, nil
}

func (f *fakeStationRepo) GetOrCreateLocation(_ context.Context, lat, lon, height float64) (*models.Location, error) {
	key := [3]float64{lat, lon, height}
	if location, ok := f.locations[key]; ok {
		clone := *location
		return &clone, nil
	}
	location := &models.Location{ID: f.nextID, Lat: lat, Lon: lon, Height: height}
	f.nextID++
	f.locations[key] = location
	clone := *location
	return &clone, nil
}

func (f *fakeStationRepo) IngestMeasurementSet(_ context.Context, set *repository.MeasurementSet) error {
	if f.failIngest != nil {
		return f.failIngest
	}
	for _, entry := range set.Entries {
		key := measurementKey(set.StationID, entry.TimeMeasured, entry.SensorModel, set.Calibration)
		if f.existing[key] {
			return &repository.ConflictError{Resource: "measurement", Key: key}
		}
	}
	for _, entry := range set.Entries {
		key := measurementKey(set.StationID, entry.TimeMeasured, entry.SensorModel, set.Calibration)
		f.existing[key] = true
	}
	f.sets = append(f.sets, set)

	for _, station := range f.stations {
		if station.ID == set.StationID {
			if station.LastActive == nil || set.LastActive.After(*station.LastActive) {
				t := set.LastActive
				station.LastActive = &t
			}
		}
	}
	return nil
}

func (f *fakeStationRepo) MeasurementExists(_ context.Context, stationID int64, timeMeasured time.Time, sensorModel models.SensorModel, calibration bool) (bool, error) {
	return f.existing[measurementKey(stationID, timeMeasured, sensorModel, calibration)], nil
}

func (f *fakeStationRepo) AppendStationStatus(_ context.Context, status *models.StationStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStationRepo) RecomputeHourlyAverages(context.Context, int64, time.Time, time.Time) error {
	f.hourlyRuns++
	return nil
}

func (f *fakeStationRepo) HealthCheck(context.Context) error { return nil }

// fakeAggregateRepo is a canned-response AggregateRepository.
type fakeAggregateRepo struct {
	historical  []repository.AggregateRow
	current     []repository.CurrentRow
	cities      map[string][]repository.CityValueRow
	topN        []repository.TopNRow
	totals      repository.Totals
	activeSince map[int64]int
	summaries   map[string]*models.Summary
	upserts     int
	stats       []repository.DimensionStat

	failRead error
}

func newFakeAggregateRepo() *fakeAggregateRepo {
	return &fakeAggregateRepo{
		cities:    make(map[string][]repository.CityValueRow),
		summaries: make(map[string]*models.Summary),
	}
}

func (f *fakeAggregateRepo) HistoricalRows(context.Context, repository.HistoricalFilter) ([]repository.AggregateRow, error) {
	return f.historical, nil
}

func (f *fakeAggregateRepo) CurrentSnapshotRows(context.Context, []string) ([]repository.CurrentRow, error) {
	return f.current, nil
}

func (f *fakeAggregateRepo) CityExists(_ context.Context, slug string) (bool, error) {
	_, ok := f.cities[slug]
	return ok, nil
}

func (f *fakeAggregateRepo) CityLastHourValues(_ context.Context, slug string, _ time.Time) ([]repository.CityValueRow, error) {
	return f.cities[slug], nil
}

func (f *fakeAggregateRepo) TopNCurrent(context.Context, models.Dimension, models.PlausibilityBand, bool, int) ([]repository.TopNRow, error) {
	return f.topN, nil
}

func (f *fakeAggregateRepo) Totals(context.Context) (repository.Totals, error) {
	return f.totals, nil
}

func (f *fakeAggregateRepo) ActiveStationsSince(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeAggregateRepo) DataCoverage(context.Context, time.Time) (repository.DataCoverage, error) {
	return repository.DataCoverage{}, nil
}

func (f *fakeAggregateRepo) StationsBySource(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeAggregateRepo) StationsByCountry(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeAggregateRepo) TopCitiesByStations(context.Context, int) ([]repository.CityStationCount, error) {
	return nil, nil
}

func (f *fakeAggregateRepo) SensorModelDistribution(context.Context, bool) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeAggregateRepo) StatusLevelDistribution(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeAggregateRepo) DimensionStats(context.Context) ([]repository.DimensionStat, error) {
	out := make([]repository.DimensionStat, len(f.stats))
	copy(out, f.stats)
	for i := range out {
		out[i].Name = out[i].Dimension.Name()
		out[i].Unit = out[i].Dimension.Unit()
	}
	return out, nil
}

func (f *fakeAggregateRepo) ReadSummary(_ context.Context, name string) (*models.Summary, error) {
	if f.failRead != nil {
		return nil, f.failRead
	}
	summary, ok := f.summaries[name]
	if !ok {
		return nil, &repository.NotFoundError{Resource: "summary", ID: name}
	}
	return summary, nil
}

func (f *fakeAggregateRepo) UpsertSummary(_ context.Context, name string, payload json.RawMessage, refreshedAt time.Time) error {
	f.upserts++
	f.summaries[name] = &models.Summary{Name: name, Payload: payload, LastRefresh: refreshedAt}
	return nil
}
