package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Shared across the test binary; the collector registers with the default
// prometheus registry and a second registration would panic.
var testMetrics = metrics.NewCollector("handlers_test")

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("handlers-test", "0.0.0", logging.FatalLevel)
	logger.SetOutput(io.Discard)
	return logger
}

// stubStationRepo serves the handler tests with canned station state.
type stubStationRepo struct {
	station   *models.Station
	overviews []repository.StationOverview
	ingestErr error
	healthErr error
}

func (s *stubStationRepo) GetStationByDevice(_ context.Context, device string) (*models.Station, error) {
	if s.station != nil && s.station.Device == device {
		clone := *s.station
		return &clone, nil
	}
	return nil, &repository.NotFoundError{Resource: "station", ID: device}
}

func (s *stubStationRepo) CreateStation(_ context.Context, station *models.Station) error {
	station.ID = 1
	clone := *station
	s.station = &clone
	return nil
}

func (s *stubStationRepo) UpdateStation(_ context.Context, station *models.Station) error {
	clone := *station
	s.station = &clone
	return nil
}

func (s *stubStationRepo) StationOverviews(context.Context) ([]repository.StationOverview, error) {
	return s.overviews, nil
}

func (s *stubStationRepo) GetOrCreateLocation(_ context.Context, lat, lon, height float64) (*models.Location, error) {
	return &models.Location{ID: 1, Lat: lat, Lon: lon, Height: height}, nil
}

func (s *stubStationRepo) IngestMeasurementSet(context.Context, *repository.MeasurementSet) error {
	return s.ingestErr
}

func (s *stubStationRepo) MeasurementExists(context.Context, int64, time.Time, models.SensorModel, bool) (bool, error) {
	return false, nil
}

func (s *stubStationRepo) AppendStationStatus(context.Context, *models.StationStatus) error {
	return nil
}

func (s *stubStationRepo) RecomputeHourlyAverages(context.Context, int64, time.Time, time.Time) error {
	return nil
}

func (s *stubStationRepo) HealthCheck(context.Context) error { return s.healthErr }

// stubAggregateRepo serves canned aggregate rows and summary snapshots.
type stubAggregateRepo struct {
	current    []repository.CurrentRow
	historical []repository.AggregateRow
	summary    *models.Summary
	cityExists bool
}

func (s *stubAggregateRepo) HistoricalRows(context.Context, repository.HistoricalFilter) ([]repository.AggregateRow, error) {
	return s.historical, nil
}

func (s *stubAggregateRepo) CurrentSnapshotRows(context.Context, []string) ([]repository.CurrentRow, error) {
	return s.current, nil
}

func (s *stubAggregateRepo) CityExists(context.Context, string) (bool, error) {
	return s.cityExists, nil
}

func (s *stubAggregateRepo) CityLastHourValues(context.Context, string, time.Time) ([]repository.CityValueRow, error) {
	return nil, nil
}

func (s *stubAggregateRepo) TopNCurrent(context.Context, models.Dimension, models.PlausibilityBand, bool, int) ([]repository.TopNRow, error) {
	return nil, nil
}

func (s *stubAggregateRepo) Totals(context.Context) (repository.Totals, error) {
	return repository.Totals{Stations: 2, Measurements: 10}, nil
}

func (s *stubAggregateRepo) ActiveStationsSince(context.Context, time.Time) (int, error) {
	return 1, nil
}

func (s *stubAggregateRepo) DataCoverage(context.Context, time.Time) (repository.DataCoverage, error) {
	return repository.DataCoverage{}, nil
}

func (s *stubAggregateRepo) StationsBySource(context.Context) (map[string]int, error) {
	return map[string]int{"first-party": 2}, nil
}

func (s *stubAggregateRepo) StationsByCountry(context.Context) (map[string]int, error) {
	return map[string]int{"Austria": 2}, nil
}

func (s *stubAggregateRepo) TopCitiesByStations(context.Context, int) ([]repository.CityStationCount, error) {
	return nil, nil
}

func (s *stubAggregateRepo) SensorModelDistribution(context.Context, bool) (map[string]int, error) {
	return nil, nil
}

func (s *stubAggregateRepo) StatusLevelDistribution(context.Context) (map[string]int, error) {
	return nil, nil
}

func (s *stubAggregateRepo) DimensionStats(context.Context) ([]repository.DimensionStat, error) {
	return nil, nil
}

func (s *stubAggregateRepo) ReadSummary(_ context.Context, name string) (*models.Summary, error) {
	if s.summary != nil && s.summary.Name == name {
		return s.summary, nil
	}
	return nil, &repository.NotFoundError{Resource: "summary", ID: name}
}

func (s *stubAggregateRepo) UpsertSummary(context.Context, string, json.RawMessage, time.Time) error {
	return nil
}

func newTestRouter(stations *stubStationRepo, aggregates *stubAggregateRepo) *mux.Router {
	logger := testLogger()
	ingestion := services.NewIngestionService(stations, logger, testMetrics)
	aggregation := services.NewAggregationService(aggregates, services.DefaultAggregationConfig(), logger, testMetrics)
	summaries := services.NewSummaryService(aggregates, 10*time.Minute, logger, testMetrics)

	handler := NewStationHandler(ingestion, aggregation, summaries, stations, logger, testMetrics)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func submitBody(t *testing.T, device string, apiKey *string) *bytes.Buffer {
	t.Helper()
	req := SubmitRequest{
		Station: models.StationSubmission{
			Device: device,
			APIKey: apiKey,
			Location: models.SubmissionLocation{
				Lat: 48.21, Lon: 16.37, Height: 171,
			},
			Time: time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC),
		},
		Sensors: models.SensorPayload{
			"sen5x": {
				SensorModel: models.SensorSEN5X,
				Values:      map[models.Dimension]float64{models.DimensionPM25: 9.1},
			},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(req))
	return &buf
}

func TestSubmitDataStoresSubmission(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/station/data", submitBody(t, "esp32-0042", nil)))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "esp32-0042", resp.Device)
	assert.Equal(t, "stored", resp.Status)
}

func TestSubmitDataRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/station/data", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitDataRejectsMissingDevice(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/station/data", submitBody(t, "", nil)))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "device")
}

func TestSubmitDataRejectsWrongAPIKey(t *testing.T) {
	stored := "secret"
	stations := &stubStationRepo{
		station: &models.Station{ID: 1, Device: "esp32-0042", APIKey: &stored, LocationID: 1},
	}
	router := newTestRouter(stations, &stubAggregateRepo{})

	wrong := "guessed"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/station/data", submitBody(t, "esp32-0042", &wrong)))

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid api key for station", resp.Message)
}

func TestSubmitDataDuplicateMeasurement(t *testing.T) {
	stations := &stubStationRepo{
		station:   &models.Station{ID: 1, Device: "esp32-0042", LocationID: 1},
		ingestErr: &repository.ConflictError{Resource: "measurement", Key: "dup"},
	}
	router := newTestRouter(stations, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/station/data", submitBody(t, "esp32-0042", nil)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Measurement already in Database", resp.Message)
}

func TestGetCurrentGroupsByDeviceTime(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)
	aggregates := &stubAggregateRepo{
		current: []repository.CurrentRow{
			{StationID: 1, Device: "esp32-0042", TimeMeasured: at, SensorModel: models.SensorSEN5X, Dimension: models.DimensionPM25, Value: 9.1},
			{StationID: 1, Device: "esp32-0042", TimeMeasured: at, SensorModel: models.SensorBME280, Dimension: models.DimensionTemperature, Value: 21.5},
		},
	}
	router := newTestRouter(&stubStationRepo{}, aggregates)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/station/current", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var groups []services.GroupedPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "esp32-0042", groups[0].Device)
	assert.Len(t, groups[0].Values, 2)
}

func TestGetCurrentCSVOutput(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)
	aggregates := &stubAggregateRepo{
		current: []repository.CurrentRow{
			{StationID: 1, Device: "esp32-0042", TimeMeasured: at, SensorModel: models.SensorSEN5X, Dimension: models.DimensionPM25, Value: 9.1},
		},
	}
	router := newTestRouter(&stubStationRepo{}, aggregates)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/station/current?output_format=csv", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "device,time_measured,dimension,value", lines[0])
	assert.Equal(t, "esp32-0042,"+at.Format(time.RFC3339)+",3,9.1", lines[1])
}

func TestGetHistoricalRejectsBadPrecision(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/station/historical?precision=fortnight", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistoricalAcceptsMinuteTimestamps(t *testing.T) {
	// Deployed station firmware queries with minute-resolution timestamps.
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/station/historical?start=2026-03-01T10:30&end=2026-03-05T18:45", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetHistoricalRejectsBadTimestamp(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/station/historical?start=yesterday", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTopStationsRejectsUnknownDimension(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dimension/top?dimension=99", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCityCurrentUnknownCity(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{cityExists: false})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/city/atlantis/current", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSummaryServesSnapshot(t *testing.T) {
	aggregates := &stubAggregateRepo{
		summary: &models.Summary{
			Name:        services.SummaryTotals,
			Payload:     json.RawMessage(`{"stations":42}`),
			LastRefresh: time.Now().UTC(),
		},
	}
	router := newTestRouter(&stubStationRepo{}, aggregates)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/summary/totals", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stations":42}`, rec.Body.String())
}

func TestGetSummaryUnknownName(t *testing.T) {
	router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/summary/nonexistent", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := newTestRouter(&stubStationRepo{}, &stubAggregateRepo{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "healthy")
	})

	t.Run("database unreachable", func(t *testing.T) {
		router := newTestRouter(&stubStationRepo{healthErr: errors.New("connection refused")}, &stubAggregateRepo{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})
}
