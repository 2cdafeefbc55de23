package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
	"airquality-platform/internal/repository"
)

func newTestAggregationService(repo repository.AggregateRepository, now time.Time) *AggregationService {
	svc := NewAggregationService(repo, DefaultAggregationConfig(), testLogger(), testMetrics)
	svc.now = func() time.Time { return now }
	return svc
}

func TestCurrentSnapshotSuppressesStaleAndKeepsRow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-5 * time.Minute)
	stale := now.Add(-45 * time.Minute)

	repo := newFakeAggregateRepo()
	repo.current = []repository.CurrentRow{
		{StationID: 1, Device: "dev-1", TimeMeasured: fresh, Dimension: models.DimensionPM25, Value: 12},
		{StationID: 2, Device: "dev-2", TimeMeasured: stale, Dimension: models.DimensionPM25, Value: 14},
	}

	svc := newTestAggregationService(repo, now)

	points, err := svc.HistoricalQuery(context.Background(), HistoricalParams{Current: true})
	require.NoError(t, err)
	require.Len(t, points, 2)

	require.NotNil(t, points[0].Value)
	assert.Equal(t, 12.0, *points[0].Value)

	// Stale reading: row kept, value suppressed.
	assert.Equal(t, "dev-2", points[1].Device)
	assert.Nil(t, points[1].Value)
}

func TestCurrentSnapshotSuppressesSentinel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-time.Minute)

	repo := newFakeAggregateRepo()
	repo.current = []repository.CurrentRow{
		{StationID: 1, Device: "dev-1", TimeMeasured: at, Dimension: models.DimensionHumidity, Value: -9999},
		{StationID: 2, Device: "dev-2", TimeMeasured: at, Dimension: models.DimensionHumidity, Value: 55},
	}

	svc := newTestAggregationService(repo, now)

	points, err := svc.HistoricalQuery(context.Background(), HistoricalParams{Current: true})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Nil(t, points[0].Value)
	require.NotNil(t, points[1].Value)
	assert.Equal(t, 55.0, *points[1].Value)
}

func TestCityCurrentAverageTrimsOutliers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeAggregateRepo()
	repo.cities["vienna"] = []repository.CityValueRow{
		{StationID: 1, Dimension: models.DimensionPM25, Value: 5},
		{StationID: 1, Dimension: models.DimensionPM25, Value: 6},
		{StationID: 2, Dimension: models.DimensionPM25, Value: 7},
		{StationID: 2, Dimension: models.DimensionPM25, Value: 8},
		{StationID: 3, Dimension: models.DimensionPM25, Value: 200},
	}

	svc := newTestAggregationService(repo, now)

	averages, err := svc.CityCurrentAverage(context.Background(), "vienna")
	require.NoError(t, err)
	require.Len(t, averages, 1)

	avg := averages[0]
	assert.Equal(t, models.DimensionPM25, avg.Dimension)
	assert.Equal(t, 6.5, avg.Value)
	assert.Equal(t, 5, avg.ValueCount)
	assert.Equal(t, 3, avg.StationCount)
}

func TestCityCurrentAverageUnknownCity(t *testing.T) {
	repo := newFakeAggregateRepo()
	svc := newTestAggregationService(repo, time.Now().UTC())

	_, err := svc.CityCurrentAverage(context.Background(), "atlantis")
	assert.True(t, repository.IsNotFound(err))
}

func TestCityCurrentAverageOmitsEmptyDimensions(t *testing.T) {
	repo := newFakeAggregateRepo()
	repo.cities["graz"] = []repository.CityValueRow{
		{StationID: 1, Dimension: models.DimensionPM10, Value: -9999},
		{StationID: 1, Dimension: models.DimensionTemperature, Value: 18},
	}

	svc := newTestAggregationService(repo, time.Now().UTC())

	averages, err := svc.CityCurrentAverage(context.Background(), "graz")
	require.NoError(t, err)
	require.Len(t, averages, 1)
	assert.Equal(t, models.DimensionTemperature, averages[0].Dimension)
}

func TestGroupByDeviceTime(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	v := func(x float64) *float64 { return &x }

	points := []DataPoint{
		{Device: "dev-1", Time: t1, Dimension: models.DimensionPM25, Value: v(10)},
		{Device: "dev-1", Time: t1, Dimension: models.DimensionPM10, Value: v(20)},
		{Device: "dev-1", Time: t2, Dimension: models.DimensionPM25, Value: v(11)},
		{Device: "dev-2", Time: t1, Dimension: models.DimensionPM25, Value: nil},
	}

	grouped := GroupByDeviceTime(points)
	require.Len(t, grouped, 3)

	assert.Equal(t, "dev-1", grouped[0].Device)
	assert.Len(t, grouped[0].Values, 2)
	assert.Len(t, grouped[1].Values, 1)
	assert.Equal(t, "dev-2", grouped[2].Device)
	assert.Nil(t, grouped[2].Values[0].Value)
}

func TestHistoricalQueryMapsRows(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := func(x float64) *float64 { return &x }

	repo := newFakeAggregateRepo()
	repo.historical = []repository.AggregateRow{
		{Device: "dev-1", Bucket: bucket, Dimension: models.DimensionPM25, Value: v(9.5)},
		{Device: "dev-1", Bucket: bucket, Dimension: models.DimensionPM10, Value: v(-9999)},
	}

	svc := newTestAggregationService(repo, time.Now().UTC())

	points, err := svc.HistoricalQuery(context.Background(), HistoricalParams{Precision: models.PrecisionHour})
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.NotNil(t, points[0].Value)
	assert.Equal(t, 9.5, *points[0].Value)
	assert.Nil(t, points[1].Value)
}

func TestTopNByDimensionValidation(t *testing.T) {
	repo := newFakeAggregateRepo()
	svc := newTestAggregationService(repo, time.Now().UTC())

	var validationErr *models.ValidationError

	_, err := svc.TopNByDimension(context.Background(), 10, models.Dimension(99), true)
	require.ErrorAs(t, err, &validationErr)

	_, err = svc.TopNByDimension(context.Background(), 0, models.DimensionPM25, true)
	require.ErrorAs(t, err, &validationErr)
}

func TestTopNByDimensionFiltersUnusable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeAggregateRepo()
	repo.topN = []repository.TopNRow{
		{Device: "dev-1", TimeMeasured: at, Value: 80},
		{Device: "dev-2", TimeMeasured: at, Value: -9999},
	}

	svc := newTestAggregationService(repo, time.Now().UTC())

	entries, err := svc.TopNByDimension(context.Background(), 5, models.DimensionPM25, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-1", entries[0].Device)
}
