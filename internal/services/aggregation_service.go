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

// AggregationConfig tunes the outlier filters per use site. The current and
// city alphas differ deliberately; each is a named knob, not a shared value.
type AggregationConfig struct {
	// CurrentAlpha is the two-sided outlier fraction for the current-snapshot
	// path of HistoricalQuery.
	CurrentAlpha float64
	// CityAlpha is the two-sided trim fraction for city averages.
	CityAlpha float64
	// CurrentWindow is how recent a station's snapshot must be to keep its
	// values in the current-snapshot path.
	CurrentWindow time.Duration
	// PlausibilityBands restricts top-N values per dimension.
	PlausibilityBands map[models.Dimension]models.PlausibilityBand
}

// DefaultAggregationConfig returns the reference filter settings.
func DefaultAggregationConfig() AggregationConfig {
	return AggregationConfig{
		CurrentAlpha:      0.01,
		CityAlpha:         0.1,
		CurrentWindow:     20 * time.Minute,
		PlausibilityBands: models.DefaultPlausibilityBands(),
	}
}

// HistoricalParams filters a historical query. Empty device/city lists mean
// "all". Current selects the current-snapshot path instead of a time range.
type HistoricalParams struct {
	Devices   []string
	Cities    []string
	Start     *time.Time
	End       *time.Time
	Precision models.Precision
	Current   bool
}

// DataPoint is one flat output tuple. Value is nil when the reading was
// suppressed by the recency window or the outlier bounds; the row itself is
// kept so clients retain device/time/dimension identity.
type DataPoint struct {
	Device    string           `json:"device"`
	Time      time.Time        `json:"time"`
	Dimension models.Dimension `json:"dimension"`
	Value     *float64         `json:"value"`
}

// GroupedPoint nests all dimension values of one (device, time) group.
type GroupedPoint struct {
	Device string           `json:"device"`
	Time   time.Time        `json:"time_measured"`
	Values []DimensionValue `json:"values"`
}

// DimensionValue is one (dimension, value) pair in grouped output.
type DimensionValue struct {
	Dimension models.Dimension `json:"dimension"`
	Value     *float64         `json:"value"`
}

// CityDimensionAverage is one dimension's trimmed aggregate for a city.
type CityDimensionAverage struct {
	Dimension    models.Dimension `json:"dimension"`
	Name         string           `json:"name"`
	Unit         string           `json:"unit"`
	Value        float64          `json:"value"`
	ValueCount   int              `json:"value_count"`
	StationCount int              `json:"station_count"`
}

// TopNEntry is one station in a top-N ranking.
type TopNEntry struct {
	Device string    `json:"device"`
	Time   time.Time `json:"time"`
	Value  float64   `json:"value"`
}

// AggregationService answers time-bucketed, outlier-filtered queries.
type AggregationService struct {
	repo    repository.AggregateRepository
	config  AggregationConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(repo repository.AggregateRepository, config AggregationConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AggregationService {
	return &AggregationService{
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: metricsCollector,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HistoricalQuery returns grouped means per (station, bucket, dimension),
// sorted ascending and stable. With params.Current it switches to the
// current-snapshot path: each station's latest reading, with stale or
// outlying values suppressed to null.
func (s *AggregationService) HistoricalQuery(ctx context.Context, params HistoricalParams) ([]DataPoint, error) {
	timer := time.Now()
	defer func() {
		s.metrics.QueryDuration.WithLabelValues("historical").Observe(time.Since(timer).Seconds())
	}()

	if params.Current {
		return s.currentSnapshot(ctx, params.Devices)
	}

	rows, err := s.repo.HistoricalRows(ctx, repository.HistoricalFilter{
		Devices:   params.Devices,
		CitySlugs: params.Cities,
		Start:     params.Start,
		End:       params.End,
		Precision: params.Precision,
	})
	if err != nil {
		return nil, fmt.Errorf("historical query failed: %w", err)
	}

	points := make([]DataPoint, 0, len(rows))
	for _, row := range rows {
		value := row.Value
		if value != nil && !models.IsUsableValue(*value) {
			value = nil
		}
		points = append(points, DataPoint{
			Device:    row.Device,
			Time:      row.Bucket,
			Dimension: row.Dimension,
			Value:     value,
		})
	}

	return points, nil
}

// currentSnapshot selects each station's single latest reading, computes
// per-dimension percentile bounds across all stations' current values, and
// nulls out any value that is stale or outside the bounds while keeping the
// row.
func (s *AggregationService) currentSnapshot(ctx context.Context, devices []string) ([]DataPoint, error) {
	rows, err := s.repo.CurrentSnapshotRows(ctx, devices)
	if err != nil {
		return nil, fmt.Errorf("current snapshot query failed: %w", err)
	}

	byDimension := make(map[models.Dimension][]float64)
	for _, row := range rows {
		if models.IsUsableValue(row.Value) {
			byDimension[row.Dimension] = append(byDimension[row.Dimension], row.Value)
		}
	}

	type bounds struct {
		lower, upper float64
		ok           bool
	}
	dimensionBounds := make(map[models.Dimension]bounds, len(byDimension))
	for dimension, values := range byDimension {
		lower, upper, ok := outlierBounds(values, s.config.CurrentAlpha)
		dimensionBounds[dimension] = bounds{lower: lower, upper: upper, ok: ok}
	}

	threshold := s.now().Add(-s.config.CurrentWindow)

	points := make([]DataPoint, 0, len(rows))
	for _, row := range rows {
		point := DataPoint{
			Device:    row.Device,
			Time:      row.TimeMeasured,
			Dimension: row.Dimension,
		}

		b := dimensionBounds[row.Dimension]
		usable := models.IsUsableValue(row.Value) &&
			!row.TimeMeasured.Before(threshold) &&
			b.ok && row.Value >= b.lower && row.Value <= b.upper

		if usable {
			v := row.Value
			point.Value = &v
		}

		points = append(points, point)
	}

	return points, nil
}

// GroupByDeviceTime folds a flat point stream into nested (device, time)
// groups for structured output. Input order is preserved.
func GroupByDeviceTime(points []DataPoint) []GroupedPoint {
	var grouped []GroupedPoint
	for _, point := range points {
		n := len(grouped)
		if n == 0 || grouped[n-1].Device != point.Device || !grouped[n-1].Time.Equal(point.Time) {
			grouped = append(grouped, GroupedPoint{Device: point.Device, Time: point.Time})
			n++
		}
		grouped[n-1].Values = append(grouped[n-1].Values, DimensionValue{
			Dimension: point.Dimension,
			Value:     point.Value,
		})
	}
	return grouped
}

// CityCurrentAverage aggregates the last hour of a city's values per
// dimension with a two-sided percentile trim. Dimensions whose trimmed set is
// empty are omitted instead of reporting a mean of nothing.
func (s *AggregationService) CityCurrentAverage(ctx context.Context, slug string) ([]CityDimensionAverage, error) {
	timer := time.Now()
	defer func() {
		s.metrics.QueryDuration.WithLabelValues("city_average").Observe(time.Since(timer).Seconds())
	}()

	exists, err := s.repo.CityExists(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("city lookup failed: %w", err)
	}
	if !exists {
		return nil, &repository.NotFoundError{Resource: "city", ID: slug}
	}

	since := s.now().Add(-time.Hour)
	rows, err := s.repo.CityLastHourValues(ctx, slug, since)
	if err != nil {
		return nil, fmt.Errorf("city values query failed: %w", err)
	}

	type accumulator struct {
		values   []float64
		stations map[int64]struct{}
	}
	perDimension := make(map[models.Dimension]*accumulator)
	var order []models.Dimension

	for _, row := range rows {
		if !models.IsUsableValue(row.Value) {
			continue
		}
		acc, ok := perDimension[row.Dimension]
		if !ok {
			acc = &accumulator{stations: make(map[int64]struct{})}
			perDimension[row.Dimension] = acc
			order = append(order, row.Dimension)
		}
		acc.values = append(acc.values, row.Value)
		acc.stations[row.StationID] = struct{}{}
	}

	averages := make([]CityDimensionAverage, 0, len(order))
	for _, dimension := range order {
		acc := perDimension[dimension]

		mean, _, ok := trimmedMean(acc.values, s.config.CityAlpha)
		if !ok {
			continue
		}

		averages = append(averages, CityDimensionAverage{
			Dimension:    dimension,
			Name:         dimension.Name(),
			Unit:         dimension.Unit(),
			Value:        mean,
			ValueCount:   len(acc.values),
			StationCount: len(acc.stations),
		})
	}

	return averages, nil
}

// TopNByDimension ranks stations by their current value for one dimension,
// restricted to the dimension's plausibility band.
func (s *AggregationService) TopNByDimension(ctx context.Context, n int, dimension models.Dimension, descending bool) ([]TopNEntry, error) {
	if !dimension.Valid() {
		return nil, &models.ValidationError{
			Field:   "dimension",
			Value:   fmt.Sprintf("%d", dimension),
			Message: "unknown dimension",
		}
	}
	if n <= 0 {
		return nil, &models.ValidationError{Field: "n", Message: "n must be positive"}
	}

	band, ok := s.config.PlausibilityBands[dimension]
	if !ok {
		// Dimensions without a configured band accept any finite value.
		band = models.PlausibilityBand{Min: -1e12, Max: 1e12}
	}

	rows, err := s.repo.TopNCurrent(ctx, dimension, band, descending, n)
	if err != nil {
		return nil, fmt.Errorf("top-n query failed: %w", err)
	}

	entries := make([]TopNEntry, 0, len(rows))
	for _, row := range rows {
		if !models.IsUsableValue(row.Value) {
			continue
		}
		entries = append(entries, TopNEntry{
			Device: row.Device,
			Time:   row.TimeMeasured,
			Value:  row.Value,
		})
	}

	return entries, nil
}
