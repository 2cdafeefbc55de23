package models

import (
	"encoding/json"
	"math"
	"time"
)

// SentinelValue marks a reading the sensor could not produce. Values equal to
// the sentinel are excluded from every aggregate, like NaN.
const SentinelValue = -9999

// IsUsableValue reports whether v may enter an aggregate computation.
func IsUsableValue(v float64) bool {
	return v != SentinelValue && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Country is a shared reference entity; not owned by any station.
type Country struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Code string `json:"code" db:"code"`
}

// City belongs to a Country and is referenced by Locations.
type City struct {
	ID        int64  `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Slug      string `json:"slug" db:"slug"`
	CountryID int64  `json:"country_id" db:"country_id"`
}

// Location is a physical point identified by (lat, lon, height). Rows are
// shared across stations and measurements reporting the same point and are
// created lazily on first use.
type Location struct {
	ID        int64   `json:"id" db:"id"`
	Lat       float64 `json:"lat" db:"lat"`
	Lon       float64 `json:"lon" db:"lon"`
	Height    float64 `json:"height" db:"height"`
	CityID    *int64  `json:"city_id,omitempty" db:"city_id"`
	CountryID *int64  `json:"country_id,omitempty" db:"country_id"`
}

// SamePoint reports whether the location matches the given coordinates.
func (l *Location) SamePoint(lat, lon, height float64) bool {
	return l.Lat == lat && l.Lon == lon && l.Height == height
}

// Station is a registered measurement device. Unique on Device. LastActive is
// monotonic: it only ever advances to the max time_measured seen so far.
type Station struct {
	ID         int64      `json:"id" db:"id"`
	Device     string     `json:"device" db:"device"`
	Firmware   *string    `json:"firmware,omitempty" db:"firmware"`
	APIKey     *string    `json:"-" db:"apikey"`
	LocationID int64      `json:"location_id" db:"location_id"`
	LastActive *time.Time `json:"last_active,omitempty" db:"last_active"`
	Source     Source     `json:"source" db:"source"`
}

// Measurement groups the values one sensor reported at one instant. At most
// one row may exist per (station_id, time_measured, sensor_model).
type Measurement struct {
	ID           int64       `json:"id" db:"id"`
	StationID    int64       `json:"station_id" db:"station_id"`
	LocationID   int64       `json:"location_id" db:"location_id"`
	SensorModel  SensorModel `json:"sensor_model" db:"sensor_model"`
	TimeMeasured time.Time   `json:"time_measured" db:"time_measured"`
	TimeReceived time.Time   `json:"time_received" db:"time_received"`
}

// Value is a single (dimension, value) reading. Exactly one of MeasurementID
// and CalibrationMeasurementID is set.
type Value struct {
	ID                       int64     `json:"id" db:"id"`
	Dimension                Dimension `json:"dimension" db:"dimension"`
	Value                    float64   `json:"value" db:"value"`
	MeasurementID            *int64    `json:"measurement_id,omitempty" db:"measurement_id"`
	CalibrationMeasurementID *int64    `json:"calibration_measurement_id,omitempty" db:"calibration_measurement_id"`
}

// StationStatus is an append-only log entry for a station; never updated.
type StationStatus struct {
	ID        int64       `json:"id" db:"id"`
	StationID int64       `json:"station_id" db:"station_id"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
	Level     StatusLevel `json:"level" db:"level"`
	Message   string      `json:"message" db:"message"`
}

// HourlyAverage is a derived per-station, per-dimension hourly mean. Fully
// regenerable from measurements and values; treated as a cache.
type HourlyAverage struct {
	ID        int64     `json:"id" db:"id"`
	StationID int64     `json:"station_id" db:"station_id"`
	Dimension Dimension `json:"dimension" db:"dimension"`
	AvgValue  float64   `json:"avg_value" db:"avg_value"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Summary is a named precomputed aggregate snapshot. Payload is the serialized
// result; LastRefresh stamps when it was computed.
type Summary struct {
	Name        string          `json:"name" db:"name"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	LastRefresh time.Time       `json:"last_refresh" db:"last_refresh"`
}

// PlausibilityBand is the closed interval a dimension's current values must
// fall in to be considered physically plausible.
type PlausibilityBand struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the band.
func (b PlausibilityBand) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// DefaultPlausibilityBands is the static per-dimension plausibility lookup
// used by top-N queries. Overridable through configuration.
func DefaultPlausibilityBands() map[Dimension]PlausibilityBand {
	return map[Dimension]PlausibilityBand{
		DimensionPM01:        {Min: 0, Max: 1000},
		DimensionPM1:         {Min: 0, Max: 1000},
		DimensionPM25:        {Min: 0, Max: 1000},
		DimensionPM4:         {Min: 0, Max: 1000},
		DimensionPM10:        {Min: 0, Max: 2000},
		DimensionHumidity:    {Min: 0, Max: 100},
		DimensionTemperature: {Min: -60, Max: 70},
		DimensionPressure:    {Min: 850, Max: 1100},
		DimensionCO2:         {Min: 250, Max: 10000},
		DimensionO3:          {Min: 0, Max: 1000},
		DimensionAQI:         {Min: 0, Max: 500},
		DimensionNO2:         {Min: 0, Max: 1000},
		DimensionTVOC:        {Min: 0, Max: 10000},
	}
}
