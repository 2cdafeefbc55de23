package models

import (
	"fmt"
	"time"
)

// SubmissionLocation is the physical point a submission reports from.
type SubmissionLocation struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Height float64 `json:"height"`
}

// StationSubmission is the station-identity half of an inbound submission,
// validated at the boundary before it reaches the ingestion engine.
type StationSubmission struct {
	Device   string             `json:"device"`
	Firmware *string            `json:"firmware,omitempty"`
	APIKey   *string            `json:"apikey,omitempty"`
	Location SubmissionLocation `json:"location"`
	Time     time.Time          `json:"time"`
	Source   *Source            `json:"source,omitempty"`
}

// SensorReading is one sensor's tagged payload: the hardware model that
// produced it plus its dimension-to-value mapping. Internal code never
// branches on untyped keys.
type SensorReading struct {
	SensorModel SensorModel           `json:"sensor_model"`
	Values      map[Dimension]float64 `json:"values"`
}

// SensorPayload maps a submitter-chosen sensor id to its reading.
type SensorPayload map[string]SensorReading

// Validate checks the submission for structural problems. Data-quality issues
// in individual values are not errors; they are filtered at aggregation time.
func (s *StationSubmission) Validate() error {
	if s.Device == "" {
		return &ValidationError{Field: "device", Message: "device identifier is required"}
	}
	if s.Time.IsZero() {
		return &ValidationError{Field: "time", Message: "measurement time is required"}
	}
	if s.Location.Lat < -90 || s.Location.Lat > 90 {
		return &ValidationError{
			Field:   "location.lat",
			Value:   fmt.Sprintf("%v", s.Location.Lat),
			Message: "latitude out of range",
		}
	}
	if s.Location.Lon < -180 || s.Location.Lon > 180 {
		return &ValidationError{
			Field:   "location.lon",
			Value:   fmt.Sprintf("%v", s.Location.Lon),
			Message: "longitude out of range",
		}
	}
	if s.Source != nil && s.Source.Name() == "unknown" {
		return &ValidationError{
			Field:   "source",
			Value:   fmt.Sprintf("%d", *s.Source),
			Message: "unknown source",
		}
	}
	return nil
}

// Validate checks every sensor reading for a known model and dimensions.
func (p SensorPayload) Validate() error {
	if len(p) == 0 {
		return &ValidationError{Field: "sensors", Message: "at least one sensor reading is required"}
	}
	for id, reading := range p {
		if reading.SensorModel.Name() == "Unknown Sensor" {
			return &ValidationError{
				Field:   "sensors." + id + ".sensor_model",
				Value:   fmt.Sprintf("%d", reading.SensorModel),
				Message: "unknown sensor model",
			}
		}
		if len(reading.Values) == 0 {
			return &ValidationError{Field: "sensors." + id + ".values", Message: "sensor reading has no values"}
		}
		for dim := range reading.Values {
			if !dim.Valid() {
				return &ValidationError{
					Field:   "sensors." + id + ".values",
					Value:   fmt.Sprintf("%d", dim),
					Message: "unknown dimension",
				}
			}
		}
	}
	return nil
}

// ValidationError represents a boundary validation failure.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
