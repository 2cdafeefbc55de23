package models

import (
	"fmt"
	"time"
)

// Dimension identifies a measured physical quantity.
type Dimension int

const (
	DimensionPM01 Dimension = iota + 1
	DimensionPM1
	DimensionPM25
	DimensionPM4
	DimensionPM10
	DimensionHumidity
	DimensionTemperature
	DimensionVOCIndex
	DimensionNOxIndex
	DimensionPressure
	DimensionCO2
	DimensionO3
	DimensionAQI
	DimensionGasResistance
	DimensionTVOC
	DimensionNO2
	DimensionSGP40RawGas
	DimensionSGP40AdjustedGas
)

var dimensionNames = map[Dimension]string{
	DimensionPM01:             "PM0.1",
	DimensionPM1:              "PM1.0",
	DimensionPM25:             "PM2.5",
	DimensionPM4:              "PM4.0",
	DimensionPM10:             "PM10.0",
	DimensionHumidity:         "Humidity",
	DimensionTemperature:      "Temperature",
	DimensionVOCIndex:         "VOC Index",
	DimensionNOxIndex:         "NOx Index",
	DimensionPressure:         "Pressure",
	DimensionCO2:              "CO2",
	DimensionO3:               "Ozone (O3)",
	DimensionAQI:              "Air Quality Index (AQI)",
	DimensionGasResistance:    "Gas Resistance",
	DimensionTVOC:             "Total VOC",
	DimensionNO2:              "Nitrogen Dioxide (NO2)",
	DimensionSGP40RawGas:      "SGP40 Raw Gas",
	DimensionSGP40AdjustedGas: "SGP40 Adjusted Gas",
}

var dimensionUnits = map[Dimension]string{
	DimensionPM01:             "µg/m³",
	DimensionPM1:              "µg/m³",
	DimensionPM25:             "µg/m³",
	DimensionPM4:              "µg/m³",
	DimensionPM10:             "µg/m³",
	DimensionHumidity:         "%",
	DimensionTemperature:      "°C",
	DimensionVOCIndex:         "Index",
	DimensionNOxIndex:         "Index",
	DimensionPressure:         "hPa",
	DimensionCO2:              "ppm",
	DimensionO3:               "ppb",
	DimensionAQI:              "Index",
	DimensionGasResistance:    "Ω",
	DimensionTVOC:             "ppb",
	DimensionNO2:              "ppb",
	DimensionSGP40RawGas:      "Ω",
	DimensionSGP40AdjustedGas: "Ω",
}

// Name returns the display name of the dimension, or "Unknown".
func (d Dimension) Name() string {
	if name, ok := dimensionNames[d]; ok {
		return name
	}
	return "Unknown"
}

// Unit returns the measurement unit of the dimension, or "Unknown".
func (d Dimension) Unit() string {
	if unit, ok := dimensionUnits[d]; ok {
		return unit
	}
	return "Unknown"
}

// Valid reports whether the dimension is a known enum value.
func (d Dimension) Valid() bool {
	_, ok := dimensionNames[d]
	return ok
}

// SensorModel identifies the hardware sensor type that produced a measurement.
type SensorModel int

const (
	SensorSEN5X SensorModel = iota + 1
	SensorBMP280
	SensorBME280
	SensorBME680
	SensorSCD4X
	SensorAHT20
	SensorSHT30
	SensorSHT31
	SensorAGS02MA
	SensorSHT4X
	SensorSGP40
)

var sensorModelNames = map[SensorModel]string{
	SensorSEN5X:   "SEN5X",
	SensorBMP280:  "BMP280",
	SensorBME280:  "BME280",
	SensorBME680:  "BME680",
	SensorSCD4X:   "SCD4X",
	SensorAHT20:   "AHT20",
	SensorSHT30:   "SHT30",
	SensorSHT31:   "SHT31",
	SensorAGS02MA: "AGS02MA",
	SensorSHT4X:   "SHT4X",
	SensorSGP40:   "SGP40",
}

// Name returns the sensor model name, or "Unknown Sensor".
func (m SensorModel) Name() string {
	if name, ok := sensorModelNames[m]; ok {
		return name
	}
	return "Unknown Sensor"
}

// Source identifies where a station's data originates.
type Source int

const (
	// SourceFirstParty is data submitted directly by our own devices.
	SourceFirstParty Source = 1
	// SourceLoRaWAN is data relayed through a LoRaWAN gateway.
	SourceLoRaWAN Source = 2
	// SourceAggregator is data reconciled from the third-party aggregator feed.
	SourceAggregator Source = 3
)

var sourceNames = map[Source]string{
	SourceFirstParty: "first-party",
	SourceLoRaWAN:    "lorawan-gateway",
	SourceAggregator: "third-party-aggregator",
}

// Name returns the source name, or "unknown".
func (s Source) Name() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// Sources lists all known sources in enum order.
func Sources() []Source {
	return []Source{SourceFirstParty, SourceLoRaWAN, SourceAggregator}
}

// Precision is the time-bucketing granularity for aggregation queries.
type Precision int

const (
	PrecisionExact Precision = iota
	PrecisionHour
	PrecisionDay
	PrecisionWeek
	PrecisionMonth
	PrecisionYear
)

var precisionNames = map[Precision]string{
	PrecisionExact: "exact",
	PrecisionHour:  "hour",
	PrecisionDay:   "day",
	PrecisionWeek:  "week",
	PrecisionMonth: "month",
	PrecisionYear:  "year",
}

// String returns the precision name used in queries and config.
func (p Precision) String() string {
	if name, ok := precisionNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePrecision converts a precision name into its enum value.
func ParsePrecision(s string) (Precision, error) {
	for p, name := range precisionNames {
		if name == s {
			return p, nil
		}
	}
	return PrecisionExact, fmt.Errorf("unknown precision %q", s)
}

// Truncate buckets t at the precision's granularity. PrecisionExact returns
// t unchanged; every raw measurement is its own bucket. Weeks start on Monday.
func (p Precision) Truncate(t time.Time) time.Time {
	switch p {
	case PrecisionHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case PrecisionDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case PrecisionWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PrecisionMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case PrecisionYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}

// StatusLevel is the severity of a station status log entry.
type StatusLevel int

const (
	StatusInfo StatusLevel = iota + 1
	StatusWarning
	StatusError
)
