package model

import (
	"fmt"
	"math"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/aqi"
)

// SourceType identifies where a reading came from
type SourceType string

const (
	SourceSensor     SourceType = "sensor"
	SourceAPI        SourceType = "api"
	SourceUserDevice SourceType = "user_device"
	SourceCommunity  SourceType = "community"
)

// Valid reports whether s is a known source type
func (s SourceType) Valid() bool {
	switch s {
	case SourceSensor, SourceAPI, SourceUserDevice, SourceCommunity:
		return true
	}
	return false
}

// Reading is one environmental measurement. It is immutable once stored.
type Reading struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	LocationName string    `json:"location_name,omitempty"`

	// Pollutants: µg/m³ for particulates, ppm for CO2/CO, ppb for NO2/O3/SO2
	PM25 *float64 `json:"pm25,omitempty"`
	PM10 *float64 `json:"pm10,omitempty"`
	CO2  *float64 `json:"co2,omitempty"`
	CO   *float64 `json:"co,omitempty"`
	NO2  *float64 `json:"no2,omitempty"`
	O3   *float64 `json:"o3,omitempty"`
	SO2  *float64 `json:"so2,omitempty"`

	// Environment: °C, %, hPa
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`

	AQI         int          `json:"aqi"`
	AQICategory aqi.Category `json:"aqi_category"`

	SourceType       SourceType `json:"source_type"`
	DeviceID         string     `json:"device_id,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	IsOutdoor        bool       `json:"is_outdoor"`
	ReliabilityScore float64    `json:"reliability_score"`
	ReceivedAt       time.Time  `json:"received_at"`
}

// Identity is the logical key of a reading
type Identity struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
}

// String renders the identity in a stable form usable as a map or lock key
func (id Identity) String() string {
	return fmt.Sprintf("%d|%.7f|%.7f", id.Timestamp.UnixMicro(), id.Latitude, id.Longitude)
}

// Identity returns the (timestamp, latitude, longitude) key of the reading
func (r *Reading) Identity() Identity {
	return Identity{Timestamp: r.Timestamp, Latitude: r.Latitude, Longitude: r.Longitude}
}

// NormalizeTime converts to UTC and truncates to microseconds so that every
// backend compares identities at the same precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Validate checks the fields required for storage
func (r *Reading) Validate() error {
	if r.Timestamp.IsZero() {
		return NewValidationError("timestamp", "is required")
	}
	if err := ValidateCoordinates(r.Latitude, r.Longitude); err != nil {
		return err
	}
	if r.SourceType != "" && !r.SourceType.Valid() {
		return NewValidationError("source_type", fmt.Sprintf("unknown value %q", r.SourceType))
	}
	if math.IsNaN(r.ReliabilityScore) || r.ReliabilityScore < 0 || r.ReliabilityScore > 1 {
		return NewValidationError("reliability_score", "must be within [0, 1]")
	}
	return nil
}

// ValidateCoordinates checks latitude ∈ [-90,90] and longitude ∈ [-180,180]
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return NewValidationError("latitude", "must be within [-90, 90]")
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return NewValidationError("longitude", "must be within [-180, 180]")
	}
	return nil
}

// Field returns the value of a named numeric field, or nil when absent
func (r *Reading) Field(name string) *float64 {
	switch name {
	case FieldPM25:
		return r.PM25
	case FieldPM10:
		return r.PM10
	case FieldCO2:
		return r.CO2
	case FieldCO:
		return r.CO
	case FieldNO2:
		return r.NO2
	case FieldO3:
		return r.O3
	case FieldSO2:
		return r.SO2
	case FieldTemperature:
		return r.Temperature
	case FieldHumidity:
		return r.Humidity
	case FieldPressure:
		return r.Pressure
	case FieldAQI:
		v := float64(r.AQI)
		return &v
	default:
		return nil
	}
}

// Numeric field names shared by rollups, alerts and the API
const (
	FieldPM25        = "pm25"
	FieldPM10        = "pm10"
	FieldCO2         = "co2"
	FieldCO          = "co"
	FieldNO2         = "no2"
	FieldO3          = "o3"
	FieldSO2         = "so2"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldPressure    = "pressure"
	FieldAQI         = "aqi"
)

// AggregatedFields lists every field a rollup summarizes
var AggregatedFields = []string{
	FieldPM25, FieldPM10, FieldCO2, FieldCO, FieldNO2, FieldO3, FieldSO2,
	FieldTemperature, FieldHumidity, FieldPressure, FieldAQI,
}

// NearbyReading is a reading with its distance from a query point
type NearbyReading struct {
	Reading    Reading `json:"reading"`
	DistanceKm float64 `json:"distance_km"`
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
