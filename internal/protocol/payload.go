package protocol

import (
	"math"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// ReadingPayload is the wire form of a submitted reading, shared by the
// HTTP API, the TCP line protocol and the submission topic
type ReadingPayload struct {
	Timestamp    string   `json:"timestamp"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LocationName string   `json:"location_name,omitempty"`

	PM25 *float64 `json:"pm25,omitempty"`
	PM10 *float64 `json:"pm10,omitempty"`
	CO2  *float64 `json:"co2,omitempty"`
	CO   *float64 `json:"co,omitempty"`
	NO2  *float64 `json:"no2,omitempty"`
	O3   *float64 `json:"o3,omitempty"`
	SO2  *float64 `json:"so2,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`

	SourceType       string   `json:"source_type,omitempty"`
	DeviceID         string   `json:"device_id,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	IsOutdoor        *bool    `json:"is_outdoor,omitempty"`
	ReliabilityScore *float64 `json:"reliability_score,omitempty"`
}

// ToReading decodes the payload into a validated reading. Defaults: source
// sensor, outdoor, reliability 1.
func (p *ReadingPayload) ToReading() (model.Reading, error) {
	var r model.Reading

	if p.Timestamp == "" {
		return r, model.NewValidationError("timestamp", "is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return r, model.NewValidationError("timestamp", "must be RFC3339")
	}
	if p.Latitude == nil || p.Longitude == nil {
		return r, model.NewValidationError("location", "latitude and longitude are required")
	}

	r = model.Reading{
		Timestamp:        model.NormalizeTime(ts),
		Latitude:         *p.Latitude,
		Longitude:        *p.Longitude,
		LocationName:     p.LocationName,
		PM25:             p.PM25,
		PM10:             p.PM10,
		CO2:              p.CO2,
		CO:               p.CO,
		NO2:              p.NO2,
		O3:               p.O3,
		SO2:              p.SO2,
		Temperature:      p.Temperature,
		Humidity:         p.Humidity,
		Pressure:         p.Pressure,
		SourceType:       model.SourceType(p.SourceType),
		DeviceID:         p.DeviceID,
		UserID:           p.UserID,
		IsOutdoor:        true,
		ReliabilityScore: 1,
	}
	if r.SourceType == "" {
		r.SourceType = model.SourceSensor
	}
	if p.IsOutdoor != nil {
		r.IsOutdoor = *p.IsOutdoor
	}
	if p.ReliabilityScore != nil {
		r.ReliabilityScore = *p.ReliabilityScore
	}

	for name, v := range map[string]*float64{
		"pm25": r.PM25, "pm10": r.PM10, "co2": r.CO2, "co": r.CO, "no2": r.NO2, "o3": r.O3, "so2": r.SO2,
		"temperature": r.Temperature, "humidity": r.Humidity, "pressure": r.Pressure,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return r, model.NewValidationError(name, "must be a finite number")
		}
	}

	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// PayloadFromReading converts a stored reading back to its wire form
func PayloadFromReading(r *model.Reading) ReadingPayload {
	lat, lon := r.Latitude, r.Longitude
	outdoor, reliability := r.IsOutdoor, r.ReliabilityScore
	return ReadingPayload{
		Timestamp:        r.Timestamp.UTC().Format(time.RFC3339Nano),
		Latitude:         &lat,
		Longitude:        &lon,
		LocationName:     r.LocationName,
		PM25:             r.PM25,
		PM10:             r.PM10,
		CO2:              r.CO2,
		CO:               r.CO,
		NO2:              r.NO2,
		O3:               r.O3,
		SO2:              r.SO2,
		Temperature:      r.Temperature,
		Humidity:         r.Humidity,
		Pressure:         r.Pressure,
		SourceType:       string(r.SourceType),
		DeviceID:         r.DeviceID,
		UserID:           r.UserID,
		IsOutdoor:        &outdoor,
		ReliabilityScore: &reliability,
	}
}
