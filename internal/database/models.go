package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/aqi"
	"github.com/arsenis-cmd/AirAware/internal/model"
)

// readingColumns is the column order shared by insert, select and scan
const readingColumns = `id, ts, latitude, longitude, location_name,
	pm25, pm10, co2, co, no2, o3, so2,
	temperature, humidity, pressure,
	aqi, aqi_category, source_type, device_id, user_id,
	is_outdoor, reliability_score, received_at`

const readingColumnCount = 23

type rowScanner interface {
	Scan(dest ...any) error
}

func readingArgs(r *model.Reading) []any {
	return []any{
		r.ID, r.Timestamp, r.Latitude, r.Longitude, nullString(r.LocationName),
		r.PM25, r.PM10, r.CO2, r.CO, r.NO2, r.O3, r.SO2,
		r.Temperature, r.Humidity, r.Pressure,
		r.AQI, string(r.AQICategory), string(r.SourceType), nullString(r.DeviceID), nullString(r.UserID),
		r.IsOutdoor, r.ReliabilityScore, nullTime(r.ReceivedAt),
	}
}

func scanReading(row rowScanner) (model.Reading, error) {
	var (
		r                              model.Reading
		locationName, deviceID, userID sql.NullString
		category, source               string
		receivedAt                     sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.Timestamp, &r.Latitude, &r.Longitude, &locationName,
		&r.PM25, &r.PM10, &r.CO2, &r.CO, &r.NO2, &r.O3, &r.SO2,
		&r.Temperature, &r.Humidity, &r.Pressure,
		&r.AQI, &category, &source, &deviceID, &userID,
		&r.IsOutdoor, &r.ReliabilityScore, &receivedAt,
	)
	if err != nil {
		return r, err
	}

	r.Timestamp = r.Timestamp.UTC()
	r.LocationName = locationName.String
	r.AQICategory = aqi.Category(category)
	r.SourceType = model.SourceType(source)
	r.DeviceID = deviceID.String
	r.UserID = userID.String
	if receivedAt.Valid {
		r.ReceivedAt = receivedAt.Time.UTC()
	}
	return r, nil
}

// rollupRow is the persisted shape of a rollup; per-field stats live in JSONB
type rollupRow struct {
	BucketStart time.Time
	Latitude    float64
	Longitude   float64
	Count       int
	Fields      []byte
	ComputedAt  time.Time
}

func scanRollup(row rowScanner, width model.BucketWidth) (model.Rollup, error) {
	var rr rollupRow
	if err := row.Scan(&rr.BucketStart, &rr.Latitude, &rr.Longitude, &rr.Count, &rr.Fields, &rr.ComputedAt); err != nil {
		return model.Rollup{}, err
	}

	out := model.Rollup{
		Width:       width,
		BucketStart: rr.BucketStart.UTC(),
		Latitude:    rr.Latitude,
		Longitude:   rr.Longitude,
		Count:       rr.Count,
		ComputedAt:  rr.ComputedAt.UTC(),
	}
	if err := json.Unmarshal(rr.Fields, &out.Fields); err != nil {
		return out, eris.Wrap(err, "database: decode rollup fields")
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
