package protocol

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"identify","device_id":"dev-1","latitude":37.7,"longitude":-122.4}`))
	require.NoError(t, err)
	id, ok := msg.(*IdentifyMessage)
	require.True(t, ok)
	assert.Equal(t, "dev-1", id.DeviceID)
	require.NotNil(t, id.Latitude)
	assert.Equal(t, 37.7, *id.Latitude)

	msg, err = ParseMessage([]byte(`{"type":"reading","data":{"timestamp":"2026-01-02T03:04:05Z","pm25":12.5}}`))
	require.NoError(t, err)
	reading, ok := msg.(*ReadingMessage)
	require.True(t, ok)
	require.NotNil(t, reading.Data.PM25)
	assert.Equal(t, 12.5, *reading.Data.PM25)

	msg, err = ParseMessage([]byte(`{"type":"keepalive"}`))
	require.NoError(t, err)
	assert.IsType(t, &KeepaliveMessage{}, msg)
}

func TestParseMessageRejects(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"type":"metrics"}`,
		`{"type":"identify"}`,
		`{"type":"identify","device_id":"dev-1","latitude":37.7}`,
	} {
		_, err := ParseMessage([]byte(line))
		assert.True(t, model.IsValidation(err), line)
	}
}

func TestApplyIdentity(t *testing.T) {
	lat, lon := 37.7749, -122.4194
	id := &IdentifyMessage{DeviceID: "dev-1", UserID: "u-1", LocationName: "roof", Latitude: &lat, Longitude: &lon}

	var p ReadingPayload
	p.ApplyIdentity(id)
	assert.Equal(t, "dev-1", p.DeviceID)
	assert.Equal(t, "u-1", p.UserID)
	assert.Equal(t, "roof", p.LocationName)
	assert.Equal(t, &lat, p.Latitude)

	// Values carried by the reading win
	otherLat, otherLon := 1.0, 2.0
	p = ReadingPayload{DeviceID: "dev-2", Latitude: &otherLat, Longitude: &otherLon}
	p.ApplyIdentity(id)
	assert.Equal(t, "dev-2", p.DeviceID)
	assert.Equal(t, 1.0, *p.Latitude)

	p.ApplyIdentity(nil)
	assert.Equal(t, "dev-2", p.DeviceID)
}

func TestToReadingDefaults(t *testing.T) {
	lat, lon, pm := 37.7749, -122.4194, 35.5
	p := ReadingPayload{Timestamp: "2026-01-02T03:04:05.1234567+02:00", Latitude: &lat, Longitude: &lon, PM25: &pm}

	r, err := p.ToReading()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 1, 4, 5, 123456000, time.UTC), r.Timestamp)
	assert.Equal(t, model.SourceSensor, r.SourceType)
	assert.True(t, r.IsOutdoor)
	assert.Equal(t, 1.0, r.ReliabilityScore)
}

func TestToReadingValidation(t *testing.T) {
	lat, lon, badLat := 37.7, -122.4, 91.0
	nan := func() *float64 { v := math.NaN(); return &v }

	tests := []struct {
		name  string
		p     ReadingPayload
		field string
	}{
		{"missing timestamp", ReadingPayload{Latitude: &lat, Longitude: &lon}, "timestamp"},
		{"bad timestamp", ReadingPayload{Timestamp: "yesterday", Latitude: &lat, Longitude: &lon}, "timestamp"},
		{"missing location", ReadingPayload{Timestamp: "2026-01-02T03:04:05Z"}, "location"},
		{"latitude range", ReadingPayload{Timestamp: "2026-01-02T03:04:05Z", Latitude: &badLat, Longitude: &lon}, "latitude"},
		{"nan pollutant", ReadingPayload{Timestamp: "2026-01-02T03:04:05Z", Latitude: &lat, Longitude: &lon, PM10: nan()}, "pm10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.ToReading()
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPayloadFromReading(t *testing.T) {
	r := model.Reading{
		Timestamp:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Latitude:         10,
		Longitude:        20,
		PM25:             model.Float(8),
		SourceType:       model.SourceSensor,
		DeviceID:         "dev-1",
		IsOutdoor:        false,
		ReliabilityScore: 0.5,
	}
	p := PayloadFromReading(&r)
	back, err := p.ToReading()
	require.NoError(t, err)
	assert.Equal(t, r.Timestamp, back.Timestamp)
	assert.False(t, back.IsOutdoor)
	assert.Equal(t, 0.5, back.ReliabilityScore)
	assert.Equal(t, "dev-1", back.DeviceID)
}

func TestDecodeEventsRejectGarbage(t *testing.T) {
	_, err := DecodeSubmission([]byte("{"))
	assert.True(t, model.IsValidation(err))
	_, err = DecodeReadingEvent([]byte("{"))
	assert.True(t, model.IsValidation(err))
	_, err = DecodeAlertEvent([]byte("{"))
	assert.True(t, model.IsValidation(err))
}
