package alarming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

func TestQuietHours(t *testing.T) {
	night, err := ParseQuietHours("22:00", "07:00", "")
	require.NoError(t, err)
	day, err := ParseQuietHours("12:00", "13:30", "UTC")
	require.NoError(t, err)
	empty, err := ParseQuietHours("08:00", "08:00", "")
	require.NoError(t, err)

	at := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, night.Contains(at(23, 0)))
	assert.True(t, night.Contains(at(0, 0)))
	assert.True(t, night.Contains(at(6, 59)))
	assert.False(t, night.Contains(at(7, 0)))
	assert.False(t, night.Contains(at(21, 59)))

	assert.True(t, day.Contains(at(12, 0)))
	assert.True(t, day.Contains(at(13, 29)))
	assert.False(t, day.Contains(at(13, 30)))

	assert.False(t, empty.Contains(at(8, 0)))

	var none *QuietHours
	assert.False(t, none.Contains(at(23, 0)))
}

func TestQuietHours_TimeZone(t *testing.T) {
	q, err := ParseQuietHours("22:00", "07:00", "America/New_York")
	require.NoError(t, err)
	// 03:00 UTC is 23:00 the previous evening in New York (EDT)
	assert.True(t, q.Contains(time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)))
}

func TestParseQuietHours_Invalid(t *testing.T) {
	for _, tc := range [][3]string{
		{"24:00", "07:00", ""},
		{"22:00", "7", ""},
		{"22:60", "07:00", ""},
		{"22:00", "07:00", "Mars/Olympus"},
	} {
		_, err := ParseQuietHours(tc[0], tc[1], tc[2])
		assert.True(t, model.IsValidation(err), "%v", tc)
	}
}

func TestUserThresholds_Limits(t *testing.T) {
	u := UserThresholds{AQIWarning: model.Float(100), AQIDanger: model.Float(200)}
	l, ok := u.Limits(model.FieldAQI)
	require.True(t, ok)
	assert.Equal(t, 100.0, l.Warning)
	assert.Equal(t, 200.0, *l.Danger)

	_, ok = u.Limits(model.FieldPM25)
	assert.False(t, ok)
	_, ok = u.Limits(model.FieldCO)
	assert.False(t, ok)
}

func TestRedisThresholds(t *testing.T) {
	_, client := newRedis(t)
	src := NewRedisThresholds(client)
	ctx := context.Background()

	_, ok, err := src.Thresholds(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, src.SetThresholds(ctx, "u1", map[string]string{
		"aqi_warning":  "150",
		"aqi_danger":   "200",
		"pm25_warning": "35.4",
		"quiet_start":  "22:00",
		"quiet_end":    "07:00",
		"timezone":     "UTC",
	}))

	got, ok, err := src.Thresholds(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 150.0, *got.AQIWarning)
	assert.Equal(t, 200.0, *got.AQIDanger)
	assert.Equal(t, 35.4, *got.PM25Warning)
	require.NotNil(t, got.QuietHours)
	assert.Equal(t, 22*60, got.QuietHours.StartMinute)

	require.NoError(t, src.SetThresholds(ctx, "u2", map[string]string{"aqi_warning": "lots"}))
	_, _, err = src.Thresholds(ctx, "u2")
	assert.Error(t, err)
}

func TestRedisRecipient(t *testing.T) {
	_, client := newRedis(t)
	src := NewRedisThresholds(client)
	ctx := context.Background()

	_, ok, err := src.Recipient(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, src.SetThresholds(ctx, "u1", map[string]string{"email": "u1@example.com"}))
	addr, ok, err := src.Recipient(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1@example.com", addr)
}

type countingSource struct {
	calls int
	StaticThresholds
}

func (c *countingSource) Thresholds(ctx context.Context, userID string) (UserThresholds, bool, error) {
	c.calls++
	return c.StaticThresholds.Thresholds(ctx, userID)
}

func TestCachedThresholds(t *testing.T) {
	src := &countingSource{StaticThresholds: StaticThresholds{"u1": {AQIWarning: model.Float(120)}}}
	c := NewCachedThresholds(src, time.Minute)
	now := t0
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, ok, err := c.Thresholds(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 120.0, *got.AQIWarning)
	}
	assert.Equal(t, 1, src.calls)

	_, ok, err := c.Thresholds(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, src.calls)

	now = now.Add(time.Minute)
	_, _, err = c.Thresholds(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}
