package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/exposure"
	"github.com/arsenis-cmd/AirAware/internal/ingest"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/query"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

type testEnv struct {
	readings *store.MemoryStore
	rollups  *store.MemoryRollupStore
	router   http.Handler
}

func newEnv(t *testing.T, limiter *ClientLimiter) *testEnv {
	t.Helper()
	readings := store.NewMemoryStore(0, "")
	rollups := store.NewMemoryRollupStore()
	srv := NewServer(Deps{
		Gateway:  ingest.NewGateway(readings),
		Query:    query.NewService(readings, rollups, query.NewRecentDevices(readings, time.Hour, 0), query.DefaultOptions()),
		Readings: readings,
		Limiter:  limiter,
	})
	return &testEnv{readings: readings, rollups: rollups, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func reading(ts time.Time, pm25 float64) map[string]any {
	return map[string]any{
		"timestamp": ts.Format(time.RFC3339),
		"latitude":  37.7749,
		"longitude": -122.4194,
		"pm25":      pm25,
		"device_id": "dev-1",
		"user_id":   "u1",
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, ServiceName, body["service"])
}

func TestSubmitAndCurrent(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/readings", reading(time.Now().Add(-time.Minute), 35.5))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored := decode[model.Reading](t, rec)
	assert.Equal(t, 101, stored.AQI)
	assert.Equal(t, "unhealthy_sensitive", string(stored.AQICategory))

	rec = env.do(t, "GET", "/api/v1/readings/current?lat=37.7749&lon=-122.4194&radius_km=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[model.NearbyReading](t, rec)
	assert.Equal(t, stored.ID, found.Reading.ID)

	rec = env.do(t, "GET", "/api/v1/readings/current?lat=38.2&lon=-122.4194&radius_km=0.001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)
}

func TestSubmitErrors(t *testing.T) {
	env := newEnv(t, nil)

	bad := reading(time.Now(), 10)
	delete(bad, "latitude")
	rec := env.do(t, "POST", "/api/v1/readings", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/api/v1/readings", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/readings/current?lat=abc&lon=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	env := newEnv(t, nil)
	now := time.Now().Add(-time.Minute)
	bad := reading(now, 10)
	bad["timestamp"] = "nope"

	rec := env.do(t, "POST", "/api/v1/readings/batch", []map[string]any{reading(now, 10), bad})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := decode[struct {
		Accepted int         `json:"accepted"`
		Results  []BatchItem `json:"results"`
	}](t, rec)
	assert.Equal(t, 1, body.Accepted)
	require.Len(t, body.Results, 2)
	assert.NotNil(t, body.Results[0].Reading)
	require.NotNil(t, body.Results[1].Error)
	assert.Equal(t, "validation", body.Results[1].Error.Kind)
}

func TestHistory(t *testing.T) {
	env := newEnv(t, nil)
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		rec := env.do(t, "POST", "/api/v1/readings", reading(now.Add(-time.Duration(i)*time.Hour), float64(i*10)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, "GET", "/api/v1/readings?device_id=dev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[query.History](t, rec)
	assert.Equal(t, model.WidthRaw, h.Width)
	assert.Len(t, h.Readings, 3)

	rec = env.do(t, "GET", "/api/v1/readings?device_id=dev-1&limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h = decode[query.History](t, rec)
	require.Len(t, h.Readings, 1)
	assert.InDelta(t, 30.0, *h.Readings[0].PM25, 1e-9)

	rec = env.do(t, "GET", "/api/v1/readings?device_id=dev-1&offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/readings?device_id=dev-1&bucket=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/readings?bucket=weekly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/readings?device_id=dev-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	from := now.Add(time.Hour).Format(time.RFC3339)
	rec = env.do(t, "GET", "/api/v1/readings?from="+from, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapGeoJSON(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/readings", reading(time.Now().Add(-time.Minute), 35.5))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, "GET", "/api/v1/map?bbox=-123,37,-122,38", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.Equal(t, []float64{-122.4194, 37.7749}, fc.Features[0].Geometry.Coordinates)
	assert.Equal(t, 101.0, fc.Features[0].Properties["avg_aqi"])
	assert.Equal(t, 35.5, fc.Features[0].Properties["avg_pm25"])

	rec = env.do(t, "GET", "/api/v1/map", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAQIEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	tests := []struct {
		pm25     string
		aqi      float64
		category string
	}{
		{"12.0", 50, "good"},
		{"12.1", 51, "moderate"},
		{"35.5", 101, "unhealthy_sensitive"},
		{"600", 500, "hazardous"},
	}
	for _, tt := range tests {
		rec := env.do(t, "GET", "/api/v1/aqi?pm25="+tt.pm25, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, tt.aqi, body["aqi"], tt.pm25)
		assert.Equal(t, tt.category, body["category"], tt.pm25)
	}

	rec := env.do(t, "GET", "/api/v1/aqi", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExposureEndpoints(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/exposure", ExposureRequest{
		AQIHistory:      []int{100, 100},
		DurationMinutes: []int{60, 60},
		ActivityLevels:  []string{"light", "light"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, 12000.0, body["weighted_exposure"])
	assert.Equal(t, "high", body["risk_level"])

	rec = env.do(t, "POST", "/api/v1/exposure", ExposureRequest{AQIHistory: []int{1}, DurationMinutes: []int{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now().UTC()
	for _, ago := range []time.Duration{90 * time.Minute, 30 * time.Minute} {
		rec := env.do(t, "POST", "/api/v1/readings", reading(now.Add(-ago), 12))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = env.do(t, "GET", "/api/v1/users/u1/exposure?activity=resting", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode[map[string]any](t, rec)
	assert.Equal(t, 2.0, body["segments"])

	rec = env.do(t, "GET", "/api/v1/users/nobody/exposure", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthRiskEndpoint(t *testing.T) {
	env := newEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/health-risk", map[string]any{
		"air_quality":       map[string]any{"aqi": 150, "pm25": 55},
		"health_profile":    map[string]any{"age": 30, "has_asthma": true},
		"intended_activity": "moderate_exercise",
		"duration_minutes":  45,
		"location_type":     "outdoor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[exposure.RiskAssessment](t, rec)
	assert.InDelta(t, 81.0, body.RiskScore, 1e-9)
	assert.Equal(t, "very_high", body.RiskLevel)
	assert.True(t, body.RequiresMask)
	assert.Equal(t, 15, body.SafeActivityMinutes)

	rec = env.do(t, "POST", "/api/v1/readings", reading(time.Now().Add(-time.Minute), 35.5))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, "POST", "/api/v1/health-risk", map[string]any{
		"latitude":          37.7749,
		"longitude":         -122.4194,
		"intended_activity": "resting",
		"health_profile":    map[string]any{"age": 30},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode[exposure.RiskAssessment](t, rec)
	assert.Equal(t, 101, body.AQI)
	assert.Equal(t, "unhealthy_sensitive", string(body.AQICategory))
	assert.InDelta(t, 20.2, body.RiskScore, 1e-9)

	rec = env.do(t, "POST", "/api/v1/health-risk", map[string]any{
		"latitude": 0.0, "longitude": 0.0, "intended_activity": "resting",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/v1/health-risk", map[string]any{"latitude": 1.0, "intended_activity": "resting"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/health-risk", map[string]any{"intended_activity": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNearbyDevicesEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, "POST", "/api/v1/readings", reading(time.Now().Add(-time.Minute), 10))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, "GET", "/api/v1/devices/nearby?lat=37.7749&lon=-122.4194&radius_km=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode[map[string]any](t, rec)["count"])

	rec = env.do(t, "GET", "/api/v1/readings/nearby?lat=37.7749&lon=-122.4194", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode[map[string]any](t, rec)["count"])
}

func TestRateLimit(t *testing.T) {
	limiter := NewClientLimiter(1, 2)
	env := newEnv(t, limiter)
	now := time.Now().Add(-time.Minute)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body := reading(now.Add(time.Duration(i)*time.Second), 10)
		codes = append(codes, env.do(t, "POST", "/api/v1/readings", body).Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	// Reads are never limited
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health", nil).Code)
}

func TestClientLimiter_Prune(t *testing.T) {
	l := NewClientLimiter(1, 1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	now = now.Add(11 * time.Minute)
	l.Allow("10.0.0.9")
	assert.Equal(t, 3, l.Prune())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{model.NewValidationError("x", "bad"), http.StatusBadRequest},
		{&model.NotFoundError{What: "x"}, http.StatusNotFound},
		{&model.ConflictError{Key: "k"}, http.StatusConflict},
		{model.NewTransientStoreError("op", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
