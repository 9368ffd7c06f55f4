package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/alarming"
	"github.com/arsenis-cmd/AirAware/internal/aqi"
	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/query"
	"github.com/arsenis-cmd/AirAware/internal/resilience"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

const (
	sfLat = 37.7749
	sfLon = -122.4194
)

func payload(ts time.Time, pm25 float64) protocol.ReadingPayload {
	lat, lon := sfLat, sfLon
	return protocol.ReadingPayload{
		Timestamp: ts.Format(time.RFC3339Nano),
		Latitude:  &lat,
		Longitude: &lon,
		PM25:      &pm25,
	}
}

type dirtyRecorder struct {
	mu  sync.Mutex
	got []time.Time
}

func (d *dirtyRecorder) MarkDirty(ts time.Time) {
	d.mu.Lock()
	d.got = append(d.got, ts)
	d.mu.Unlock()
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*protocol.ReadingEvent
	err    error
}

func (s *sinkRecorder) PublishReading(_ context.Context, ev *protocol.ReadingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

type alertRecorder struct {
	events []*protocol.AlertEvent
}

func (a *alertRecorder) Notify(_ context.Context, ev *protocol.AlertEvent) error {
	a.events = append(a.events, ev)
	return nil
}

func TestSubmit_EndToEnd(t *testing.T) {
	readings := store.NewMemoryStore(store.DefaultChunkWidth, store.LastWriteWins)
	g := NewGateway(readings)
	svc := query.NewService(readings, store.NewMemoryRollupStore(), nil, query.DefaultOptions())
	ctx := context.Background()

	stored, err := g.Submit(ctx, payload(time.Now().Add(-time.Minute), 35.5))
	require.NoError(t, err)
	assert.Equal(t, 101, stored.AQI)
	assert.Equal(t, aqi.CategoryUnhealthySensitive, stored.AQICategory)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, model.SourceSensor, stored.SourceType)
	assert.True(t, stored.IsOutdoor)
	assert.Equal(t, 1.0, stored.ReliabilityScore)

	current, err := svc.GetCurrentReading(ctx, sfLat, sfLon, 5)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, current.Reading.ID)
	assert.Equal(t, 101, current.Reading.AQI)
	assert.InDelta(t, 0, current.DistanceKm, 1e-6)

	farLat, farLon := geo.Offset(sfLat, sfLon, 50, 90)
	_, err = svc.GetCurrentReading(ctx, farLat, farLon, 0.001)
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestSubmit_Validation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(store.NewMemoryStore(0, ""), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	bad := payload(now, 10)
	bad.Timestamp = ""
	_, err := g.Submit(ctx, bad)
	assert.True(t, model.IsValidation(err))

	bad = payload(now, 10)
	bad.Latitude = nil
	_, err = g.Submit(ctx, bad)
	assert.True(t, model.IsValidation(err))

	bad = payload(now, 10)
	lat := 91.0
	bad.Latitude = &lat
	_, err = g.Submit(ctx, bad)
	assert.True(t, model.IsValidation(err))

	bad = payload(now, 10)
	bad.SourceType = "satellite"
	_, err = g.Submit(ctx, bad)
	assert.True(t, model.IsValidation(err))

	_, err = g.Submit(ctx, payload(now.Add(10*time.Minute), 10))
	assert.True(t, model.IsValidation(err))

	_, err = g.Submit(ctx, payload(now.Add(4*time.Minute), 10))
	assert.NoError(t, err)
}

func TestSubmit_RejectsReadingsPastRawRetention(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dirty := &dirtyRecorder{}
	readings := store.NewMemoryStore(0, "")
	g := NewGateway(readings,
		WithClock(func() time.Time { return now }),
		WithRawRetention(90*24*time.Hour),
		WithDirtyMarker(dirty))
	ctx := context.Background()

	_, err := g.Submit(ctx, payload(now.Add(-100*24*time.Hour), 10))
	assert.True(t, model.IsValidation(err))
	_, err = g.Submit(ctx, payload(now.Add(-90*24*time.Hour), 10))
	assert.True(t, model.IsValidation(err))
	assert.Empty(t, dirty.got)

	chunks, err := readings.Chunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = g.Submit(ctx, payload(now.Add(-89*24*time.Hour), 10))
	assert.NoError(t, err)
}

func TestSubmit_MissingPM25Saturates(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(store.NewMemoryStore(0, ""), WithClock(func() time.Time { return now }))

	p := payload(now, 0)
	p.PM25 = nil
	r, err := g.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, aqi.MaxIndex, r.AQI)
	assert.Equal(t, aqi.CategoryHazardous, r.AQICategory)
}

func TestSubmit_SideEffectsInOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dirty := &dirtyRecorder{}
	sink := &sinkRecorder{err: errors.New("broker down")}
	alerts := &alertRecorder{}

	engine := alarming.NewEngine(alarming.NewMemoryStateStore(), alarming.DefaultConfig())
	thresholds := alarming.StaticThresholds{"u1": {AQIWarning: model.Float(150), AQIDanger: model.Float(200)}}

	readings := store.NewMemoryStore(0, "")
	g := NewGateway(readings,
		WithClock(func() time.Time { return now }),
		WithDirtyMarker(dirty),
		WithEventSinks(sink),
		WithAlerts(Alerts{Engine: engine, Thresholds: thresholds, Notifier: alerts}),
	)

	p := payload(now.Add(-time.Minute), 75)
	p.UserID = "u1"
	r, err := g.Submit(context.Background(), p)
	require.NoError(t, err, "a failing sink must not fail the write")
	assert.Equal(t, 161, r.AQI)

	require.Len(t, dirty.got, 1)
	assert.True(t, r.Timestamp.Equal(dirty.got[0]))
	require.Len(t, sink.events, 1)
	assert.Equal(t, r.ID, sink.events[0].Reading.ID)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "u1", alerts.events[0].UserID)
	assert.Equal(t, r.ID, alerts.events[0].ReadingID)

	got, err := readings.Query(context.Background(), model.Query{
		Filter: model.Filter{UserID: "u1"},
		Range:  model.TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

type failingStore struct {
	store.ReadingStore
	failures int
	calls    int
}

func (f *failingStore) Append(ctx context.Context, r model.Reading) (model.Reading, error) {
	f.calls++
	if f.calls <= f.failures {
		return r, model.NewTransientStoreError("append", errors.New("connection reset"))
	}
	return f.ReadingStore.Append(ctx, r)
}

func TestSubmit_RetriesTransientWrites(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	dirty := &dirtyRecorder{}

	fs := &failingStore{ReadingStore: store.NewMemoryStore(0, ""), failures: 2}
	g := NewGateway(fs, WithClock(func() time.Time { return now }), WithRetry(retry), WithDirtyMarker(dirty))
	_, err := g.Submit(context.Background(), payload(now, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)

	fs = &failingStore{ReadingStore: store.NewMemoryStore(0, ""), failures: 5}
	g = NewGateway(fs, WithClock(func() time.Time { return now }), WithRetry(retry), WithDirtyMarker(dirty))
	_, err = g.Submit(context.Background(), payload(now, 10))
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	assert.Equal(t, 3, fs.calls)
	assert.Len(t, dirty.got, 1, "a failed write has no side effects")
}

func TestSubmit_RejectPolicySurfacesConflict(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(store.NewMemoryStore(0, store.RejectDuplicates), WithClock(func() time.Time { return now }))

	_, err := g.Submit(context.Background(), payload(now, 10))
	require.NoError(t, err)
	_, err = g.Submit(context.Background(), payload(now, 12))
	assert.True(t, model.IsConflict(err))
}

func TestSubmitBatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(store.NewMemoryStore(0, ""), WithClock(func() time.Time { return now }))

	bad := payload(now, 10)
	bad.Timestamp = "yesterday"
	results := g.SubmitBatch(context.Background(), []protocol.ReadingPayload{
		payload(now, 10), bad, payload(now.Add(-time.Second), 200),
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, model.IsValidation(results[1].Err))
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 250, results[2].Reading.AQI)
}

func TestSubmitQueued(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(store.NewMemoryStore(0, store.RejectDuplicates), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	msg := &protocol.SubmissionMessage{ConnectionID: "c1", Source: "tcp", ReceivedAt: now, Payload: payload(now, 10)}
	require.NoError(t, g.SubmitQueued(ctx, msg))
	// Redelivery of a stored submission is not an error
	require.NoError(t, g.SubmitQueued(ctx, msg))

	bad := &protocol.SubmissionMessage{Payload: protocol.ReadingPayload{Timestamp: now.Format(time.RFC3339)}}
	assert.True(t, model.IsValidation(g.SubmitQueued(ctx, bad)))
}
