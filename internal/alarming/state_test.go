package alarming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMemoryStateStore_PruneBoundsMemory(t *testing.T) {
	m := NewMemoryStateStore()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "u|aqi", State{LastAlert: t0, LastValue: 160, LastSeverity: SeverityWarning}, 2*time.Hour))
	require.NoError(t, m.Set(ctx, "u|pm25", State{LastAlert: t0.Add(time.Hour), LastValue: 60}, 2*time.Hour))

	// Records stay readable regardless of the wall clock until pruned
	s, ok, err := m.Get(ctx, "u|aqi")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 160.0, s.LastValue)

	assert.Equal(t, 0, m.Prune(t0.Add(time.Hour)))
	assert.Equal(t, 1, m.Prune(t0.Add(2*time.Hour)))
	assert.Equal(t, 1, m.Len())

	_, ok, err = m.Get(ctx, "u|aqi")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateStore(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisStateStore(client)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, StateKey("u1", "aqi"))
	require.NoError(t, err)
	assert.False(t, ok)

	want := State{LastAlert: t0, LastValue: 180, LastSeverity: SeverityWarning}
	require.NoError(t, s.Set(ctx, StateKey("u1", "aqi"), want, 2*time.Hour))

	got, ok, err := s.Get(ctx, StateKey("u1", "aqi"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.LastAlert.Equal(got.LastAlert))
	assert.Equal(t, want.LastValue, got.LastValue)
	assert.Equal(t, want.LastSeverity, got.LastSeverity)
	assert.Equal(t, 2*time.Hour, mr.TTL(stateKeyPrefix+"u1|aqi"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = s.Get(ctx, StateKey("u1", "aqi"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateStore_UnavailableIsTransient(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisStateStore(client)
	mr.Close()

	_, _, err := s.Get(context.Background(), "k")
	assert.True(t, model.IsTransient(err))
	err = s.Set(context.Background(), "k", State{LastAlert: t0}, time.Minute)
	assert.True(t, model.IsTransient(err))
}

func TestEngine_WithRedisState(t *testing.T) {
	_, client := newRedis(t)
	e := NewEngine(NewRedisStateStore(client), DefaultConfig())
	n := &recorder{}
	ctx := context.Background()

	d, err := e.Evaluate(ctx, aqiInput(160, t0), n)
	require.NoError(t, err)
	assert.True(t, d.Emit)

	// A second engine sharing redis sees the cooldown
	other := NewEngine(NewRedisStateStore(client), DefaultConfig())
	d, err = other.Evaluate(ctx, aqiInput(165, t0.Add(time.Minute)), n)
	require.NoError(t, err)
	assert.False(t, d.Emit)
	assert.Equal(t, ReasonInsufficientDelta, d.Reason)
}
