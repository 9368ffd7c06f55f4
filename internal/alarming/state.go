package alarming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// State is the cooldown record of one (user, metric) pair. A pair with no
// record is idle; a record younger than the cooldown means it is cooling.
type State struct {
	LastAlert    time.Time `json:"last_alert"`
	LastValue    float64   `json:"last_value"`
	LastSeverity Severity  `json:"last_severity"`
}

// StateStore persists alert state. Set's ttl only bounds how long a store
// keeps a record; cooldown is judged by the engine against LastAlert.
type StateStore interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Set(ctx context.Context, key string, s State, ttl time.Duration) error
}

// StateKey builds the lock and storage key of a (user, metric) pair
func StateKey(userID, metric string) string {
	return userID + "|" + metric
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryStateStore keeps alert state in process
type MemoryStateStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStateStore creates an empty in-process state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry)}
}

// Get returns the state for key. Entries stay readable until pruned.
func (m *MemoryStateStore) Get(_ context.Context, key string) (State, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return State{}, false, nil
	}
	return e.state, true, nil
}

// Set stores the state; a zero ttl never expires
func (m *MemoryStateStore) Set(_ context.Context, key string, s State, ttl time.Duration) error {
	e := memoryEntry{state: s}
	if ttl > 0 {
		e.expiresAt = s.LastAlert.Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Prune evicts entries whose retention has elapsed and returns how many
func (m *MemoryStateStore) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (m *MemoryStateStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

const stateKeyPrefix = "airaware:alert_state:"

// RedisStateStore keeps alert state in redis so every gateway instance
// shares one cooldown view. Keys expire after the retention passed to Set.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a redis-backed state store
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Get retrieves the state for key
func (r *RedisStateStore) Get(ctx context.Context, key string) (State, bool, error) {
	data, err := r.client.Get(ctx, stateKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, model.NewTransientStoreError("get alert state", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false, eris.Wrapf(err, "alarming: decode state %s", key)
	}
	return s, true, nil
}

// Set saves the state with the given expiration
func (r *RedisStateStore) Set(ctx context.Context, key string, s State, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "alarming: encode state")
	}
	if err := r.client.Set(ctx, stateKeyPrefix+key, data, ttl).Err(); err != nil {
		return model.NewTransientStoreError("set alert state", err)
	}
	return nil
}
