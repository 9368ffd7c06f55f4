package alarming

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// Limits are the thresholds of one metric. A value must exceed Warning to
// alert at all; Danger is optional.
type Limits struct {
	Warning float64
	Danger  *float64
}

// QuietHours is a daily window, in the user's time zone, during which no
// alerts are sent. End before Start wraps past midnight.
type QuietHours struct {
	StartMinute int
	EndMinute   int
	Location    *time.Location
}

// ParseQuietHours parses "HH:MM" bounds and an IANA zone (empty means UTC)
func ParseQuietHours(start, end, zone string) (*QuietHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, model.NewValidationError("quiet_hours.start", err.Error())
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, model.NewValidationError("quiet_hours.end", err.Error())
	}
	loc := time.UTC
	if zone != "" {
		if loc, err = time.LoadLocation(zone); err != nil {
			return nil, model.NewValidationError("quiet_hours.timezone", err.Error())
		}
	}
	return &QuietHours{StartMinute: s, EndMinute: e, Location: loc}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// Contains reports whether t falls inside the window
func (q *QuietHours) Contains(t time.Time) bool {
	if q == nil || q.StartMinute == q.EndMinute {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if q.StartMinute < q.EndMinute {
		return minute >= q.StartMinute && minute < q.EndMinute
	}
	return minute >= q.StartMinute || minute < q.EndMinute
}

// UserThresholds is a user's alert configuration
type UserThresholds struct {
	AQIWarning  *float64
	AQIDanger   *float64
	PM25Warning *float64
	QuietHours  *QuietHours
}

// Limits returns the thresholds configured for metric
func (u UserThresholds) Limits(metric string) (Limits, bool) {
	switch metric {
	case model.FieldAQI:
		if u.AQIWarning == nil {
			return Limits{}, false
		}
		return Limits{Warning: *u.AQIWarning, Danger: u.AQIDanger}, true
	case model.FieldPM25:
		if u.PM25Warning == nil {
			return Limits{}, false
		}
		return Limits{Warning: *u.PM25Warning}, true
	}
	return Limits{}, false
}

// ThresholdSource looks up a user's alert configuration. The core only reads it.
type ThresholdSource interface {
	Thresholds(ctx context.Context, userID string) (UserThresholds, bool, error)
}

// StaticThresholds serves thresholds from memory
type StaticThresholds map[string]UserThresholds

// Thresholds implements ThresholdSource
func (s StaticThresholds) Thresholds(_ context.Context, userID string) (UserThresholds, bool, error) {
	t, ok := s[userID]
	return t, ok, nil
}

const thresholdKeyPrefix = "airaware:thresholds:"

// RedisThresholds reads user settings from a redis hash per user with
// fields aqi_warning, aqi_danger, pm25_warning, quiet_start, quiet_end, timezone and email
type RedisThresholds struct {
	client *redis.Client
}

// NewRedisThresholds creates a threshold source backed by redis
func NewRedisThresholds(client *redis.Client) *RedisThresholds {
	return &RedisThresholds{client: client}
}

// Thresholds implements ThresholdSource
func (r *RedisThresholds) Thresholds(ctx context.Context, userID string) (UserThresholds, bool, error) {
	fields, err := r.client.HGetAll(ctx, thresholdKeyPrefix+userID).Result()
	if err != nil {
		return UserThresholds{}, false, model.NewTransientStoreError("load thresholds", err)
	}
	if len(fields) == 0 {
		return UserThresholds{}, false, nil
	}

	var t UserThresholds
	for name, dst := range map[string]**float64{
		"aqi_warning":  &t.AQIWarning,
		"aqi_danger":   &t.AQIDanger,
		"pm25_warning": &t.PM25Warning,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return t, false, eris.Wrapf(err, "alarming: user %s field %s", userID, name)
		}
		*dst = &v
	}

	if fields["quiet_start"] != "" && fields["quiet_end"] != "" {
		q, err := ParseQuietHours(fields["quiet_start"], fields["quiet_end"], fields["timezone"])
		if err != nil {
			return t, false, eris.Wrapf(err, "alarming: user %s quiet hours", userID)
		}
		t.QuietHours = q
	}
	return t, true, nil
}

// Recipient returns the e-mail address stored for a user
func (r *RedisThresholds) Recipient(ctx context.Context, userID string) (string, bool, error) {
	addr, err := r.client.HGet(ctx, thresholdKeyPrefix+userID, "email").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, model.NewTransientStoreError("load recipient", err)
	}
	return addr, addr != "", nil
}

// SetThresholds writes a user's settings; used by the admin CLI and tests
func (r *RedisThresholds) SetThresholds(ctx context.Context, userID string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, thresholdKeyPrefix+userID, args...).Err(); err != nil {
		return model.NewTransientStoreError("store thresholds", err)
	}
	return nil
}

// CachedThresholds memoizes another source for a fixed validity period
type CachedThresholds struct {
	source   ThresholdSource
	validity time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cachedEntry
}

type cachedEntry struct {
	thresholds UserThresholds
	found      bool
	loadedAt   time.Time
}

// NewCachedThresholds wraps source; a non-positive validity defaults to five minutes
func NewCachedThresholds(source ThresholdSource, validity time.Duration) *CachedThresholds {
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	return &CachedThresholds{source: source, validity: validity, now: time.Now, entries: make(map[string]cachedEntry)}
}

// Thresholds implements ThresholdSource
func (c *CachedThresholds) Thresholds(ctx context.Context, userID string) (UserThresholds, bool, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && now.Sub(e.loadedAt) < c.validity {
		return e.thresholds, e.found, nil
	}

	t, found, err := c.source.Thresholds(ctx, userID)
	if err != nil {
		return t, false, err
	}
	c.mu.Lock()
	c.entries[userID] = cachedEntry{thresholds: t, found: found, loadedAt: now}
	c.mu.Unlock()
	return t, found, nil
}
