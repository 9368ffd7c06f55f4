package model

import (
	"time"

	"github.com/arsenis-cmd/AirAware/internal/geo"
)

const (
	// DefaultQueryLimit applies when a query sets no limit
	DefaultQueryLimit = 500
	// MaxQueryLimit caps caller-supplied limits
	MaxQueryLimit = 10000
)

// Order controls the timestamp ordering of query results
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// TimeRange is the half-open interval [From, To)
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Validate rejects empty or inverted ranges
func (r TimeRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return NewValidationError("time_range", "from and to are required")
	}
	if !r.From.Before(r.To) {
		return NewValidationError("time_range", "from must be before to")
	}
	return nil
}

// DefaultMaxClockSkew is how far ahead of the server clock a reading may be stamped
const DefaultMaxClockSkew = 5 * time.Minute

// LastWindow returns the range covering window up to now, extended by skew
// so readings stamped slightly ahead of the server clock stay visible
func LastWindow(now time.Time, window, skew time.Duration) TimeRange {
	if skew < 0 {
		skew = 0
	}
	return TimeRange{From: now.Add(-window), To: now.Add(skew + time.Microsecond)}
}

// Filter selects readings by one access path. At most one field may be set.
type Filter struct {
	DeviceID string    `json:"device_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	BBox     *geo.BBox `json:"bbox,omitempty"`
}

// Validate enforces that at most one access path is used
func (f Filter) Validate() error {
	set := 0
	if f.DeviceID != "" {
		set++
	}
	if f.UserID != "" {
		set++
	}
	if f.BBox != nil {
		set++
		if err := f.BBox.Validate(); err != nil {
			return NewValidationError("bbox", err.Error())
		}
	}
	if set > 1 {
		return NewValidationError("filter", "only one of device_id, user_id or bbox may be set")
	}
	return nil
}

// Matches reports whether the reading satisfies the filter
func (f Filter) Matches(r *Reading) bool {
	switch {
	case f.DeviceID != "":
		return r.DeviceID == f.DeviceID
	case f.UserID != "":
		return r.UserID == f.UserID
	case f.BBox != nil:
		return f.BBox.Contains(r.Latitude, r.Longitude)
	default:
		return true
	}
}

// Query describes a range read against the reading store
type Query struct {
	Filter Filter
	Range  TimeRange
	Order  Order
	Limit  int
	Offset int
	// Unbounded lifts the limit cap; used by internal scans such as rollup refresh
	Unbounded bool
}

// Normalize validates the query and fills defaults
func (q Query) Normalize() (Query, error) {
	if err := q.Filter.Validate(); err != nil {
		return q, err
	}
	if err := q.Range.Validate(); err != nil {
		return q, err
	}
	switch q.Order {
	case "":
		q.Order = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return q, NewValidationError("order", "must be asc or desc")
	}
	if q.Offset < 0 {
		return q, NewValidationError("offset", "must not be negative")
	}
	if q.Unbounded {
		q.Limit = 0
		return q, nil
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return q, nil
}
