package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// Device is an active device known to the registry
type Device struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	LastSeen   time.Time `json:"last_seen"`
	DistanceKm float64   `json:"distance_km"`
}

// DeviceRegistry lists active devices inside a bounding box. Registration
// lives outside the core.
type DeviceRegistry interface {
	DevicesIn(ctx context.Context, box geo.BBox) ([]Device, error)
}

// NearbyDevices asks the registry for devices in the radius's bounding box
// and keeps those within radiusKm, nearest first
func (s *Service) NearbyDevices(ctx context.Context, lat, lon, radiusKm float64) ([]Device, error) {
	if err := model.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, model.NewValidationError("radius_km", "must be a non-negative number")
	}
	if s.devices == nil {
		return nil, &model.NotFoundError{What: "device registry"}
	}

	candidates, err := s.devices.DevicesIn(ctx, geo.Around(lat, lon, radiusKm))
	if err != nil {
		return nil, eris.Wrap(err, "query: device registry")
	}

	out := make([]Device, 0, len(candidates))
	for _, d := range candidates {
		d.DistanceKm = geo.Haversine(lat, lon, d.Latitude, d.Longitude)
		if d.DistanceKm <= radiusKm {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, &model.NotFoundError{What: "devices within radius"}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// RecentDevices derives the registry from readings: a device is active if
// it reported within the window, at its latest position
type RecentDevices struct {
	readings store.ReadingStore
	window   time.Duration
	skew     time.Duration
	now      func() time.Time
}

// NewRecentDevices creates a registry over the reading store. skew lets
// readings stamped ahead of the server clock count as recent.
func NewRecentDevices(readings store.ReadingStore, window, skew time.Duration) *RecentDevices {
	if window <= 0 {
		window = time.Hour
	}
	if skew <= 0 {
		skew = model.DefaultMaxClockSkew
	}
	return &RecentDevices{readings: readings, window: window, skew: skew, now: time.Now}
}

// DevicesIn implements DeviceRegistry
func (d *RecentDevices) DevicesIn(ctx context.Context, box geo.BBox) ([]Device, error) {
	rows, err := d.readings.Query(ctx, model.Query{
		Filter:    model.Filter{BBox: &box},
		Range:     model.LastWindow(d.now(), d.window, d.skew),
		Unbounded: true,
	})
	if err != nil {
		return nil, err
	}

	latest := make(map[string]Device)
	for _, r := range rows {
		if r.DeviceID == "" {
			continue
		}
		if cur, ok := latest[r.DeviceID]; ok && !r.Timestamp.After(cur.LastSeen) {
			continue
		}
		latest[r.DeviceID] = Device{ID: r.DeviceID, UserID: r.UserID, Latitude: r.Latitude, Longitude: r.Longitude, LastSeen: r.Timestamp}
	}

	out := make([]Device, 0, len(latest))
	for _, dev := range latest {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
