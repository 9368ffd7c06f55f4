// Package query answers current, nearby, history and map questions over the
// reading and rollup stores.
package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// Options tunes the service
type Options struct {
	// Window is how far back "current" reaches. Default 1h.
	Window time.Duration
	// SnapDecimals groups map points on a grid of that many decimals;
	// negative groups by exact coordinate
	SnapDecimals int
	// NearbyLimit caps Nearby when the caller passes no limit. Default 50.
	NearbyLimit int
	// ClockSkew extends every window past now, matching how far ahead
	// ingestion accepts timestamps. Default 5m.
	ClockSkew time.Duration
}

// DefaultOptions groups map points by exact coordinate over the last hour
func DefaultOptions() Options {
	return Options{Window: time.Hour, SnapDecimals: -1, NearbyLimit: 50, ClockSkew: model.DefaultMaxClockSkew}
}

// Service composes the stores into the read-side operations
type Service struct {
	readings store.ReadingStore
	rollups  store.RollupStore
	devices  DeviceRegistry
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a query service. devices may be nil, in which case
// NearbyDevices reports not found.
func NewService(readings store.ReadingStore, rollups store.RollupStore, devices DeviceRegistry, opts Options) *Service {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = def.NearbyLimit
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = def.ClockSkew
	}
	return &Service{
		readings: readings,
		rollups:  rollups,
		devices:  devices,
		opts:     opts,
		now:      time.Now,
		logger:   zap.L().With(zap.String("component", "query")),
	}
}

// GetCurrentReading returns the nearest reading within radiusKm in the
// current window, newest first among equally near ones. No match is a
// NotFoundError; falling back to other sources is up to the caller.
func (s *Service) GetCurrentReading(ctx context.Context, lat, lon, radiusKm float64) (model.NearbyReading, error) {
	found, err := store.WithinRadius(ctx, s.readings, lat, lon, radiusKm, model.LastWindow(s.now(), s.opts.Window, s.opts.ClockSkew), 1)
	if err != nil {
		return model.NearbyReading{}, err
	}
	if len(found) == 0 {
		return model.NearbyReading{}, &model.NotFoundError{What: "reading within radius in the current window"}
	}
	return found[0], nil
}

// Nearby returns readings within radiusKm in the current window, nearest first
func (s *Service) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]model.NearbyReading, error) {
	if limit <= 0 {
		limit = s.opts.NearbyLimit
	}
	found, err := store.WithinRadius(ctx, s.readings, lat, lon, radiusKm, model.LastWindow(s.now(), s.opts.Window, s.opts.ClockSkew), limit)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &model.NotFoundError{What: "readings within radius"}
	}
	return found, nil
}

// History holds either raw readings or rollups, depending on Width
type History struct {
	Width    model.BucketWidth `json:"width"`
	Readings []model.Reading   `json:"readings,omitempty"`
	Rollups  []model.Rollup    `json:"rollups,omitempty"`
}

// Page selects a window of a result; a zero Limit uses the default
type Page struct {
	Limit  int
	Offset int
}

// GetHistory reads raw readings or rollups for the range, newest first.
// Rollups only support a bounding box filter.
func (s *Service) GetHistory(ctx context.Context, filter model.Filter, tr model.TimeRange, width model.BucketWidth, page Page) (History, error) {
	h := History{Width: width}
	if page.Offset < 0 {
		return h, model.NewValidationError("offset", "must not be negative")
	}
	limit := page.Limit

	switch width {
	case model.WidthRaw, "":
		h.Width = model.WidthRaw
		rows, err := s.readings.Query(ctx, model.Query{Filter: filter, Range: tr, Limit: limit, Offset: page.Offset})
		if err != nil {
			return h, eris.Wrap(err, "query: raw history")
		}
		if len(rows) == 0 {
			return h, &model.NotFoundError{What: "readings in range"}
		}
		h.Readings = rows

	case model.WidthHourly, model.WidthDaily:
		if s.rollups == nil {
			return h, model.NewValidationError("bucket", "rollups are not enabled")
		}
		if limit <= 0 || limit > model.MaxQueryLimit {
			limit = model.DefaultQueryLimit
		}
		rows, err := s.rollups.Query(ctx, store.RollupQuery{Width: width, Range: tr, Filter: filter, Limit: page.Offset + limit})
		if err != nil {
			return h, eris.Wrap(err, "query: rollup history")
		}
		if page.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[page.Offset:]
		}
		if len(rows) == 0 {
			return h, &model.NotFoundError{What: "rollups in range"}
		}
		h.Rollups = rows

	default:
		return h, model.NewValidationError("bucket", "unknown width "+string(width))
	}
	return h, nil
}

// MapPoint is one marker on the map
type MapPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AvgAQI     float64   `json:"avg_aqi"`
	AvgPM25    *float64  `json:"avg_pm25,omitempty"`
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

type mapKey struct {
	lat, lon float64
}

type mapAcc struct {
	aqiSum  float64
	pm25Sum float64
	pm25N   int
	count   int
	last    time.Time
}

// GetMapData groups readings inside box over the trailing window into map
// points. A non-positive window uses the service default.
func (s *Service) GetMapData(ctx context.Context, box geo.BBox, window time.Duration) ([]MapPoint, error) {
	if err := box.Validate(); err != nil {
		return nil, model.NewValidationError("bbox", err.Error())
	}
	if window <= 0 {
		window = s.opts.Window
	}

	rows, err := s.readings.Query(ctx, model.Query{
		Filter:    model.Filter{BBox: &box},
		Range:     model.LastWindow(s.now(), window, s.opts.ClockSkew),
		Unbounded: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "query: map data")
	}

	groups := make(map[mapKey]*mapAcc)
	for i := range rows {
		r := &rows[i]
		k := mapKey{lat: r.Latitude, lon: r.Longitude}
		if s.opts.SnapDecimals >= 0 {
			k = mapKey{lat: geo.Snap(r.Latitude, s.opts.SnapDecimals), lon: geo.Snap(r.Longitude, s.opts.SnapDecimals)}
		}
		acc, ok := groups[k]
		if !ok {
			acc = &mapAcc{}
			groups[k] = acc
		}
		acc.count++
		acc.aqiSum += float64(r.AQI)
		if r.PM25 != nil {
			acc.pm25Sum += *r.PM25
			acc.pm25N++
		}
		if r.Timestamp.After(acc.last) {
			acc.last = r.Timestamp
		}
	}

	points := make([]MapPoint, 0, len(groups))
	for k, acc := range groups {
		p := MapPoint{
			Latitude:   k.lat,
			Longitude:  k.lon,
			AvgAQI:     round2(acc.aqiSum / float64(acc.count)),
			Count:      acc.count,
			LastUpdate: acc.last,
		}
		if acc.pm25N > 0 {
			p.AvgPM25 = model.Float(round2(acc.pm25Sum / float64(acc.pm25N)))
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Latitude != points[j].Latitude {
			return points[i].Latitude < points[j].Latitude
		}
		return points[i].Longitude < points[j].Longitude
	})

	s.logger.Debug("map data", zap.Int("readings", len(rows)), zap.Int("points", len(points)))
	return points, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
