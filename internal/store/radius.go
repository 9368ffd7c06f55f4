package store

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
)

// WithinRadius returns readings inside the time range whose great-circle
// distance from (lat, lon) is at most radiusKm. Candidates come from a
// bounding-box query first; the exact distance is only computed for them.
// Results are ordered nearest first, then newest first.
func WithinRadius(ctx context.Context, s ReadingStore, lat, lon, radiusKm float64, tr model.TimeRange, limit int) ([]model.NearbyReading, error) {
	if err := model.ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, model.NewValidationError("radius_km", "must be a non-negative number")
	}

	box := geo.Around(lat, lon, radiusKm)
	candidates, err := s.Query(ctx, model.Query{
		Filter:    model.Filter{BBox: &box},
		Range:     tr,
		Unbounded: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "store: radius prefilter")
	}

	var out []model.NearbyReading
	for _, r := range candidates {
		d := geo.Haversine(lat, lon, r.Latitude, r.Longitude)
		if d <= radiusKm {
			out = append(out, model.NearbyReading{Reading: r, DistanceKm: d})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Reading.Timestamp.After(out[j].Reading.Timestamp)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
