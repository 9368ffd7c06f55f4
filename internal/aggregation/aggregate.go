package aggregation

import (
	"sort"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

type coordinate struct {
	lat float64
	lon float64
}

// Summarize groups one bucket's readings by exact coordinate and computes
// per-field count, average, minimum and maximum. Readings are ordered by
// timestamp before summation so the same input always yields bit-identical
// averages regardless of the order the store returned them in.
func Summarize(bucket model.Bucket, readings []model.Reading, computedAt time.Time) []model.Rollup {
	sorted := make([]model.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		return a.Longitude < b.Longitude
	})

	groups := make(map[coordinate][]*model.Reading)
	var order []coordinate
	for i := range sorted {
		r := &sorted[i]
		c := coordinate{lat: r.Latitude, lon: r.Longitude}
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], r)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].lat != order[j].lat {
			return order[i].lat < order[j].lat
		}
		return order[i].lon < order[j].lon
	})

	rollups := make([]model.Rollup, 0, len(order))
	for _, c := range order {
		rows := groups[c]
		rollups = append(rollups, model.Rollup{
			Width:       bucket.Width,
			BucketStart: bucket.Start,
			Latitude:    c.lat,
			Longitude:   c.lon,
			Count:       len(rows),
			Fields:      fieldStats(rows),
			ComputedAt:  computedAt,
		})
	}
	return rollups
}

func fieldStats(rows []*model.Reading) map[string]model.FieldStats {
	stats := make(map[string]model.FieldStats)
	for _, field := range model.AggregatedFields {
		var (
			s   model.FieldStats
			sum float64
		)
		for _, r := range rows {
			v := r.Field(field)
			if v == nil {
				continue
			}
			if s.Count == 0 || *v < s.Min {
				s.Min = *v
			}
			if s.Count == 0 || *v > s.Max {
				s.Max = *v
			}
			sum += *v
			s.Count++
		}
		if s.Count == 0 {
			continue
		}
		s.Avg = sum / float64(s.Count)
		stats[field] = s
	}
	return stats
}
