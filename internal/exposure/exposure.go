// Package exposure scores cumulative pollution exposure over a sequence of
// time segments.
package exposure

import (
	"math"
	"sort"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// Activity levels and their breathing rates in litres per minute
const (
	ActivityResting  = "resting"
	ActivityLight    = "light"
	ActivityModerate = "moderate"
	ActivityIntense  = "intense"
)

var breathingRates = map[string]float64{
	ActivityResting:  8,
	ActivityLight:    15,
	ActivityModerate: 25,
	ActivityIntense:  40,
}

// baselineRate is the light-activity rate; unknown activities use it too
const baselineRate = 15

// MaxSegment caps how long one reading is assumed to represent
const MaxSegment = 60 * time.Minute

// Risk levels
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskVeryHigh = "very_high"
)

var recommendations = map[string]string{
	RiskLow:      "Your exposure is within safe limits. Continue monitoring air quality.",
	RiskModerate: "Consider reducing time in polluted areas. Use air purification at home.",
	RiskHigh:     "Your exposure is elevated. Limit outdoor activities and use protective measures.",
	RiskVeryHigh: "Serious exposure detected. Seek cleaner air environments and consult healthcare provider if experiencing symptoms.",
}

// Segment is a stretch of time spent at one AQI and activity level
type Segment struct {
	AQI      int    `json:"aqi"`
	Minutes  int    `json:"minutes"`
	Activity string `json:"activity"`
}

// Result is the exposure score of a set of segments
type Result struct {
	TotalExposure    float64 `json:"total_exposure_score"`
	WeightedExposure float64 `json:"weighted_exposure"`
	RiskLevel        string  `json:"risk_level"`
	EquivalentHours  float64 `json:"equivalent_hours_at_aqi_100"`
	Recommendation   string  `json:"recommendation"`
	Segments         int     `json:"segments"`
	TotalMinutes     int     `json:"total_minutes"`
}

// Calculate scores the segments. Each contributes aqi*minutes*(rate/15),
// and the weighted score further scales that by aqi/100.
func Calculate(segments []Segment) (Result, error) {
	var total, weighted float64
	minutes := 0
	for _, s := range segments {
		if s.AQI < 0 || s.Minutes < 0 {
			return Result{}, model.NewValidationError("segments", "aqi and minutes must not be negative")
		}
		rate, ok := breathingRates[s.Activity]
		if !ok {
			rate = baselineRate
		}
		e := float64(s.AQI) * float64(s.Minutes) * (rate / baselineRate)
		total += e
		weighted += e * float64(s.AQI) / 100
		minutes += s.Minutes
	}

	level := riskLevel(weighted)
	return Result{
		TotalExposure:    math.RoundToEven(total),
		WeightedExposure: math.RoundToEven(weighted),
		RiskLevel:        level,
		EquivalentHours:  math.RoundToEven(weighted/100/60*10) / 10,
		Recommendation:   recommendations[level],
		Segments:         len(segments),
		TotalMinutes:     minutes,
	}, nil
}

// FromArrays builds segments from parallel slices, as the public API accepts them
func FromArrays(aqis, minutes []int, activities []string) ([]Segment, error) {
	if len(aqis) != len(minutes) || len(aqis) != len(activities) {
		return nil, model.NewValidationError("segments", "all arrays must have the same length")
	}
	out := make([]Segment, len(aqis))
	for i := range aqis {
		out[i] = Segment{AQI: aqis[i], Minutes: minutes[i], Activity: activities[i]}
	}
	return out, nil
}

// FromReadings turns a user's readings into segments. Each reading lasts
// until the next one, or until `until` for the last, capped at MaxSegment.
func FromReadings(readings []model.Reading, until time.Time, activity string) []Segment {
	rows := make([]model.Reading, len(readings))
	copy(rows, readings)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	out := make([]Segment, 0, len(rows))
	for i, r := range rows {
		end := until
		if i+1 < len(rows) {
			end = rows[i+1].Timestamp
		}
		d := end.Sub(r.Timestamp)
		if d > MaxSegment {
			d = MaxSegment
		}
		if d <= 0 {
			continue
		}
		out = append(out, Segment{AQI: r.AQI, Minutes: int(d / time.Minute), Activity: activity})
	}
	return out
}

func riskLevel(weighted float64) string {
	switch {
	case weighted > 15000:
		return RiskVeryHigh
	case weighted > 10000:
		return RiskHigh
	case weighted > 5000:
		return RiskModerate
	default:
		return RiskLow
	}
}
