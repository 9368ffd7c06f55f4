package aqi

import (
	"math"
)

// Category is the EPA health category of an AQI value
type Category string

const (
	CategoryGood               Category = "good"
	CategoryModerate           Category = "moderate"
	CategoryUnhealthySensitive Category = "unhealthy_sensitive"
	CategoryUnhealthy          Category = "unhealthy"
	CategoryVeryUnhealthy      Category = "very_unhealthy"
	CategoryHazardous          Category = "hazardous"
)

// MaxIndex is the top of the AQI scale
const MaxIndex = 500

// MaxConcentration is the highest PM2.5 concentration (µg/m³) covered by a breakpoint
const MaxConcentration = 500.4

// breakpoint is one piecewise-linear segment of the PM2.5 table
type breakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

var pm25Breakpoints = []breakpoint{
	{0.0, 12.0, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 500.4, 301, 500},
}

// Compute converts a PM2.5 concentration into an AQI value and category.
//
// Concentrations are truncated to one decimal before lookup, so the table
// has no gaps between segments. Negative, NaN and above-table inputs
// saturate to 500/hazardous: an unreadable or off-scale sensor is treated
// as the worst case instead of being reported as an error.
func Compute(pm25 float64) (int, Category) {
	if math.IsNaN(pm25) || pm25 < 0 || pm25 > MaxConcentration {
		return MaxIndex, CategoryHazardous
	}

	c := truncate(pm25)
	for _, bp := range pm25Breakpoints {
		if c >= bp.cLow && c <= bp.cHigh {
			index := interpolate(bp, c)
			return index, CategoryFor(index)
		}
	}

	return MaxIndex, CategoryHazardous
}

// FromOptional computes the AQI for an optional concentration; a missing value saturates.
func FromOptional(pm25 *float64) (int, Category) {
	if pm25 == nil {
		return MaxIndex, CategoryHazardous
	}
	return Compute(*pm25)
}

// CategoryFor maps an integer AQI to its category
func CategoryFor(index int) Category {
	switch {
	case index <= 50:
		return CategoryGood
	case index <= 100:
		return CategoryModerate
	case index <= 150:
		return CategoryUnhealthySensitive
	case index <= 200:
		return CategoryUnhealthy
	case index <= 300:
		return CategoryVeryUnhealthy
	default:
		return CategoryHazardous
	}
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryGood, CategoryModerate, CategoryUnhealthySensitive,
		CategoryUnhealthy, CategoryVeryUnhealthy, CategoryHazardous:
		return true
	}
	return false
}

// truncate drops everything after the first decimal. The small epsilon keeps
// values such as 4.3 (stored as 4.29999...) from falling to 4.2.
func truncate(c float64) float64 {
	return math.Floor(c*10+1e-9) / 10
}

// interpolate rounds half away from zero
func interpolate(bp breakpoint, c float64) int {
	return roundHalfAwayFromZero((bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow)
}

func roundHalfAwayFromZero(v float64) int {
	return int(math.Round(v))
}
