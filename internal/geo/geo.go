package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EarthRadiusKm is the mean Earth radius used by the great-circle formula
const EarthRadiusKm = 6371.0

// prefilterMarginDeg widens bounding boxes so that floating point error in
// the box math never excludes a point the exact distance would accept.
const prefilterMarginDeg = 1e-9

// BBox is a latitude/longitude rectangle. Edges are inclusive.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Validate checks ordering and coordinate ranges
func (b BBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("bbox out of range")
	}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return fmt.Errorf("bbox min must not exceed max")
	}
	if anyNaN(b.MinLat, b.MinLon, b.MaxLat, b.MaxLon) {
		return fmt.Errorf("bbox contains NaN")
	}
	return nil
}

// Contains reports whether the point lies inside or on the edge of the box
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// String renders the box as minLon,minLat,maxLon,maxLat
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// ParseBBox parses the String form, minLon,minLat,maxLon,maxLat
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox wants minLon,minLat,maxLon,maxLat, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox value %q is not a number", p)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if err := b.Validate(); err != nil {
		return BBox{}, err
	}
	return b, nil
}

// Around returns a box guaranteed to contain every point within radiusKm of
// (lat, lon). Near the poles, or when the circle crosses the antimeridian,
// the longitude span falls back to the full [-180, 180] range.
func Around(lat, lon, radiusKm float64) BBox {
	if radiusKm < 0 {
		radiusKm = 0
	}
	dLat := radiusKm/EarthRadiusKm*180/math.Pi + prefilterMarginDeg

	minLat := lat - dLat
	maxLat := lat + dLat
	if minLat <= -90 || maxLat >= 90 {
		return BBox{
			MinLat: math.Max(minLat, -90),
			MaxLat: math.Min(maxLat, 90),
			MinLon: -180,
			MaxLon: 180,
		}
	}

	// The widest longitude span of the circle occurs at the latitude closest to a pole
	maxAbsLat := math.Max(math.Abs(minLat), math.Abs(maxLat))
	dLon := dLat/math.Cos(maxAbsLat*math.Pi/180) + prefilterMarginDeg
	minLon := lon - dLon
	maxLon := lon + dLon
	if minLon < -180 || maxLon > 180 {
		minLon, maxLon = -180, 180
	}

	return BBox{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}
}

// Haversine returns the great-circle distance in kilometres between two points,
// using the spherical law of cosines form:
//
//	d = R * acos(cos φ1 cos φ2 cos Δλ + sin φ1 sin φ2)
//
// The acos argument is clamped to [-1, 1]; rounding can push it just past 1
// for identical points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dLambda := toRadians(lon2 - lon1)

	cosine := math.Cos(phi1)*math.Cos(phi2)*math.Cos(dLambda) + math.Sin(phi1)*math.Sin(phi2)
	if cosine > 1 {
		cosine = 1
	} else if cosine < -1 {
		cosine = -1
	}
	return EarthRadiusKm * math.Acos(cosine)
}

// Within reports whether the distance between the points is at most radiusKm (closed interval)
func Within(lat1, lon1, lat2, lon2, radiusKm float64) bool {
	return Haversine(lat1, lon1, lat2, lon2) <= radiusKm
}

// Snap rounds a coordinate to the given number of decimals. Negative decimals return v unchanged.
func Snap(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// Offset returns the point reached by moving distanceKm from (lat, lon) along bearingDeg
func Offset(lat, lon, distanceKm, bearingDeg float64) (float64, float64) {
	delta := distanceKm / EarthRadiusKm
	theta := toRadians(bearingDeg)
	phi1 := toRadians(lat)
	lambda1 := toRadians(lon)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	lon2 := math.Mod(toDegrees(lambda2)+540, 360) - 180
	return toDegrees(phi2), lon2
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func anyNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
