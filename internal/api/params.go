package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
)

const (
	defaultRadiusKm = 5.0
	defaultHistory  = 24 * time.Hour
)

func floatParam(r *http.Request, name string, def *float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if def == nil {
			return 0, model.NewValidationError(name, "is required")
		}
		return *def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.NewValidationError(name, "must be a number")
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(name, "must be an integer")
	}
	return v, nil
}

func durationParam(r *http.Request, name string) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, model.NewValidationError(name, "must be a duration such as 1h or 30m")
	}
	return d, nil
}

// point reads lat, lon and radius_km (default 5)
func point(r *http.Request) (lat, lon, radius float64, err error) {
	if lat, err = floatParam(r, "lat", nil); err != nil {
		return
	}
	if lon, err = floatParam(r, "lon", nil); err != nil {
		return
	}
	def := defaultRadiusKm
	radius, err = floatParam(r, "radius_km", &def)
	return
}

// timeRange reads from/to as RFC3339; the default is the last 24 hours
func timeRange(r *http.Request, now time.Time) (model.TimeRange, error) {
	tr := model.TimeRange{From: now.Add(-defaultHistory), To: now}
	for name, dst := range map[string]*time.Time{"from": &tr.From, "to": &tr.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return tr, model.NewValidationError(name, "must be RFC3339")
		}
		*dst = t.UTC()
	}
	return tr, tr.Validate()
}

// filter reads at most one of device_id, user_id or bbox
func filter(r *http.Request) (model.Filter, error) {
	q := r.URL.Query()
	f := model.Filter{DeviceID: q.Get("device_id"), UserID: q.Get("user_id")}
	if raw := q.Get("bbox"); raw != "" {
		b, err := geo.ParseBBox(raw)
		if err != nil {
			return f, model.NewValidationError("bbox", err.Error())
		}
		f.BBox = &b
	}
	return f, f.Validate()
}

func bboxParam(r *http.Request) (geo.BBox, error) {
	raw := r.URL.Query().Get("bbox")
	if raw == "" {
		return geo.BBox{}, model.NewValidationError("bbox", "is required")
	}
	b, err := geo.ParseBBox(raw)
	if err != nil {
		return b, model.NewValidationError("bbox", err.Error())
	}
	return b, nil
}
