package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/arsenis-cmd/AirAware/internal/aqi"
	"github.com/arsenis-cmd/AirAware/internal/exposure"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
	"github.com/arsenis-cmd/AirAware/internal/query"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return model.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"service":   ServiceName,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p protocol.ReadingPayload
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := s.deps.Gateway.Submit(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// BatchItem is one entry of a batch submission response
type BatchItem struct {
	Reading *model.Reading `json:"reading,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var payloads []protocol.ReadingPayload
	if err := decodeBody(w, r, &payloads); err != nil {
		s.writeError(w, err)
		return
	}
	if len(payloads) == 0 {
		s.writeError(w, model.NewValidationError("body", "no readings"))
		return
	}

	results := s.deps.Gateway.SubmitBatch(r.Context(), payloads)
	items := make([]BatchItem, len(results))
	accepted := 0
	for i, res := range results {
		if res.Err != nil {
			_, kind := statusFor(res.Err)
			items[i].Error = &ErrorResponse{Error: res.Err.Error(), Kind: kind}
			continue
		}
		stored := res.Reading
		items[i].Reading = &stored
		accepted++
	}

	status := http.StatusCreated
	if accepted < len(items) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "results": items})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	lat, lon, radius, err := point(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	found, err := s.deps.Query.GetCurrentReading(r.Context(), lat, lon, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, lon, radius, err := point(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	found, err := s.deps.Query.Nearby(r.Context(), lat, lon, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(found), "readings": found})
}

func (s *Server) handleNearbyDevices(w http.ResponseWriter, r *http.Request) {
	lat, lon, radius, err := point(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	devices, err := s.deps.Query.NearbyDevices(r.Context(), lat, lon, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(devices), "devices": devices})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, err := filter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tr, err := timeRange(r, s.now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	width, err := model.ParseBucketWidth(r.URL.Query().Get("bucket"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	h, err := s.deps.Query.GetHistory(r.Context(), f, tr, width, query.Page{Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleMap renders map points as a GeoJSON FeatureCollection
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	box, err := bboxParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	window, err := durationParam(r, "window")
	if err != nil {
		s.writeError(w, err)
		return
	}

	points, err := s.deps.Query.GetMapData(r.Context(), box, window)
	if err != nil {
		s.writeError(w, err)
		return
	}

	fc := &geojson.FeatureCollection{
		BBox:     geom.NewBounds(geom.XY).Set(box.MinLon, box.MinLat, box.MaxLon, box.MaxLat),
		Features: make([]*geojson.Feature, 0, len(points)),
	}
	for _, p := range points {
		props := map[string]any{
			"avg_aqi":     p.AvgAQI,
			"category":    aqi.CategoryFor(int(p.AvgAQI + 0.5)),
			"count":       p.Count,
			"last_update": p.LastUpdate.UTC().Format(time.RFC3339),
		}
		if p.AvgPM25 != nil {
			props["avg_pm25"] = *p.AvgPM25
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry:   geom.NewPointFlat(geom.XY, []float64{p.Longitude, p.Latitude}),
			Properties: props,
		})
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAQI(w http.ResponseWriter, r *http.Request) {
	pm25, err := floatParam(r, "pm25", nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	index, category := aqi.Compute(pm25)
	writeJSON(w, http.StatusOK, map[string]any{"pm25": pm25, "aqi": index, "category": category})
}

// ExposureRequest mirrors the parallel-array form of the exposure calculator
type ExposureRequest struct {
	AQIHistory      []int    `json:"aqi_history"`
	DurationMinutes []int    `json:"duration_minutes"`
	ActivityLevels  []string `json:"activity_levels"`
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	var req ExposureRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	segments, err := exposure.FromArrays(req.AQIHistory, req.DurationMinutes, req.ActivityLevels)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := exposure.Calculate(segments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserExposure(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	tr, err := timeRange(r, s.now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	activity := r.URL.Query().Get("activity")
	if activity == "" {
		activity = exposure.ActivityLight
	}

	rows, err := s.deps.Readings.Query(r.Context(), model.Query{
		Filter: model.Filter{UserID: userID},
		Range:  tr,
		Order:  model.OrderAsc,
		Limit:  model.MaxQueryLimit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(w, &model.NotFoundError{What: "readings for user " + userID})
		return
	}

	res, err := exposure.Calculate(exposure.FromReadings(rows, tr.To, activity))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthRiskRequest is a planned activity. With latitude and longitude set,
// the air quality is the current reading near that point.
type HealthRiskRequest struct {
	exposure.RiskRequest
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (s *Server) handleHealthRisk(w http.ResponseWriter, r *http.Request) {
	var req HealthRiskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Latitude != nil || req.Longitude != nil {
		if req.Latitude == nil || req.Longitude == nil {
			s.writeError(w, model.NewValidationError("location", "latitude and longitude go together"))
			return
		}
		found, err := s.deps.Query.GetCurrentReading(r.Context(), *req.Latitude, *req.Longitude, defaultRadiusKm)
		if err != nil {
			s.writeError(w, err)
			return
		}
		index := found.Reading.AQI
		req.Air.AQI = &index
		if found.Reading.PM25 != nil {
			req.Air.PM25 = *found.Reading.PM25
		}
	}

	res, err := exposure.Assess(req.RiskRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
