// Package api exposes the ingestion and query operations over HTTP.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/ingest"
	"github.com/arsenis-cmd/AirAware/internal/query"
	"github.com/arsenis-cmd/AirAware/internal/store"
)

// ServiceName is reported by the health endpoint
const ServiceName = "airaware"

// Deps are the collaborators the handlers call
type Deps struct {
	Gateway  *ingest.Gateway
	Query    *query.Service
	Readings store.ReadingStore
	// Live serves GET /api/v1/live; nil disables the route
	Live http.Handler
	// Limiter throttles submissions; nil disables rate limiting
	Limiter *ClientLimiter
}

// Server holds the HTTP handlers
type Server struct {
	deps   Deps
	now    func() time.Time
	logger *zap.Logger
}

// NewServer creates the handler set
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		now:    time.Now,
		logger: zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	submit := s.handleSubmit
	submitBatch := s.handleSubmitBatch
	if s.deps.Limiter != nil {
		submit = s.deps.Limiter.Wrap(submit)
		submitBatch = s.deps.Limiter.Wrap(submitBatch)
	}
	api.HandleFunc("/readings", submit).Methods("POST")
	api.HandleFunc("/readings/batch", submitBatch).Methods("POST")
	api.HandleFunc("/readings", s.handleHistory).Methods("GET")
	api.HandleFunc("/readings/current", s.handleCurrent).Methods("GET")
	api.HandleFunc("/readings/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/devices/nearby", s.handleNearbyDevices).Methods("GET")
	api.HandleFunc("/map", s.handleMap).Methods("GET")
	api.HandleFunc("/aqi", s.handleAQI).Methods("GET")
	api.HandleFunc("/exposure", s.handleExposure).Methods("POST")
	api.HandleFunc("/users/{id}/exposure", s.handleUserExposure).Methods("GET")
	api.HandleFunc("/health-risk", s.handleHealthRisk).Methods("POST")
	if s.deps.Live != nil {
		api.Handle("/live", s.deps.Live).Methods("GET")
	}

	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	return h.Hijack()
}
