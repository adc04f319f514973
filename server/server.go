// Package server exposes the reverse geocoder over HTTP. It is a thin
// collaborator: it is handed an engine initialized elsewhere and multiplexes
// lookups onto it; all geocoding logic lives in the geonames package.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/andreiashu/geonames"
)

// Server serves /geocode, /healthcheck and /deep-healthcheck. The geocoder is
// attached once initialization resolves; until then geocode requests are
// answered with 503.
type Server struct {
	log zerolog.Logger
	geo atomic.Pointer[geonames.Geocoder]
}

// New creates a server without an attached geocoder.
func New(log zerolog.Logger) *Server {
	return &Server{log: log}
}

// SetGeocoder attaches the initialized engine and flips the server ready.
func (s *Server) SetGeocoder(g *geonames.Geocoder) {
	s.geo.Store(g)
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthcheck", s.handleHealthcheck)
	r.Get("/deep-healthcheck", s.handleDeepHealthcheck)
	r.Get("/geocode", s.handleGeocode)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleDeepHealthcheck(w http.ResponseWriter, _ *http.Request) {
	if s.geo.Load() == nil {
		respondError(w, http.StatusServiceUnavailable, "geocoder is initializing")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleGeocode answers repeatable latitude/longitude query pairs with the
// engine's per-point result arrays. A batch containing any malformed point is
// rejected whole with 400.
func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	g := s.geo.Load()
	if g == nil {
		respondError(w, http.StatusServiceUnavailable, "geocoder is initializing")
		return
	}

	q := r.URL.Query()
	lats := q["latitude"]
	lngs := q["longitude"]
	if len(lats) == 0 || len(lngs) == 0 {
		respondError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	if len(lats) != len(lngs) {
		respondError(w, http.StatusBadRequest, "latitude and longitude counts must match")
		return
	}

	points := make([]geonames.Point, len(lats))
	for i := range lats {
		p, err := geonames.ParsePoint(lats[i], lngs[i])
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		points[i] = p
	}

	maxResults := 1
	if raw := q.Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "maxResults must be a positive integer")
			return
		}
		maxResults = n
	}

	respondJSON(w, http.StatusOK, g.LookUp(points, maxResults))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
