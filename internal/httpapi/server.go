// Package httpapi provides the HTTP ingestion and query surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/geoip"
	"github.com/hivetrap/sentinel/internal/ml"
	"github.com/hivetrap/sentinel/internal/observability"
	"github.com/hivetrap/sentinel/internal/storage"
	"github.com/hivetrap/sentinel/internal/stream"
)

const (
	// maxBodyBytes bounds one event submission.
	maxBodyBytes = 1 << 20

	serviceName    = "Honeypot Logging Server"
	serviceVersion = "1.0.0"
)

// Server routes ingestion, query and stream requests to the underlying
// components.
type Server struct {
	store       *storage.Manager
	resolver    *geoip.Resolver
	predictor   *ml.Predictor
	broadcaster *stream.Broadcaster
	metrics     *observability.MetricsManager
	logger      *zap.SugaredLogger
	router      *chi.Mux
}

// NewServer wires the HTTP surface over the given components.
func NewServer(
	store *storage.Manager,
	resolver *geoip.Resolver,
	predictor *ml.Predictor,
	broadcaster *stream.Broadcaster,
	metrics *observability.MetricsManager,
	logger *zap.SugaredLogger,
) *Server {
	s := &Server{
		store:       store,
		resolver:    resolver,
		predictor:   predictor,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware())
	}

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/readyz", s.handleReady)
	s.router.Post("/log", s.handleIngest)
	s.router.Get("/logs", s.handleLogs)
	s.router.Get("/stats", s.handleStats)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/live-events", s.handleLiveEvents)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/map-data", s.handleMapData)
		r.Get("/ml-insights", s.handleMLInsights)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/investigate/{ip}", s.handleInvestigate)
		r.Get("/events-stream", s.handleEventStream)
	})

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// loggingMiddleware records one debug line per request with status and timing.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

// corsMiddleware allows the dashboard to be served from a different origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
