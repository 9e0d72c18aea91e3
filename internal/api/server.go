// Package api provides the local admin HTTP API consumed by the
// dashboard collaborator and the CLI: read-only JSON views of devices,
// events, batches, sessions, and cloud state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carnitrack/edge/internal/domain"
)

// Store is the read-only slice of the durable store the API serves.
type Store interface {
	Ping() error
	RecentEvents(limit int) ([]domain.WeighingEvent, error)
	ListBatches() ([]domain.OfflineBatch, error)
}

// Registry is the device-registry surface.
type Registry interface {
	List() []domain.Device
	Get(deviceID string) (*domain.Device, bool)
}

// Cloud is the REST-client surface.
type Cloud interface {
	IsOnline() bool
	Identity() *domain.EdgeIdentity
	QueueLen() int
}

// Sessions is the session-cache surface.
type Sessions interface {
	Entries() []domain.Session
}

// Server is the admin HTTP API server.
type Server struct {
	store          Store
	registry       Registry
	cloud          Cloud
	sessions       Sessions
	version        string
	startedAt      time.Time
	metricsEnabled bool
}

// NewServer creates the admin API server.
func NewServer(store Store, registry Registry, cloud Cloud, sessions Sessions, version string) *Server {
	return &Server{
		store:     store,
		registry:  registry,
		cloud:     cloud,
		sessions:  sessions,
		version:   version,
		startedAt: time.Now(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/{id}", s.handleDevice)
		r.Get("/events", s.handleEvents)
		r.Get("/batches", s.handleBatches)
		r.Get("/sessions", s.handleSessions)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.List()
	connected := 0
	for _, d := range devices {
		if d.TCPConnected {
			connected++
		}
	}

	status := map[string]any{
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"cloud_online":      s.cloud.IsOnline(),
		"queue_depth":       s.cloud.QueueLen(),
		"devices_known":     len(devices),
		"devices_connected": connected,
	}
	if id := s.cloud.Identity(); id != nil {
		status["edge_id"] = id.EdgeID
		status["site_id"] = id.SiteID
		status["site_name"] = id.SiteName
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.registry.List()})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrDeviceNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.store.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.store.ListBatches()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Entries()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for the local dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
