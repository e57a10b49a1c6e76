// Package api provides the admin HTTP surface of the monitor.
//
// # Endpoints
//
//   - POST   /add_service   - Register a target for monitoring
//   - GET    /receive_alert - Acknowledge a notification
//   - GET    /alerting_jobs - List targets by primary administrator
//   - DELETE /del_job       - Stop monitoring a target
//   - GET    /healthz       - Health check
//   - GET    /metrics       - Prometheus exposition
//   - GET    /hello         - Smoke endpoint
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stackwatch/http-mon/internal/cache"
	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/pkg/types"
)

const errMsgPositiveInt = "fields 'period', 'alerting_window' and 'response_time' should be positive integers"

// TargetStore defines the storage interface for the admin API.
type TargetStore interface {
	SaveTarget(ctx context.Context, t *types.Target, shardIndex int) (int64, error)
	SetTargetInactive(ctx context.Context, id int64) error
	GetTargetsByPrimaryEmail(ctx context.Context, email string) ([]types.Target, error)
	AcknowledgeNotification(ctx context.Context, id int64) (bool, error)
}

// ProberSpawner starts the probing loop for a freshly registered target.
// The implementation must not tie the loop's lifetime to the request.
type ProberSpawner interface {
	StartProber(target types.Target)
}

// Config holds API server configuration.
type Config struct {
	// ShardIndex is the shard new targets are bound to.
	ShardIndex int

	// APIKeyHash, when non-empty, is a bcrypt hash that bearer tokens on
	// the admin routes must match.
	APIKeyHash string

	// CacheTTL bounds staleness of the /alerting_jobs response cache.
	CacheTTL time.Duration
}

// Server is the admin HTTP API server.
type Server struct {
	store   TargetStore
	spawner ProberSpawner
	cache   *cache.Cache
	metrics *metrics.Metrics
	config  Config
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(store TargetStore, spawner ProberSpawner, c *cache.Cache, m *metrics.Metrics, config Config, logger *slog.Logger) *Server {
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Second
	}
	s := &Server{
		store:   store,
		spawner: spawner,
		cache:   c,
		metrics: m,
		config:  config,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := s.withRequestID(w, r)
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.handleFunc("POST", "/add_service", s.requireAuth(s.handleAddService))
	s.handleFunc("GET", "/receive_alert", s.handleReceiveAlert)
	s.handleFunc("GET", "/alerting_jobs", s.requireAuth(s.handleAlertingJobs))
	s.handleFunc("DELETE", "/del_job", s.requireAuth(s.handleDelJob))

	s.handleFunc("GET", "/healthz", s.handleHealth)
	s.handle("GET", "/metrics", s.metrics.Handler())
	s.handleFunc("GET", "/hello", s.handleHello)
}

// handleFunc and handle register a handler for an exact method + pattern.
// The std ServeMux on the Go toolchain this module is built with doesn't
// parse a "METHOD /pattern" prefix, so the method match is done here instead.
func (s *Server) handleFunc(method, pattern string, h http.HandlerFunc) {
	s.handle(method, pattern, h)
}

func (s *Server) handle(method, pattern string, h http.Handler) {
	s.mux.Handle(pattern, methodGuard(method, h))
}

func methodGuard(method string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// =============================================================================
// SERVICE MONITORING
// =============================================================================

type addServiceRequest struct {
	URL            *string `json:"url"`
	PrimaryEmail   *string `json:"primary_email"`
	SecondaryEmail *string `json:"secondary_email"`
	Period         *int64  `json:"period"`
	AlertingWindow *int64  `json:"alerting_window"`
	ResponseTime   *int64  `json:"response_time"`
}

func (s *Server) handleAddService(w http.ResponseWriter, r *http.Request) {
	var req addServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errMsgPositiveInt)
		return
	}

	if req.URL == nil || req.PrimaryEmail == nil || req.SecondaryEmail == nil ||
		req.Period == nil || req.AlertingWindow == nil || req.ResponseTime == nil {
		s.writeError(w, http.StatusBadRequest, "missing key in request")
		return
	}
	if *req.Period <= 0 || *req.AlertingWindow <= 0 || *req.ResponseTime <= 0 {
		s.writeError(w, http.StatusBadRequest, errMsgPositiveInt)
		return
	}

	target := types.Target{
		URL:            *req.URL,
		PrimaryEmail:   *req.PrimaryEmail,
		SecondaryEmail: *req.SecondaryEmail,
		Period:         *req.Period,
		AlertingWindow: *req.AlertingWindow,
		ResponseTime:   *req.ResponseTime,
		ShardIndex:     s.config.ShardIndex,
		IsActive:       true,
	}

	id, err := s.store.SaveTarget(r.Context(), &target, s.config.ShardIndex)
	if err != nil {
		s.logger.Error("failed to save target", "url", target.URL, "error", err)
		s.writeError(w, http.StatusNotImplemented, "failed to save target")
		return
	}
	target.ID = id

	// The prober reads the store-assigned id, so the row must exist before
	// the loop starts.
	s.spawner.StartProber(target)

	s.cache.Delete(r.Context(), "jobs:"+target.PrimaryEmail)

	s.logger.Info("service added", "target_id", id, "url", target.URL)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id})
}

func (s *Server) handleReceiveAlert(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("notification_id")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "missing notification_id")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "notification_id must be an integer")
		return
	}

	// The primary_admin query parameter is informational only; the update
	// applies uniformly to whichever notification row carries the id.
	updated, err := s.store.AcknowledgeNotification(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to acknowledge notification", "notification_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to acknowledge notification")
		return
	}
	if !updated {
		s.writeError(w, http.StatusBadRequest, "Alert already acknowledged or does not exist")
		return
	}

	s.logger.Info("alert acknowledged", "notification_id", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAlertingJobs(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("primary_email")
	if email == "" {
		s.writeError(w, http.StatusBadRequest, "missing primary_email")
		return
	}

	cacheKey := "jobs:" + email
	var cached map[string][]types.Target
	if hit, err := s.cache.GetJSON(r.Context(), cacheKey, &cached); err == nil && hit {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	targets, err := s.store.GetTargetsByPrimaryEmail(r.Context(), email)
	if err != nil {
		s.logger.Error("failed to list targets", "primary_email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	if targets == nil {
		targets = []types.Target{}
	}

	resp := map[string][]types.Target{"jobs": targets}
	if err := s.cache.SetJSON(r.Context(), cacheKey, resp, s.config.CacheTTL); err != nil {
		s.logger.Debug("response cache write failed", "error", err)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelJob(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("job_id")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "job_id must be an integer")
		return
	}

	// Logical delete. The owner reconciler's next refresh drops the id from
	// the owned set and the prober exits on its following tick.
	if err := s.store.SetTargetInactive(r.Context(), id); err != nil {
		s.logger.Error("failed to deactivate target", "target_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}

	s.logger.Info("job deleted", "target_id", id)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "hello world"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
