package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobfinder/gatekeeper/pkg/audit"
	"github.com/jobfinder/gatekeeper/pkg/auth"
	"github.com/jobfinder/gatekeeper/pkg/config"
	"github.com/jobfinder/gatekeeper/pkg/observability"
	"github.com/jobfinder/gatekeeper/pkg/ratelimit"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 24 * 30
	topOffenderCount  = 10
)

// statsResponse is the monitoring read model served on /v1/stats.
type statsResponse struct {
	WindowHours  int                  `json:"window_hours"`
	GeneratedAt  time.Time            `json:"generated_at"`
	Hourly       []audit.HourlyBucket `json:"hourly"`
	TopOffenders []audit.Offender     `json:"top_offenders"`
	Endpoints    []audit.EndpointStat `json:"endpoints"`
}

type cleanupRequest struct {
	Days int `json:"days"`
}

type cleanupResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

// Handler builds the full routing tree. The operational surface (health,
// metrics, monitoring API) sits outside admission control; everything else
// flows through the rate limit middleware into the backend handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(observability.HTTPMiddleware(s.obs.GetTracer("gatekeeper"), s.obs.GetMetrics()))
	if s.validator != nil {
		r.Use(auth.Middleware(s.validator))
	}

	r.Get("/healthz", s.handleHealth)
	if config.BoolValue(s.cfg.Observability.Metrics.Enabled, true) {
		r.Handle(s.cfg.Observability.Metrics.Path, promhttp.Handler())
	}

	r.Handle(s.cfg.WebSocket.Path, s.gate)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/cleanup", s.handleCleanup)
	})

	backend := s.backend
	if backend == nil {
		backend = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
		})
	}
	limited := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter:          s.limiter,
		IdentityFunc:     s.identityFor,
		ExcludedPrefixes: s.cfg.RateLimit.ExcludedPrefixes,
	})
	r.Handle("/*", limited(backend))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats serves aggregated audit activity for the last N hours.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusServiceUnavailable, "AUDIT_DISABLED", "audit trail is not enabled")
		return
	}

	hours := defaultStatsHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "hours must be a positive integer")
			return
		}
		hours = parsed
	}
	if hours > maxStatsHours {
		hours = maxStatsHours
	}

	now := time.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	hourly, err := s.auditStore.HourlyActivity(ctx, since)
	if err != nil {
		s.logger.Error("Failed to load hourly activity", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load activity")
		return
	}
	offenders, err := s.auditStore.TopOffenders(ctx, topOffenderCount, since)
	if err != nil {
		s.logger.Error("Failed to load top offenders", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load offenders")
		return
	}
	endpoints, err := s.auditStore.EndpointStats(ctx, since)
	if err != nil {
		s.logger.Error("Failed to load endpoint stats", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load endpoint stats")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		WindowHours:  hours,
		GeneratedAt:  now,
		Hourly:       hourly,
		TopOffenders: offenders,
		Endpoints:    endpoints,
	})
}

// handleCleanup deletes audit records older than the requested number of
// days, defaulting to the configured retention.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		writeError(w, http.StatusServiceUnavailable, "AUDIT_DISABLED", "audit trail is not enabled")
		return
	}

	days := s.cfg.Audit.RetentionDays
	if r.Body != nil && r.ContentLength != 0 {
		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body")
			return
		}
		if req.Days < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "days must not be negative")
			return
		}
		if req.Days > 0 {
			days = req.Days
		}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := s.auditStore.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("Audit cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "cleanup failed")
		return
	}

	s.logger.Info("Audit cleanup complete", "deleted", deleted, "cutoff", cutoff)
	writeJSON(w, http.StatusOK, cleanupResponse{DeletedCount: deleted})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
