package handlers

import (
	"net/http"

	"github.com/mediafetch/backend/internal/auth"
	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/health"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/metrics"
	"github.com/mediafetch/backend/internal/middleware"
	"github.com/mediafetch/backend/internal/models"
	"github.com/mediafetch/backend/internal/ratelimit"
)

type RouterConfig struct {
	Auth    *auth.Service
	Events  EventHandler
	Jobs    JobService
	Archive JobArchive
	Limiter ratelimit.Limiter
	// Platforms lists the platform names accepted for download
	Platforms      []string
	MaxFileSizeMB  int
	AllowedOrigins []string

	// Optional mounts
	WebSocket http.Handler
	Files     http.Handler
	FilesPath string
	Health    *health.Handler
	Metrics   *metrics.Metrics
}

type Router struct {
	mux     *http.ServeMux
	cfg     RouterConfig
	handler http.Handler
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	r := &Router{mux: http.NewServeMux(), cfg: cfg}
	r.setupRoutes()
	r.handler = middleware.Chain(r.mux,
		middleware.RequestID,
		logger.RecoveryMiddleware,
		logger.LoggingMiddleware,
		metrics.MetricsMiddleware(cfg.Metrics),
		middleware.Timing,
		middleware.CORS(cfg.AllowedOrigins),
	)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	if r.cfg.Health != nil {
		r.mux.HandleFunc("GET /health", r.cfg.Health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.cfg.Health.ReadinessHandler)
	} else {
		r.mux.HandleFunc("GET /health", healthHandler)
	}
	r.mux.HandleFunc("GET /metrics", r.cfg.Metrics.Handler())

	r.mux.HandleFunc("GET /api/v1/platforms", apperrors.HandleFunc(r.platforms))

	events := NewEventsHandler(r.cfg.Events)
	jobs := NewJobsHandler(r.cfg.Jobs, r.cfg.Archive, r.cfg.Limiter)

	r.mux.HandleFunc("POST /api/v1/events", r.withAuth(events.Post))
	r.mux.HandleFunc("GET /api/v1/jobs", r.withAuth(jobs.List))
	r.mux.HandleFunc("GET /api/v1/jobs/{id}", r.withAuth(jobs.Get))
	r.mux.HandleFunc("DELETE /api/v1/jobs/{id}", r.withAuth(jobs.Cancel))
	r.mux.HandleFunc("GET /api/v1/quota", r.withAuth(jobs.Quota))

	// The WebSocket authenticates with ?token= itself
	if r.cfg.WebSocket != nil {
		r.mux.Handle("GET /ws", r.cfg.WebSocket)
	}
	if r.cfg.Files != nil && r.cfg.FilesPath != "" {
		r.mux.Handle("GET "+r.cfg.FilesPath, r.cfg.Files)
	}
}

func (r *Router) withAuth(next apperrors.Handler) http.HandlerFunc {
	mw := auth.Middleware(r.cfg.Auth)
	h := mw(apperrors.HandleFunc(next))
	return h.ServeHTTP
}

func (r *Router) platforms(w http.ResponseWriter, req *http.Request) error {
	platforms := r.cfg.Platforms
	if platforms == nil {
		platforms = []string{}
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(req.Context()), http.StatusOK, models.Platforms{
		Platforms:     platforms,
		MaxFileSizeMB: r.cfg.MaxFileSizeMB,
	})
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, "", http.StatusOK, map[string]string{"status": "ok"})
}
