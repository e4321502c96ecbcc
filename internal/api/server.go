package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/metrics"
	"github.com/collabhub/activity/infrastructure/middleware"
	"github.com/collabhub/activity/internal/activity/push"
)

// ServerConfig configures the activity module's HTTP surface.
type ServerConfig struct {
	Activity       *Activity
	Push           *push.Service
	Logger         *logging.Logger
	CORSOrigins    []string
	RateLimiter    *middleware.RateLimiter
	MetricsService *metrics.Metrics
}

// NewServer builds the mux.Router mounting every REST endpoint (spec §6)
// and the /api/push WebSocket upgrade, with the same middleware chain
// shape the gateway uses: logging, recovery, metrics, CORS, body limit,
// rate limiting.
func NewServer(cfg ServerConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if cfg.MetricsService != nil {
		r.Use(middleware.MetricsMiddleware("activity", cfg.MetricsService))
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:         cfg.CORSOrigins,
		AllowedMethods:         []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:         []string{"Content-Type", "Authorization", "X-User-ID", "X-User-Role", "X-Trace-ID"},
		ExposedHeaders:         []string{"X-Trace-ID"},
		AllowCredentials:       true,
		MaxAgeSeconds:          3600,
		PreflightStatus:        http.StatusOK,
		RejectDisallowedOrigin: true,
	}).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Handler)
	}

	h := newHandler(cfg.Activity)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/activity", h.getCurrentUserActivityStream).Methods(http.MethodGet)
	api.HandleFunc("/activity/{resourceId}", h.getResourceActivityStream).Methods(http.MethodGet)
	api.HandleFunc("/activity/{resourceId}", h.removeActivityStream).Methods(http.MethodDelete)
	api.HandleFunc("/notifications", h.getNotificationStream).Methods(http.MethodGet)
	api.HandleFunc("/notifications/markRead", h.markNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/activities", h.postActivity).Methods(http.MethodPost)

	if cfg.Push != nil {
		api.Handle("/push", cfg.Push).Methods(http.MethodGet)
	}

	return r
}
