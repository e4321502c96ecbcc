package push

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/pubsub"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/registry"
)

// Config configures a Service.
type Config struct {
	Registry *registry.Registry
	Tenants  tenant.Service
	PubSub   *pubsub.Bus
	Logger   *logging.Logger

	// CheckOrigin overrides the upgrader's origin check; nil accepts any
	// origin (same posture as gorilla/websocket's permissive default).
	CheckOrigin func(*http.Request) bool
}

// Service accepts WebSocket upgrades and drives each connection's session
// state machine (spec §4.10).
type Service struct {
	registry *registry.Registry
	tenants  tenant.Service
	hub      *hub
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Service{
		registry: cfg.Registry,
		tenants:  cfg.Tenants,
		hub:      newHub(cfg.PubSub),
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// ServeWS upgrades r to a WebSocket connection and runs its session until
// the socket closes or ctx is done.
func (svc *Service) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := svc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		svc.logger.WithContext(ctx).WithError(err).Warn("push: upgrade failed")
		return
	}
	sess := newSession(conn, svc.hub, svc.registry, svc.tenants, svc.logger)
	sess.run(ctx)
}

// ServeHTTP adapts ServeWS to http.Handler using the request's context.
func (svc *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc.ServeWS(r.Context(), w, r)
}
