// Command activityd runs the activity pipeline as a single process:
// the REST/WebSocket API, the Aggregator's bucket-drain loop, and the
// Email Scheduler's polling loop, all sharing one set of stores.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	activityconfig "github.com/collabhub/activity/infrastructure/config"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/mailer"
	"github.com/collabhub/activity/infrastructure/metrics"
	"github.com/collabhub/activity/infrastructure/middleware"
	"github.com/collabhub/activity/infrastructure/pubsub"
	"github.com/collabhub/activity/infrastructure/rowstore"
	"github.com/collabhub/activity/infrastructure/runtime"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/aggregator"
	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/bucket"
	"github.com/collabhub/activity/internal/activity/email"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/feedstore"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/notifications"
	"github.com/collabhub/activity/internal/activity/push"
	"github.com/collabhub/activity/internal/activity/queuestore"
	"github.com/collabhub/activity/internal/activity/registry"
	"github.com/collabhub/activity/internal/activity/router"
	"github.com/collabhub/activity/internal/api"
)

const eventBusBufferSize = 256

func main() {
	cfg, err := activityconfig.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.New("activityd", cfg.LogLevel, cfg.LogFormat)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := rowstore.Open(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer sqlDB.Close()
	rows := rowstore.New(sqlDB)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()
	store := kv.New(redisClient)

	notifyDB, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres (pubsub): %v", err)
	}
	defer notifyDB.Close()
	bus, err := pubsub.NewWithDB(notifyDB, cfg.PostgresDSN, logger)
	if err != nil {
		log.Fatalf("start pubsub listener: %v", err)
	}
	defer bus.Close()

	reg := registry.New()
	tenants := tenant.NewInMemory()
	registerDefaultTypes(reg)
	reg.Freeze()

	feeds := feedstore.New(rows, cfg.ActivityTTL)
	queue := queuestore.New(store)
	buckets := bucket.New(store)
	aggregates := aggregatestore.New(store, cfg.AggregateIdleExpiry, cfg.AggregateMaxExpiry)
	eventBus := events.New(eventBusBufferSize)

	r := router.New(router.Config{
		Registry:    reg,
		Queue:       queue,
		Buckets:     buckets,
		Bus:         eventBus,
		Tenants:     tenants,
		BucketCount: cfg.BucketCount,
		Logger:      logger,
	})

	agg := aggregator.New(aggregator.Config{
		Registry:                 reg,
		Queue:                    queue,
		Buckets:                  buckets,
		Aggregates:               aggregates,
		Feeds:                    feeds,
		Bus:                      eventBus,
		Logger:                   logger,
		BucketCount:              cfg.BucketCount,
		CollectionBatchSize:      cfg.CollectionBatchSize,
		MaxConcurrentCollections: cfg.MaxConcurrentCollections,
		LockTTL:                  cfg.BucketLockTTL,
		AggregateMaxExpiry:       cfg.AggregateMaxExpiry,
	})

	directory := email.NewInMemory(tenants)
	scheduler := email.New(email.Config{
		KV:          store,
		Buckets:     rows,
		Feeds:       feeds,
		Aggregates:  aggregates,
		Registry:    reg,
		Tenants:     tenants,
		Directory:   directory,
		Mailer:      mailer.NewResilient(mailer.NewLoggingMailer(logger), nil, logger),
		Bus:         eventBus,
		Logger:      logger,
		BucketCount: cfg.BucketCount,
		LockTTL:     cfg.BucketLockTTL,
		GracePeriod: cfg.EmailGracePeriod,
	})

	notify := notifications.New(notifications.Config{
		KV:          store,
		Aggregates:  aggregates,
		Feeds:       feeds,
		Bus:         eventBus,
		Preferences: emailPreferenceLookup{directory: directory},
		Logger:      logger,
	})

	pushPublisher := push.NewPublisher(eventBus, bus, reg, logger)
	pushService := push.New(push.Config{
		Registry: reg,
		Tenants:  tenants,
		PubSub:   bus,
		Logger:   logger,
	})

	var metricsService *metrics.Metrics
	if cfg.MetricsEnabled {
		metricsService = metrics.New("activity")
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.Env == runtime.Production {
		rateLimiter = middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(logger))
	}

	activityFacade := api.NewActivity(api.Config{
		Router:        r,
		Feeds:         feeds,
		Notifications: notify,
		Registry:      reg,
		Logger:        logger,
	})

	handler := api.NewServer(api.ServerConfig{
		Activity:       activityFacade,
		Push:           pushService,
		Logger:         logger,
		RateLimiter:    rateLimiter,
		MetricsService: metricsService,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go notify.Run(rootCtx)
	go scheduler.Run(rootCtx)
	go pushPublisher.Run(rootCtx)
	go runAggregationLoop(rootCtx, agg, logger, cfg.CollectionPollingInterval)
	go runEmailCollectionLoop(rootCtx, scheduler, logger, cfg.EmailPollingInterval)

	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.OnShutdown(cancel)
	shutdown.ListenForSignals()

	log.Printf("activityd listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
	shutdown.Wait()
}

// runAggregationLoop drains every bucket once per tick (spec §4.7, §5).
func runAggregationLoop(ctx context.Context, agg *aggregator.Aggregator, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := agg.CollectAll(ctx); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("activityd: aggregation cycle")
			}
		}
	}
}

// runEmailCollectionLoop drains due email buckets once per tick (spec §4.9, §5).
func runEmailCollectionLoop(ctx context.Context, scheduler *email.Scheduler, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := scheduler.CollectDue(ctx); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("activityd: email collection cycle")
			}
		}
	}
}

// emailPreferenceLookup adapts a Directory to
// notifications.EmailPreferenceLookup.
type emailPreferenceLookup struct {
	directory *email.InMemory
}

func (e emailPreferenceLookup) IsImmediateEmailPreference(ctx context.Context, userID string) (bool, error) {
	recipient, err := e.directory.Recipient(ctx, userID)
	if err != nil {
		return false, err
	}
	return recipient.Preference == email.PreferenceImmediate, nil
}

// registerDefaultTypes registers the activity/entity/stream types a
// deployment needs at minimum: a content-share activity routed to the
// target and the object's managers (notification, with email metadata)
// and to the actor's own activity stream (spec §4.6 example, §9).
func registerDefaultTypes(reg *registry.Registry) {
	mustRegister(reg.RegisterStreamType("activity", registry.StreamTypeOptions{
		VisibilityBucketing: true,
	}))
	mustRegister(reg.RegisterStreamType("notification", registry.StreamTypeOptions{
		PushPhase: registry.PushPhaseAggregation,
	}))
	mustRegister(reg.RegisterStreamType("email", registry.StreamTypeOptions{}))

	mustRegister(reg.RegisterEntityType("content", registry.EntityTypeOptions{
		Propagation: func(_ context.Context, _ model.ActivityEntity) ([]registry.PropagationRule, error) {
			return []registry.PropagationRule{{Type: registry.PropagationAll}}, nil
		},
	}))

	mustRegister(reg.RegisterActivityType("content-share", registry.ActivityTypeOptions{
		Streams: map[string]registry.StreamRouterConfig{
			"activity": {
				Roles: map[model.Role]registry.RoleAssociations{
					model.RoleActor: {registry.Union("self")},
				},
			},
			"notification": {
				Roles: map[model.Role]registry.RoleAssociations{
					model.RoleTarget: {registry.Union("self")},
					model.RoleObject: {registry.Union("managers")},
				},
				Email: &registry.EmailMetadata{},
			},
		},
	}))
}

func mustRegister(err error) {
	if err != nil {
		log.Fatalf("register default type: %v", err)
	}
}
