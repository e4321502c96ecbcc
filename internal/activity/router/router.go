// Package router implements postActivity and the Router component: entity
// production, route production, propagation filtering, visibility
// bucketing, and bucket assignment (spec §4.6).
package router

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/collabhub/activity/infrastructure/clock"
	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/bucket"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/queuestore"
	"github.com/collabhub/activity/internal/activity/registry"
)

// Router validates and routes activity seeds, enqueueing the resulting
// routed activities onto their assigned buckets.
type Router struct {
	registry    *registry.Registry
	queue       *queuestore.Store
	buckets     *bucket.Service
	bus         *events.Bus
	tenants     tenant.Service
	clock       clock.Clock
	bucketCount int
	logger      *logging.Logger
}

// Config configures a Router.
type Config struct {
	Registry    *registry.Registry
	Queue       *queuestore.Store
	Buckets     *bucket.Service
	Bus         *events.Bus
	Tenants     tenant.Service
	Clock       clock.Clock
	BucketCount int
	Logger      *logging.Logger
}

// New creates a Router from cfg.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		buckets:     cfg.Buckets,
		bus:         cfg.Bus,
		tenants:     cfg.Tenants,
		clock:       clk,
		bucketCount: cfg.BucketCount,
		logger:      logger,
	}
}

// PostActivity validates seed, routes it, and enqueues the resulting
// routed activities onto their assigned buckets (spec §4.6, §6).
func (r *Router) PostActivity(ctx context.Context, seed model.ActivitySeed) ([]model.RoutedActivity, error) {
	if err := validateSeed(seed); err != nil {
		return nil, err
	}
	if !r.registry.Frozen() {
		return nil, errors.Conflict("registry is not yet initialised")
	}
	activityTypeOpts, ok := r.registry.ActivityType(seed.ActivityType)
	if !ok {
		return nil, errors.UnknownActivity(seed.ActivityType)
	}

	activity := model.Activity{
		ActivityType:    seed.ActivityType,
		ActivityID:      newActivityID(seed.PublishedMillis),
		Verb:            seed.Verb,
		PublishedMillis: seed.PublishedMillis,
	}

	entities, err := r.produceEntities(ctx, &seed)
	if err != nil {
		return nil, err
	}
	for _, role := range model.Roles {
		if entities[role] != nil {
			activity.SetEntity(role, entities[role])
		}
	}

	routes, err := r.computeRoutes(ctx, activityTypeOpts, entities)
	if err != nil {
		return nil, err
	}

	routed := make([]model.RoutedActivity, 0, len(routes))
	for _, route := range routes {
		routed = append(routed, model.RoutedActivity{
			Route:      route,
			Activity:   activity,
			ActivityID: activity.ActivityID,
		})
	}

	if err := r.enqueue(ctx, routed, seed.ActivityType); err != nil {
		return nil, err
	}
	if r.bus != nil {
		if err := r.bus.PublishRoutedActivities(ctx, events.RoutedActivitiesEvent{Items: routed}); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("router: publish routed-activities event")
		}
	}
	return routed, nil
}

func validateSeed(seed model.ActivitySeed) error {
	if strings.TrimSpace(seed.ActivityType) == "" {
		return errors.MissingParameter("activityType")
	}
	if strings.TrimSpace(seed.Verb) == "" {
		return errors.MissingParameter("verb")
	}
	if seed.PublishedMillis <= 0 {
		return errors.InvalidInput("publishedMillis", "must be a positive number")
	}
	if err := validateResource(seed.Actor, "actor"); err != nil {
		return err
	}
	if seed.Actor == nil {
		return errors.MissingParameter("actor")
	}
	if err := validateResource(seed.Object, "object"); err != nil {
		return err
	}
	if err := validateResource(seed.Target, "target"); err != nil {
		return err
	}
	return nil
}

func validateResource(resource *model.SeedResource, field string) error {
	if resource == nil {
		return nil
	}
	if strings.TrimSpace(resource.ResourceID) == "" {
		return errors.MissingParameter(field + ".resourceId")
	}
	if strings.TrimSpace(resource.ResourceType) == "" {
		return errors.MissingParameter(field + ".resourceType")
	}
	return nil
}

func newActivityID(publishedMillis int64) string {
	return strconv.FormatInt(publishedMillis, 10) + ":" + uuid.NewString()[:8]
}

// produceEntities runs each present seed resource through its registered
// (or default) producer (spec §4.6 step 1).
func (r *Router) produceEntities(ctx context.Context, seed *model.ActivitySeed) (map[model.Role]*model.ActivityEntity, error) {
	out := map[model.Role]*model.ActivityEntity{}
	var errs *multierror.Error
	for _, role := range model.Roles {
		resource := seed.Resource(role)
		if resource == nil {
			continue
		}
		opts := r.registry.EntityType(resource.ResourceType)
		entity, err := opts.Producer(ctx, *resource)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out[role] = &entity
	}
	return out, errs.ErrorOrNil()
}
