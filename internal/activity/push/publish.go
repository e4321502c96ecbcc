package push

import (
	"context"
	"strings"

	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/pubsub"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

// phaseRouting and phaseAggregation tag a pushPayload with which event
// produced it, so a subscriber's entity render can be driven by a single
// wire shape regardless of source (spec §4.10 "push sources").
const (
	phaseRouting     = "routing"
	phaseAggregation = "aggregation"
)

// pushPayload is the wire shape published to a pub/sub channel: either one
// freshly routed activity (ROUTING phase) or an aggregator's delivered
// batch (AGGREGATION phase).
type pushPayload struct {
	Phase      string           `json:"phase"`
	Activities []model.Activity `json:"activities"`
	NewCount   int              `json:"newCount,omitempty"`
}

// Publisher drains the internal event bus's push-service subscription and
// republishes onto the pub/sub bus, so push sockets on any process in the
// fleet receive deliveries regardless of which process routed or
// aggregated them.
type Publisher struct {
	events   *events.Bus
	pubsub   *pubsub.Bus
	registry *registry.Registry
	logger   *logging.Logger
}

// NewPublisher builds a Publisher from its dependencies.
func NewPublisher(eventsBus *events.Bus, pubsubBus *pubsub.Bus, reg *registry.Registry, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{events: eventsBus, pubsub: pubsubBus, registry: reg, logger: logger}
}

// Run drains both push sources until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	routed := p.events.RoutedActivities(events.SubscriberPushService)
	delivered := p.events.DeliveredActivities(events.SubscriberPushService)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-routed:
			if !ok {
				return
			}
			p.publishRouted(ctx, event)
		case event, ok := <-delivered:
			if !ok {
				return
			}
			p.publishDelivered(ctx, event)
		}
	}
}

// publishRouted pushes each routed activity whose stream type's push
// phase is ROUTING (spec §4.10 "one activity per message").
func (p *Publisher) publishRouted(ctx context.Context, event events.RoutedActivitiesEvent) {
	for _, item := range event.Items {
		opts, ok := p.registry.StreamType(item.Route.StreamType)
		if !ok || opts.PushPhase != registry.PushPhaseRouting {
			continue
		}
		channel := pubsub.ActivityChannel(item.Route.ResourceID, item.Route.StreamType)
		payload := pushPayload{Phase: phaseRouting, Activities: []model.Activity{item.Activity}}
		if err := p.pubsub.Publish(ctx, channel, payload); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("push: publish routed activity on " + channel)
		}
	}
}

// publishDelivered pushes an aggregator batch whose stream type's push
// phase is AGGREGATION, carrying the aggregated activities and
// numNewActivities count.
func (p *Publisher) publishDelivered(ctx context.Context, event events.DeliveredActivitiesEvent) {
	_, streamType, ok := splitFeedID(event.FeedID)
	if !ok {
		return
	}
	opts, ok := p.registry.StreamType(streamType)
	if !ok || opts.PushPhase != registry.PushPhaseAggregation {
		return
	}
	payload := pushPayload{Phase: phaseAggregation, Activities: event.Activities, NewCount: event.NewCount}
	if err := p.pubsub.Publish(ctx, event.FeedID, payload); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("push: publish delivered activities on " + event.FeedID)
	}
}

// splitFeedID splits a "{resourceId}#{streamType}" feed id.
func splitFeedID(feedID string) (resourceID, streamType string, ok bool) {
	idx := strings.LastIndex(feedID, "#")
	if idx < 0 {
		return "", "", false
	}
	return feedID[:idx], feedID[idx+1:], true
}
