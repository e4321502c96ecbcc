// Package events is the activity pipeline's internal event bus: typed,
// buffered channels replacing a global event emitter, with a fixed set of
// named subscribers (Notifications, Email Scheduler, Push Service) wired
// up by whoever constructs the Bus — never a module-level singleton
// (spec §9).
package events

import (
	"context"

	"github.com/collabhub/activity/internal/activity/model"
)

// Subscriber names the fixed set of consumers the Bus fans out to.
type Subscriber string

const (
	SubscriberNotifications  Subscriber = "notifications"
	SubscriberEmailScheduler Subscriber = "email-scheduler"
	SubscriberPushService    Subscriber = "push-service"
)

var subscribers = []Subscriber{SubscriberNotifications, SubscriberEmailScheduler, SubscriberPushService}

// RoutedActivitiesEvent is emitted once per router batch, after routing
// and bucket assignment, before aggregation.
type RoutedActivitiesEvent struct {
	Items []model.RoutedActivity
}

// DeliveredActivitiesEvent is emitted once per aggregator drain, after an
// Activity has been written to its destination feeds. NewCount is how
// many of Activities are freshly created aggregates rather than replacing
// a still-live one.
type DeliveredActivitiesEvent struct {
	FeedID     string
	Activities []model.Activity
	NewCount   int
}

// UpdatedUserEvent is emitted when a user-scoped cache (unread counter,
// email enrollment) needs to be recomputed.
type UpdatedUserEvent struct {
	UserID string
}

// Bus fans out each publish to one channel per fixed subscriber. Construct
// one per process and pass it to whichever components need to publish or
// subscribe; there is no global instance.
type Bus struct {
	routedActivities    map[Subscriber]chan RoutedActivitiesEvent
	deliveredActivities map[Subscriber]chan DeliveredActivitiesEvent
	updatedUser         map[Subscriber]chan UpdatedUserEvent
}

// New creates a Bus with bufferSize-deep channels for each fixed
// subscriber and event type.
func New(bufferSize int) *Bus {
	b := &Bus{
		routedActivities:    make(map[Subscriber]chan RoutedActivitiesEvent, len(subscribers)),
		deliveredActivities: make(map[Subscriber]chan DeliveredActivitiesEvent, len(subscribers)),
		updatedUser:         make(map[Subscriber]chan UpdatedUserEvent, len(subscribers)),
	}
	for _, sub := range subscribers {
		b.routedActivities[sub] = make(chan RoutedActivitiesEvent, bufferSize)
		b.deliveredActivities[sub] = make(chan DeliveredActivitiesEvent, bufferSize)
		b.updatedUser[sub] = make(chan UpdatedUserEvent, bufferSize)
	}
	return b
}

// RoutedActivities returns subscriber's read-only ROUTED_ACTIVITIES channel.
func (b *Bus) RoutedActivities(subscriber Subscriber) <-chan RoutedActivitiesEvent {
	return b.routedActivities[subscriber]
}

// DeliveredActivities returns subscriber's read-only DELIVERED_ACTIVITIES channel.
func (b *Bus) DeliveredActivities(subscriber Subscriber) <-chan DeliveredActivitiesEvent {
	return b.deliveredActivities[subscriber]
}

// UpdatedUser returns subscriber's read-only UPDATED_USER channel.
func (b *Bus) UpdatedUser(subscriber Subscriber) <-chan UpdatedUserEvent {
	return b.updatedUser[subscriber]
}

// PublishRoutedActivities fans event out to every subscriber, blocking on
// a full channel only until ctx is done.
func (b *Bus) PublishRoutedActivities(ctx context.Context, event RoutedActivitiesEvent) error {
	for _, sub := range subscribers {
		select {
		case b.routedActivities[sub] <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishDeliveredActivities fans event out to every subscriber.
func (b *Bus) PublishDeliveredActivities(ctx context.Context, event DeliveredActivitiesEvent) error {
	for _, sub := range subscribers {
		select {
		case b.deliveredActivities[sub] <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishUpdatedUser fans event out to every subscriber.
func (b *Bus) PublishUpdatedUser(ctx context.Context, event UpdatedUserEvent) error {
	for _, sub := range subscribers {
		select {
		case b.updatedUser[sub] <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every subscriber channel. Callers must stop publishing
// before calling Close.
func (b *Bus) Close() {
	for _, sub := range subscribers {
		close(b.routedActivities[sub])
		close(b.deliveredActivities[sub])
		close(b.updatedUser[sub])
	}
}
