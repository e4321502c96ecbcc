// Package notifications implements the Notifications component: per-user
// unread counters and last-read timestamps, maintained by consuming
// delivered-activities events off the internal event bus (spec §4.8).
package notifications

import (
	"context"
	"strings"

	"github.com/collabhub/activity/infrastructure/clock"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/feedstore"
)

const notificationStreamType = "notification"
const emailStreamType = "email"

// EmailPreferenceLookup reports whether a user's current email preference
// is IMMEDIATE, so markRead can skip a redundant digest for activity it
// has already surfaced as a live notification (spec §4.8).
type EmailPreferenceLookup interface {
	IsImmediateEmailPreference(ctx context.Context, userID string) (bool, error)
}

// Config configures a Notifications component.
type Config struct {
	KV          kv.Store
	Aggregates  *aggregatestore.Store
	Feeds       *feedstore.Store
	Bus         *events.Bus
	Preferences EmailPreferenceLookup // optional
	Clock       clock.Clock
	Logger      *logging.Logger
}

// Notifications maintains unread counters and last-read timestamps.
type Notifications struct {
	kv          kv.Store
	aggregates  *aggregatestore.Store
	feeds       *feedstore.Store
	bus         *events.Bus
	preferences EmailPreferenceLookup
	clock       clock.Clock
	logger      *logging.Logger
}

// New creates a Notifications component from cfg.
func New(cfg Config) *Notifications {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Notifications{
		kv:          cfg.KV,
		aggregates:  cfg.Aggregates,
		feeds:       cfg.Feeds,
		bus:         cfg.Bus,
		preferences: cfg.Preferences,
		clock:       clk,
		logger:      logger,
	}
}

func counterKey(userID string) string { return "oae-activity:notification-count:" + userID }
func lastReadKey(userID string) string { return "oae-activity:notification-lastread:" + userID }

// Run consumes delivered-activities events until ctx is done, incrementing
// the recipient's unread counter for every feed whose streamType is
// "notification" (spec §4.8).
func (n *Notifications) Run(ctx context.Context) {
	ch := n.bus.DeliveredActivities(events.SubscriberNotifications)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			n.handleDelivered(ctx, event)
		}
	}
}

func (n *Notifications) handleDelivered(ctx context.Context, event events.DeliveredActivitiesEvent) {
	userID, streamType, ok := splitFeedID(event.FeedID)
	if !ok || streamType != notificationStreamType || event.NewCount <= 0 {
		return
	}
	if _, err := n.kv.IncrBy(ctx, counterKey(userID), int64(event.NewCount)); err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("notifications: increment unread counter for " + userID)
	}
}

// UnreadCount returns userID's current unread counter.
func (n *Notifications) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return n.kv.GetInt(ctx, counterKey(userID))
}

// MarkRead atomically resets userID's unread counter to zero, records the
// current time as lastReadMillis, resets notification-feed aggregation so
// the next matching activity starts a fresh aggregate rather than
// appending to one the user has already seen, and — best-effort — clears
// the user's email feed when their preference is IMMEDIATE, to avoid a
// redundant digest for activity already surfaced live (spec §4.8, §7).
//
// The counter reset is required to succeed; the reset and the email-feed
// clear are best-effort and only logged on failure (spec §7).
func (n *Notifications) MarkRead(ctx context.Context, userID string) (int64, error) {
	nowMillis := n.clock.Now().UnixMilli()
	if err := n.kv.Set(ctx, counterKey(userID), 0); err != nil {
		return 0, err
	}
	if err := n.kv.Set(ctx, lastReadKey(userID), nowMillis); err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("notifications: persist lastReadMillis for " + userID)
	}

	notificationFeed := userID + "#" + notificationStreamType
	if err := n.aggregates.ResetFeeds(ctx, []string{notificationFeed}, nowMillis); err != nil {
		n.logger.WithContext(ctx).WithError(err).Warn("notifications: reset aggregation for " + notificationFeed)
	}

	if n.preferences != nil {
		immediate, err := n.preferences.IsImmediateEmailPreference(ctx, userID)
		if err != nil {
			n.logger.WithContext(ctx).WithError(err).Warn("notifications: resolve email preference for " + userID)
		} else if immediate {
			emailFeed := userID + "#" + emailStreamType
			if err := n.feeds.Clear(ctx, emailFeed); err != nil {
				n.logger.WithContext(ctx).WithError(err).Warn("notifications: clear email feed for " + userID)
			}
		}
	}

	return nowMillis, nil
}

// LastReadMillis returns the last time userID called MarkRead, or 0 if
// they never have.
func (n *Notifications) LastReadMillis(ctx context.Context, userID string) (int64, error) {
	return n.kv.GetInt(ctx, lastReadKey(userID))
}

// Reconcile rebuilds userID's unread counter from their notification feed
// tail, correcting any drift between the incrementally-maintained counter
// and the feed (spec §9 "counter is maintained incrementally; the feed is
// authoritative if they diverge"). Not run automatically; exposed for an
// operator or cron job to call.
func (n *Notifications) Reconcile(ctx context.Context, userID string) (int64, error) {
	lastRead, err := n.LastReadMillis(ctx, userID)
	if err != nil {
		return 0, err
	}
	feedID := userID + "#" + notificationStreamType

	var count int64
	token := ""
	for {
		activities, nextToken, err := n.feeds.Page(ctx, feedID, token, 100)
		if err != nil {
			return 0, err
		}
		stop := false
		for _, a := range activities {
			if a.PublishedMillis <= lastRead {
				stop = true
				break
			}
			count++
		}
		if stop || nextToken == "" || len(activities) == 0 {
			break
		}
		token = nextToken
	}

	if err := n.kv.Set(ctx, counterKey(userID), count); err != nil {
		return 0, err
	}
	return count, nil
}

// splitFeedID splits a "{resourceId}#{streamType}" feed id, per
// model.Route.FeedID's format.
func splitFeedID(feedID string) (resourceID, streamType string, ok bool) {
	idx := strings.LastIndex(feedID, "#")
	if idx < 0 {
		return "", "", false
	}
	return feedID[:idx], feedID[idx+1:], true
}
