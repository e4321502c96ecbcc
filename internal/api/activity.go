// Package api implements the activity module's REST and WebSocket
// surface: postActivity, activity/notification stream reads, markRead,
// stream removal, and the /api/push upgrade (spec §6).
package api

import (
	"context"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/internal/activity/feedstore"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/notifications"
	"github.com/collabhub/activity/internal/activity/registry"
	"github.com/collabhub/activity/internal/activity/router"
)

const (
	streamTypeActivity     = "activity"
	streamTypeNotification = "notification"

	visibilitySuffixPublic   = "#public"
	visibilitySuffixLoggedIn = "#loggedin"
)

// Activity bundles the ingress operations of spec §6 over the pipeline's
// component stores, for internal/api's handlers to call.
type Activity struct {
	router        *router.Router
	feeds         *feedstore.Store
	notifications *notifications.Notifications
	registry      *registry.Registry
	logger        *logging.Logger
}

// Config configures an Activity facade.
type Config struct {
	Router        *router.Router
	Feeds         *feedstore.Store
	Notifications *notifications.Notifications
	Registry      *registry.Registry
	Logger        *logging.Logger
}

// NewActivity creates an Activity facade from cfg.
func NewActivity(cfg Config) *Activity {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Activity{
		router:        cfg.Router,
		feeds:         cfg.Feeds,
		notifications: cfg.Notifications,
		registry:      cfg.Registry,
		logger:        logger,
	}
}

// PostActivity validates and routes seed (spec §6 Ingress).
func (a *Activity) PostActivity(ctx context.Context, seed model.ActivitySeed) ([]model.RoutedActivity, error) {
	return a.router.PostActivity(ctx, seed)
}

// streamFeedID resolves the feed a viewer reads for principal's streamType,
// per the principal visibility rule (spec §6): the principal reading their
// own stream sees the private feed; any other authenticated viewer sees the
// loggedin-visible feed; an anonymous viewer sees only the public feed.
func streamFeedID(viewerID, principalID, streamType string) string {
	base := principalID + "#" + streamType
	switch {
	case viewerID != "" && viewerID == principalID:
		return base
	case viewerID != "":
		return base + visibilitySuffixLoggedIn
	default:
		return base + visibilitySuffixPublic
	}
}

// GetActivityStream reads principalID's activity feed as seen by viewerID,
// rendered in format (spec §6 Ingress: getActivityStream).
func (a *Activity) GetActivityStream(ctx context.Context, viewerID, principalID, start string, limit int, format string) ([]renderedActivity, string, error) {
	feedID := streamFeedID(viewerID, principalID, streamTypeActivity)
	activities, nextToken, err := a.feeds.Page(ctx, feedID, start, limit)
	if err != nil {
		return nil, "", err
	}
	rendered, err := renderActivities(ctx, a.registry, format, activities)
	if err != nil {
		return nil, "", err
	}
	return rendered, nextToken, nil
}

// GetNotificationStream reads userID's own notification feed (spec §6
// Ingress: getNotificationStream). A user's notification stream is always
// private, so there is no viewer/principal distinction here.
func (a *Activity) GetNotificationStream(ctx context.Context, userID, start string, limit int, format string) ([]renderedActivity, string, error) {
	activities, nextToken, err := a.feeds.Page(ctx, userID+"#"+streamTypeNotification, start, limit)
	if err != nil {
		return nil, "", err
	}
	rendered, err := renderActivities(ctx, a.registry, format, activities)
	if err != nil {
		return nil, "", err
	}
	return rendered, nextToken, nil
}

// MarkNotificationsRead implements markNotificationsRead (spec §6 Ingress,
// §4.8): delegates straight to Notifications, whose counter reset is
// required to succeed while the aggregation reset and email-feed clear are
// best-effort. Returns the millisecond timestamp the read was recorded at.
func (a *Activity) MarkNotificationsRead(ctx context.Context, userID string) (int64, error) {
	return a.notifications.MarkRead(ctx, userID)
}

// RemoveActivityStream deletes every suffixed stream feed for principalID
// (spec §6 Ingress: removeActivityStream, admin-only). Failures on
// individual feeds are collected rather than aborting the rest, since
// there is no ordering dependency between them.
func (a *Activity) RemoveActivityStream(ctx context.Context, principalID string) error {
	var result *multierror.Error
	for _, streamType := range a.registry.StreamTypeNames() {
		base := principalID + "#" + streamType
		for _, feedID := range []string{base, base + visibilitySuffixPublic, base + visibilitySuffixLoggedIn} {
			if err := a.feeds.Clear(ctx, feedID); err != nil {
				result = multierror.Append(result, errors.Internal("clear "+feedID, err))
			}
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}
