package email

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/collabhub/activity/infrastructure/clock"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/mailer"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/feedstore"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

const emailStreamType = "email"

// lookback maps a digest preference to how far back its collection loads
// activities from the recipient's email feed (spec §4.9's "1h / 2d / 2w").
var lookback = map[Preference]time.Duration{
	PreferenceImmediate: time.Hour,
	PreferenceDaily:      48 * time.Hour,
	PreferenceWeekly:     14 * 24 * time.Hour,
}

// BucketStore is the row-store surface the scheduler enrolls and drains
// users through.
type BucketStore interface {
	AddToEmailBucket(ctx context.Context, bucketID, userID string) error
	ListActiveEmailBuckets(ctx context.Context) ([]string, error)
	ListEmailBucketUsers(ctx context.Context, bucketID string) ([]string, error)
	RemoveFromEmailBucket(ctx context.Context, bucketID, userID string) error
}

// Config configures an Email Scheduler.
type Config struct {
	KV          kv.Store
	Buckets     BucketStore
	Feeds       *feedstore.Store
	Aggregates  *aggregatestore.Store
	Registry    *registry.Registry
	Tenants     tenant.Service
	Directory   Directory
	Mailer      mailer.Mailer
	Bus         *events.Bus
	Clock       clock.Clock
	Logger      *logging.Logger
	BucketCount int           // hash buckets per preference family
	LockTTL     time.Duration // spec §5: must be <= the polling interval
	GracePeriod time.Duration // spec §P7
}

// Scheduler implements the Email Scheduler component (spec §4.9).
type Scheduler struct {
	kv          kv.Store
	buckets     BucketStore
	feeds       *feedstore.Store
	aggregates  *aggregatestore.Store
	registry    *registry.Registry
	tenants     tenant.Service
	directory   Directory
	mailer      mailer.Mailer
	bus         *events.Bus
	clock       clock.Clock
	logger      *logging.Logger
	bucketCount int
	lockTTL     time.Duration
	gracePeriod time.Duration

	lastCollectedAt time.Time
}

// New creates a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	n := cfg.BucketCount
	if n <= 0 {
		n = 1
	}
	return &Scheduler{
		kv:              cfg.KV,
		buckets:         cfg.Buckets,
		feeds:           cfg.Feeds,
		aggregates:      cfg.Aggregates,
		registry:        cfg.Registry,
		tenants:         cfg.Tenants,
		directory:       cfg.Directory,
		mailer:          cfg.Mailer,
		bus:             cfg.Bus,
		clock:           clk,
		logger:          logger,
		bucketCount:     n,
		lockTTL:         cfg.LockTTL,
		gracePeriod:     cfg.GracePeriod,
		lastCollectedAt: clk.Now(),
	}
}

// Run subscribes to delivered-activities events and enrolls recipients
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ch := s.bus.DeliveredActivities(events.SubscriberEmailScheduler)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.enroll(ctx, event)
		}
	}
}

// enroll adds event's feed owner to the appropriate email bucket when the
// feed's stream type is "email" and the recipient's preference is not
// NEVER (spec §4.9).
func (s *Scheduler) enroll(ctx context.Context, event events.DeliveredActivitiesEvent) {
	if event.NewCount <= 0 {
		return
	}
	userID, streamType, ok := splitFeedID(event.FeedID)
	if !ok || streamType != emailStreamType {
		return
	}

	recipient, err := s.directory.Recipient(ctx, userID)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("email: resolve recipient for " + userID)
		return
	}
	if recipient.Preference == PreferenceNever || recipient.Preference == "" {
		return
	}

	id, err := s.bucketFor(ctx, recipient)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("email: resolve bucket for " + userID)
		return
	}
	if err := s.buckets.AddToEmailBucket(ctx, id, userID); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("email: enroll " + userID + " in " + id)
	}
}

func (s *Scheduler) bucketFor(ctx context.Context, recipient Recipient) (string, error) {
	if recipient.Preference == PreferenceImmediate {
		return bucketID(s.bucketCount, PreferenceImmediate, 0, 0), nil
	}
	t, err := s.tenants.GetTenant(ctx, recipient.TenantAlias)
	if err != nil {
		return "", err
	}
	hour, day := triggerUTC(t.DigestHour, t.DigestDayOfWeek, recipient.TimezoneOffset)
	return bucketID(s.bucketCount, recipient.Preference, day, hour), nil
}

// splitFeedID splits a "{resourceId}#{streamType}" feed id.
func splitFeedID(feedID string) (resourceID, streamType string, ok bool) {
	idx := strings.LastIndex(feedID, "#")
	if idx < 0 {
		return "", "", false
	}
	return feedID[:idx], feedID[idx+1:], true
}

// CollectDue runs one polling cycle: every active bucket due for
// collection (per dueThisCycle) is drained under its own single-owner
// lock (spec §5's "three bucket families (immediate/daily/weekly)").
func (s *Scheduler) CollectDue(ctx context.Context) error {
	now := s.clock.Now()
	previous := s.lastCollectedAt
	defer func() { s.lastCollectedAt = now }()

	bucketIDs, err := s.buckets.ListActiveEmailBuckets(ctx)
	if err != nil {
		return err
	}
	for _, id := range bucketIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pb, ok := parseBucketID(id)
		if !ok || !dueThisCycle(pb, previous, now) {
			continue
		}
		if err := s.collectOne(ctx, pb); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("email: collect bucket " + id)
		}
	}
	return nil
}

func (s *Scheduler) collectOne(ctx context.Context, pb parsedBucket) error {
	lockKey := "oae-activity-email:lock:" + pb.ID
	token := uuid.NewString()
	acquired, err := s.kv.SetNX(ctx, lockKey, token, s.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() { _, _ = s.kv.ReleaseLock(ctx, lockKey, token) }()

	userIDs, err := s.buckets.ListEmailBucketUsers(ctx, pb.ID)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := s.collectUser(ctx, pb, userID); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("email: digest for " + userID)
		}
	}
	return nil
}

func (s *Scheduler) collectUser(ctx context.Context, pb parsedBucket, userID string) error {
	nowMillis := s.clock.Now().UnixMilli()
	feedID := userID + "#" + emailStreamType
	cutoff := nowMillis - lookback[pb.Preference].Milliseconds()

	activities, err := s.loadSince(ctx, feedID, cutoff)
	if err != nil {
		return err
	}
	if len(activities) == 0 {
		return nil
	}

	graceCutoff := nowMillis - s.gracePeriod.Milliseconds()
	for _, a := range activities {
		if a.PublishedMillis > graceCutoff {
			return nil // spec §P7: defer, do not email, do not unqueue
		}
	}

	if err := s.aggregates.ResetFeeds(ctx, []string{feedID}, nowMillis); err != nil {
		return err
	}
	if err := s.buckets.RemoveFromEmailBucket(ctx, pb.ID, userID); err != nil {
		return err
	}
	ids := make([]string, 0, len(activities))
	for _, a := range activities {
		ids = append(ids, a.ActivityID)
	}
	if err := s.feeds.Delete(ctx, feedID, ids); err != nil {
		return err
	}

	return s.send(ctx, userID, activities)
}

// loadSince pages feedID newest-first until an activity older than cutoff
// is reached, returning the activities at or after cutoff oldest-first.
func (s *Scheduler) loadSince(ctx context.Context, feedID string, cutoff int64) ([]model.Activity, error) {
	var collected []model.Activity
	token := ""
	for {
		page, nextToken, err := s.feeds.Page(ctx, feedID, token, 100)
		if err != nil {
			return nil, err
		}
		stop := false
		for _, a := range page {
			if a.PublishedMillis < cutoff {
				stop = true
				break
			}
			collected = append(collected, a)
		}
		if stop || nextToken == "" || len(page) == 0 {
			break
		}
		token = nextToken
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func (s *Scheduler) send(ctx context.Context, userID string, activities []model.Activity) error {
	regrouped := regroupForDigest(activities)
	entries, err := transformDigest(ctx, s.registry, regrouped)
	if err != nil {
		return err
	}

	recipient, err := s.directory.Recipient(ctx, userID)
	if err != nil {
		return err
	}

	templateModule, templateID := "oae-activity", "email"
	if len(regrouped) > 0 {
		if opts, ok := s.registry.ActivityType(regrouped[0].ActivityType); ok {
			if cfg, ok := opts.Streams[emailStreamType]; ok && cfg.Email != nil {
				templateModule, templateID = cfg.Email.TemplateModule, cfg.Email.TemplateID
			}
		}
	}

	msg := mailer.Message{
		Recipient:      recipient.Email,
		TemplateModule: templateModule,
		TemplateID:     templateID,
		DataBag:        map[string]interface{}{"activities": entries},
		Hash:           fingerprint(userID, activities),
	}
	err = s.mailer.Send(ctx, msg)
	s.logger.LogEmailSend(ctx, userID, len(regrouped), err)
	return err
}
