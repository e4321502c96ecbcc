package email

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/collabhub/activity/infrastructure/clock"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/infrastructure/mailer"
	"github.com/collabhub/activity/infrastructure/rowstore"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/feedstore"
	"github.com/collabhub/activity/internal/activity/model"
	"github.com/collabhub/activity/internal/activity/registry"
)

// fakeBuckets is an in-memory BucketStore for tests.
type fakeBuckets struct {
	mu   sync.Mutex
	byID map[string]map[string]bool
}

func newFakeBuckets() *fakeBuckets { return &fakeBuckets{byID: make(map[string]map[string]bool)} }

func (f *fakeBuckets) AddToEmailBucket(_ context.Context, bucketID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID[bucketID] == nil {
		f.byID[bucketID] = make(map[string]bool)
	}
	f.byID[bucketID][userID] = true
	return nil
}

func (f *fakeBuckets) ListActiveEmailBuckets(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, users := range f.byID {
		if len(users) > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeBuckets) ListEmailBucketUsers(_ context.Context, bucketID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for userID := range f.byID[bucketID] {
		out = append(out, userID)
	}
	return out, nil
}

func (f *fakeBuckets) RemoveFromEmailBucket(_ context.Context, bucketID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID[bucketID], userID)
	return nil
}

func (f *fakeBuckets) has(bucketID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[bucketID][userID]
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestScheduler(t *testing.T, buckets *fakeBuckets, directory Directory, mailr mailer.Mailer, startMillis int64, gracePeriod time.Duration) (*Scheduler, *feedstore.Store, sqlmock.Sqlmock, *clock.Fake) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kvStore := kv.New(client)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	feeds := feedstore.New(rowstore.New(sqlx.NewDb(db, "postgres")), time.Hour)

	aggregates := aggregatestore.New(kvStore, time.Hour, 2*time.Hour)
	reg := registry.New()
	reg.Freeze()
	tenants := tenant.NewInMemory()
	bus := events.New(4)
	fakeClock := clock.NewFake(time.UnixMilli(startMillis))

	s := New(Config{
		KV:          kvStore,
		Buckets:     buckets,
		Feeds:       feeds,
		Aggregates:  aggregates,
		Registry:    reg,
		Tenants:     tenants,
		Directory:   directory,
		Mailer:      mailr,
		Bus:         bus,
		Clock:       fakeClock,
		BucketCount: 4,
		LockTTL:     time.Minute,
		GracePeriod: gracePeriod,
	})
	return s, feeds, mock, fakeClock
}

func seedFeedRows(mock sqlmock.Sqlmock, feedID string, activities []model.Activity) {
	rows := sqlmock.NewRows([]string{"activity_stream_id", "activity_id", "activity", "expires_at"})
	for i := len(activities) - 1; i >= 0; i-- {
		a := activities[i]
		encoded, _ := json.Marshal(a)
		rows.AddRow(feedID, a.ActivityID, encoded, time.Now().Add(time.Hour))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(rows)
}

func TestEnrollSkipsNeverPreferenceAndNonEmailStreams(t *testing.T) {
	buckets := newFakeBuckets()
	directory := NewInMemory(tenant.NewInMemory())
	directory.Register(Recipient{UserID: "u:acme:alice", Preference: PreferenceNever})
	directory.Register(Recipient{UserID: "u:acme:bob", Preference: PreferenceImmediate, Email: "bob@acme.example"})

	s, _, _, _ := newTestScheduler(t, buckets, directory, &fakeMailer{}, 1000, time.Minute)
	ctx := context.Background()

	s.enroll(ctx, events.DeliveredActivitiesEvent{FeedID: "u:acme:alice#email", NewCount: 1})
	s.enroll(ctx, events.DeliveredActivitiesEvent{FeedID: "u:acme:bob#notification", NewCount: 1})
	s.enroll(ctx, events.DeliveredActivitiesEvent{FeedID: "u:acme:bob#email", NewCount: 0})
	s.enroll(ctx, events.DeliveredActivitiesEvent{FeedID: "u:acme:bob#email", NewCount: 1})

	immediateBucket := bucketID(4, PreferenceImmediate, 0, 0)
	if buckets.has(immediateBucket, "u:acme:alice") {
		t.Fatal("NEVER-preference user should not be enrolled")
	}
	if !buckets.has(immediateBucket, "u:acme:bob") {
		t.Fatal("bob should be enrolled in the immediate bucket")
	}
}

func TestCollectUserDefersWithinGracePeriodThenSendsAfter(t *testing.T) {
	// Grace-period scenario with all times in milliseconds: activities at
	// published=5000 and 5999; gracePeriod=60ms; now=6000 defers; now=7001
	// sends one email.
	buckets := newFakeBuckets()
	directory := NewInMemory(tenant.NewInMemory())
	directory.Register(Recipient{UserID: "u:acme:carol", Preference: PreferenceImmediate, Email: "carol@acme.example"})
	mailr := &fakeMailer{}

	s, _, mock, fakeClock := newTestScheduler(t, buckets, directory, mailr, 6000, 60*time.Millisecond)
	ctx := context.Background()
	feedID := "u:acme:carol#email"
	bucket := bucketID(4, PreferenceImmediate, 0, 0)
	buckets.byID[bucket] = map[string]bool{"u:acme:carol": true}

	activities := []model.Activity{
		{ActivityType: "content-comment", ActivityID: "5000:a", PublishedMillis: 5000},
		{ActivityType: "content-comment", ActivityID: "5999:b", PublishedMillis: 5999},
	}

	seedFeedRows(mock, feedID, activities)
	pb, ok := parseBucketID(bucket)
	if !ok {
		t.Fatal("parseBucketID failed")
	}
	if err := s.collectUser(ctx, pb, "u:acme:carol"); err != nil {
		t.Fatalf("collectUser() error = %v", err)
	}
	if mailr.count() != 0 {
		t.Fatal("should defer, not send, while within the grace period")
	}
	if !buckets.has(bucket, "u:acme:carol") {
		t.Fatal("deferred user must stay enrolled")
	}

	fakeClock.Set(time.UnixMilli(7001))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM activity_streams")).WillReturnResult(sqlmock.NewResult(0, 2))
	seedFeedRows(mock, feedID, activities)

	if err := s.collectUser(ctx, pb, "u:acme:carol"); err != nil {
		t.Fatalf("second collectUser() error = %v", err)
	}
	if mailr.count() != 1 {
		t.Fatalf("sent count = %d, want 1 after the grace period elapses", mailr.count())
	}
	if buckets.has(bucket, "u:acme:carol") {
		t.Fatal("user should be unqueued once the digest sends")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet feed-store expectations: %v", err)
	}
}

func TestCollectDueOnlyDrainsBucketsDueThisCycle(t *testing.T) {
	buckets := newFakeBuckets()
	directory := NewInMemory(tenant.NewInMemory())
	directory.Register(Recipient{UserID: "u:acme:dave", Preference: PreferenceDaily, TenantAlias: "acme"})
	mailr := &fakeMailer{}

	start := time.Date(2026, 7, 31, 2, 55, 0, 0, time.UTC)
	s, _, mock, fakeClock := newTestScheduler(t, buckets, directory, mailr, start.UnixMilli(), time.Minute)
	ctx := context.Background()

	notYetDue := bucketID(4, PreferenceDaily, 0, 3)
	buckets.byID[notYetDue] = map[string]bool{"u:acme:dave": true}

	if err := s.CollectDue(ctx); err != nil {
		t.Fatalf("CollectDue() error = %v", err)
	}
	fakeClock.Set(time.Date(2026, 7, 31, 3, 5, 0, 0, time.UTC))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(sqlmock.NewRows([]string{"activity_stream_id", "activity_id", "activity"}))
	if err := s.CollectDue(ctx); err != nil {
		t.Fatalf("second CollectDue() error = %v", err)
	}
	if !buckets.has(notYetDue, "u:acme:dave") {
		t.Fatal("with an empty feed the user should stay enrolled (nothing to send)")
	}
}
