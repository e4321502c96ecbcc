package queuestore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/internal/activity/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(kv.New(client))
}

func routedActivity(id string, publishedMillis int64) model.RoutedActivity {
	return model.RoutedActivity{
		ActivityID: id,
		Route:      model.Route{ResourceID: "u1", StreamType: "notification"},
		Activity:   model.Activity{ActivityID: id, PublishedMillis: publishedMillis},
	}
}

func TestEnqueueAndPeekOrdersByPublishedMillis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Enqueue(ctx, "bucket:1", []model.RoutedActivity{
		routedActivity("3000:c", 3000),
		routedActivity("1000:a", 1000),
		routedActivity("2000:b", 2000),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, count, err := s.PeekBatch(ctx, "bucket:1", 10)
	if err != nil {
		t.Fatalf("PeekBatch() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("PeekBatch() count = %d, want 3", count)
	}
	if len(items) != 3 {
		t.Fatalf("PeekBatch() returned %d items, want 3", len(items))
	}
	if items[0].ActivityID != "1000:a" || items[1].ActivityID != "2000:b" || items[2].ActivityID != "3000:c" {
		t.Fatalf("PeekBatch() order = %v, want oldest-published first", items)
	}
}

func TestPeekBatchRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Enqueue(ctx, "bucket:1", []model.RoutedActivity{
		routedActivity("1000:a", 1000),
		routedActivity("2000:b", 2000),
		routedActivity("3000:c", 3000),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, count, err := s.PeekBatch(ctx, "bucket:1", 2)
	if err != nil {
		t.Fatalf("PeekBatch() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("PeekBatch() count = %d, want 3 (total enqueued, not limited)", count)
	}
	if len(items) != 2 {
		t.Fatalf("PeekBatch() returned %d items, want 2", len(items))
	}
}

func TestDeleteBatchRemovesLowestRanked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Enqueue(ctx, "bucket:1", []model.RoutedActivity{
		routedActivity("1000:a", 1000),
		routedActivity("2000:b", 2000),
		routedActivity("3000:c", 3000),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := s.DeleteBatch(ctx, "bucket:1", 2); err != nil {
		t.Fatalf("DeleteBatch() error = %v", err)
	}

	items, count, err := s.PeekBatch(ctx, "bucket:1", 10)
	if err != nil {
		t.Fatalf("PeekBatch() error = %v", err)
	}
	if count != 1 || len(items) != 1 || items[0].ActivityID != "3000:c" {
		t.Fatalf("after DeleteBatch(2), remaining = %v (count %d), want only 3000:c", items, count)
	}
}

func TestDeleteBatchZeroIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Enqueue(ctx, "bucket:1", []model.RoutedActivity{routedActivity("1000:a", 1000)})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.DeleteBatch(ctx, "bucket:1", 0); err != nil {
		t.Fatalf("DeleteBatch(0) error = %v", err)
	}

	size, err := s.Size(ctx, "bucket:1")
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 1 {
		t.Fatalf("Size() = %d, want 1 (DeleteBatch(0) should not remove anything)", size)
	}
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.Enqueue(context.Background(), "bucket:1", nil); err != nil {
		t.Fatalf("Enqueue(nil) error = %v", err)
	}
}
