// Package queuestore implements the Queue Store: a per-bucket sorted
// collection of RoutedActivity entries keyed by publishedMillis (spec
// §4.3), backed by a KV store sorted set.
package queuestore

import (
	"context"
	"encoding/json"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/kv"
	"github.com/collabhub/activity/internal/activity/model"
)

// Store is the Queue Store, backed by a KV sorted set per bucket.
type Store struct {
	kv kv.Store
}

// New creates a Queue Store backed by the given KV store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Enqueue appends each routed activity to bucketKey's sorted collection,
// ranked by its publishedMillis. Publish order within one Enqueue call is
// preserved because each entry's score is its own publishedMillis.
func (s *Store) Enqueue(ctx context.Context, bucketKey string, items []model.RoutedActivity) error {
	if len(items) == 0 {
		return nil
	}
	members := make(map[string]float64, len(items))
	for _, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return errors.Internal("queuestore: encode routed activity", err)
		}
		members[string(encoded)] = float64(item.Activity.PublishedMillis)
	}
	return s.kv.ZAdd(ctx, bucketKey, members)
}

// PeekBatch returns up to limit entries from bucketKey, lowest-ranked
// (oldest published) first, along with the total count currently
// enqueued.
func (s *Store) PeekBatch(ctx context.Context, bucketKey string, limit int) ([]model.RoutedActivity, int, error) {
	raw, err := s.kv.ZRangeByRank(ctx, bucketKey, 0, int64(limit))
	if err != nil {
		return nil, 0, err
	}
	count, err := s.kv.ZCard(ctx, bucketKey)
	if err != nil {
		return nil, 0, err
	}
	items := make([]model.RoutedActivity, 0, len(raw))
	for _, encoded := range raw {
		var item model.RoutedActivity
		if err := json.Unmarshal([]byte(encoded), &item); err != nil {
			return nil, 0, errors.Internal("queuestore: decode routed activity", err)
		}
		items = append(items, item)
	}
	return items, int(count), nil
}

// DeleteBatch removes the first count entries (lowest-ranked) from
// bucketKey, i.e. the entries a prior PeekBatch(bucketKey, count) read.
func (s *Store) DeleteBatch(ctx context.Context, bucketKey string, count int) error {
	if count <= 0 {
		return nil
	}
	return s.kv.ZRemRangeByRank(ctx, bucketKey, 0, int64(count-1))
}

// Size returns the number of entries currently queued for bucketKey.
func (s *Store) Size(ctx context.Context, bucketKey string) (int, error) {
	n, err := s.kv.ZCard(ctx, bucketKey)
	return int(n), err
}
