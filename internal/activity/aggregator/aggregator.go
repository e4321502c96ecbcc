// Package aggregator implements the Aggregator: bucket draining, pivot
// grouping, merge-or-replace against prior state, and feed delivery
// (spec §4.7). Grounded on the teacher's ticker-driven poll-and-dispatch
// shape (services/automation/automation_triggers.go), generalised from a
// single job table to the bucket-locked drain loop this pipeline needs.
package aggregator

import (
	"context"
	"strconv"
	"time"

	"github.com/collabhub/activity/infrastructure/clock"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/internal/activity/aggregatestore"
	"github.com/collabhub/activity/internal/activity/bucket"
	"github.com/collabhub/activity/internal/activity/events"
	"github.com/collabhub/activity/internal/activity/feedstore"
	"github.com/collabhub/activity/internal/activity/queuestore"
	"github.com/collabhub/activity/internal/activity/registry"
)

// Config configures an Aggregator.
type Config struct {
	Registry   *registry.Registry
	Queue      *queuestore.Store
	Buckets    *bucket.Service
	Aggregates *aggregatestore.Store
	Feeds      *feedstore.Store
	Bus        *events.Bus
	Clock      clock.Clock
	Logger     *logging.Logger

	BucketCount              int
	BucketPrefix             string // defaults to "oae-activity:bucket"
	CollectionBatchSize      int    // defaults to 100
	MaxConcurrentCollections int    // defaults to 1
	LockTTL                  time.Duration
	AggregateMaxExpiry       time.Duration
}

// Aggregator drains bucket queues, merges routed activities into
// aggregates, and delivers the resulting Activity objects to feeds.
type Aggregator struct {
	registry   *registry.Registry
	queue      *queuestore.Store
	buckets    *bucket.Service
	aggregates *aggregatestore.Store
	feeds      *feedstore.Store
	bus        *events.Bus
	clock      clock.Clock
	logger     *logging.Logger

	bucketCount        int
	bucketPrefix       string
	batchSize          int
	maxConcurrent      int
	lockTTL            time.Duration
	aggregateMaxExpiry time.Duration
}

// New creates an Aggregator from cfg.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	prefix := cfg.BucketPrefix
	if prefix == "" {
		prefix = "oae-activity:bucket"
	}
	batchSize := cfg.CollectionBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxConcurrent := cfg.MaxConcurrentCollections
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Aggregator{
		registry:           cfg.Registry,
		queue:              cfg.Queue,
		buckets:            cfg.Buckets,
		aggregates:         cfg.Aggregates,
		feeds:              cfg.Feeds,
		bus:                cfg.Bus,
		clock:              clk,
		logger:             logger,
		bucketCount:        cfg.BucketCount,
		bucketPrefix:       prefix,
		batchSize:          batchSize,
		maxConcurrent:      maxConcurrent,
		lockTTL:            cfg.LockTTL,
		aggregateMaxExpiry: cfg.AggregateMaxExpiry,
	}
}

// CollectAll drains every bucket once, the unit of work run on each
// polling cycle (spec §4.7, §5). Bucket locks live under
// "{prefix}:lock:{n}", apart from the "{prefix}:{n}" queue keys they guard.
func (a *Aggregator) CollectAll(ctx context.Context) error {
	return a.buckets.CollectAllBuckets(ctx, a.bucketPrefix+":lock", a.bucketCount, a.maxConcurrent, a.lockTTL, a.drainBucket)
}

// drainBucket repeatedly peeks and processes batches from one bucket
// until it is empty, so the lock is held for the whole drain rather than
// just one batch (spec §4.7 step 7, §5).
func (a *Aggregator) drainBucket(ctx context.Context, bucketNumber int) (bool, error) {
	key := a.bucketPrefix + ":" + strconv.Itoa(bucketNumber)
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		items, total, err := a.queue.PeekBatch(ctx, key, a.batchSize)
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			return true, nil
		}

		sortRoutedActivities(items)

		if err := a.processBatch(ctx, items); err != nil {
			return false, err
		}
		if err := a.queue.DeleteBatch(ctx, key, len(items)); err != nil {
			return false, err
		}
		if total <= len(items) {
			return true, nil
		}
	}
}
