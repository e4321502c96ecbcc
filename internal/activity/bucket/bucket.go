// Package bucket implements the Bucket Service: deterministic bucket
// assignment and a single-owner distributed collection lock per bucket
// (spec §4.2).
package bucket

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabhub/activity/infrastructure/kv"
)

// Number returns a stable bucket number in [0, n) for key. The hash must
// be deterministic across process restarts so the same routed activity
// always lands in the same bucket; hash/fnv (stdlib) provides this
// without depending on a process-randomised seed the way hash/maphash
// does.
func Number(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// DrainFunc drains one bucket's queue. It returns done=true when the
// bucket is empty or should not be retried again this cycle.
type DrainFunc func(ctx context.Context, bucketNumber int) (done bool, err error)

// Service exposes bucketNumber and collectAllBuckets against a KV-backed
// distributed lock.
type Service struct {
	store kv.Store
}

// New creates a Bucket Service backed by store.
func New(store kv.Store) *Service {
	return &Service{store: store}
}

// Number is the service-bound form of the package-level Number function.
func (s *Service) Number(key string, n int) int {
	return Number(key, n)
}

// CollectAllBuckets iterates bucket numbers 0..n-1 in randomised order,
// attempting to acquire a distributed lock "{prefix}:{bucket}" for each.
// Acquired buckets are drained via drainFn with at most maxConcurrent
// drains running in parallel. Locks are released on completion; on crash
// they expire by lockTTL so another worker can retry (spec §4.2).
func (s *Service) CollectAllBuckets(ctx context.Context, prefix string, n, maxConcurrent int, lockTTL time.Duration, drainFn DrainFunc) error {
	if n <= 0 {
		return nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	order := rand.Perm(n)
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, bucketNumber := range order {
		if ctx.Err() != nil {
			break
		}
		bucketNumber := bucketNumber
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.collectOne(ctx, prefix, bucketNumber, lockTTL, drainFn); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *Service) collectOne(ctx context.Context, prefix string, bucketNumber int, lockTTL time.Duration, drainFn DrainFunc) error {
	lockKey := lockName(prefix, bucketNumber)
	token := uuid.NewString()

	acquired, err := s.store.SetNX(ctx, lockKey, token, lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		_, _ = s.store.ReleaseLock(ctx, lockKey, token)
	}()

	_, err = drainFn(ctx, bucketNumber)
	return err
}

func lockName(prefix string, bucketNumber int) string {
	return prefix + ":" + strconv.Itoa(bucketNumber)
}
