// Package kv implements the activity pipeline's key-value store egress
// interface (spec §6) against Redis: blobs, hashes, and sorted sets with
// TTL-aware reads and writes.
package kv

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/collabhub/activity/infrastructure/errors"
)

// Store is the KV egress interface the activity pipeline consumes.
// Keys are plain strings; values are opaque bytes (typically JSON).
type Store interface {
	// MGet reads multiple blob keys; missing keys return a nil slot.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// MSet writes multiple blob keys with a shared TTL. ttl<=0 means no expiry.
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Expire resets a key's TTL atomically (a no-op if the key is absent).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet writes fields into a hash.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll reads every field of a hash.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes fields from a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// ZAdd adds members to a sorted set with the given scores.
	ZAdd(ctx context.Context, key string, members map[string]float64) error
	// ZRangeByScore returns members with score in [min, max], ordered ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRangeByRank returns up to limit members ordered ascending starting at offset.
	ZRangeByRank(ctx context.Context, key string, offset, limit int64) ([]string, error)
	// ZRemRangeByRank deletes members in rank range [start, stop] (inclusive, 0-based).
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	// ZRem removes specific members from a sorted set.
	ZRem(ctx context.Context, key string, members ...string) error
	// ZCard returns the number of members in a sorted set.
	ZCard(ctx context.Context, key string) (int64, error)

	// Incr atomically increments an integer counter and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// IncrBy atomically increments an integer counter by delta.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Set writes a single counter/blob value, used for counter resets.
	Set(ctx context.Context, key string, value int64) error
	// GetInt reads a single integer counter; missing keys return 0.
	GetInt(ctx context.Context, key string) (int64, error)

	// SetNX atomically creates key=token with the given TTL iff key is
	// absent, returning whether the lock was acquired. Used for the
	// Bucket Service's single-owner collection lock.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key only if its current value equals token,
	// so a worker can never release a lock it no longer owns.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// RedisStore adapts go-redis to Store.
type RedisStore struct {
	client *redis.Client
}

// New wraps an existing go-redis client.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Dial connects to addr/db, grounded on the pipeline's configured
// ACTIVITY_REDIS_ADDR / ACTIVITY_REDIS_DB.
func Dial(addr string, db int) *RedisStore {
	return New(redis.NewClient(&redis.Options{Addr: addr, DB: db}))
}

func wrapStorageErr(operation string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return errors.Storage(operation, err)
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Storage("kv.mget", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (s *RedisStore) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapStorageErr("kv.mset", err)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapStorageErr("kv.del", s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapStorageErr("kv.expire", s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrapStorageErr("kv.hset", s.client.HSet(ctx, key, args...).Err())
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Storage("kv.hgetall", err)
	}
	return res, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapStorageErr("kv.hdel", s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members map[string]float64) error {
	if len(members) == 0 {
		return nil
	}
	z := make([]*redis.Z, 0, len(members))
	for member, score := range members {
		z = append(z, &redis.Z{Score: score, Member: member})
	}
	return wrapStorageErr("kv.zadd", s.client.ZAdd(ctx, key, z...).Err())
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	res, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, errors.Storage("kv.zrangebyscore", err)
	}
	return res, nil
}

func (s *RedisStore) ZRangeByRank(ctx context.Context, key string, offset, limit int64) ([]string, error) {
	res, err := s.client.ZRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, errors.Storage("kv.zrange", err)
	}
	return res, nil
}

func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return wrapStorageErr("kv.zremrangebyrank", s.client.ZRemRangeByRank(ctx, key, start, stop).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapStorageErr("kv.zrem", s.client.ZRem(ctx, key, args...).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, errors.Storage("kv.zcard", err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Storage("kv.incr", err)
	}
	return n, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, errors.Storage("kv.incrby", err)
	}
	return n, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value int64) error {
	return wrapStorageErr("kv.set", s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Storage("kv.get", err)
	}
	return n, nil
}

// releaseLockScript deletes key only if its value still equals token,
// the standard Redis compare-and-delete lock release idiom.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, errors.Storage("kv.setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, errors.Storage("kv.releaselock", err)
	}
	return n == 1, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
