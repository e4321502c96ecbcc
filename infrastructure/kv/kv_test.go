package kv

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestMSetMGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MSet(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute); err != nil {
		t.Fatalf("MSet() error = %v", err)
	}

	got, err := s.MGet(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("MGet() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("MGet() returned %d entries, want 3", len(got))
	}
	if string(got[0]) != "1" || string(got[1]) != "2" {
		t.Fatalf("MGet() = %v", got)
	}
	if got[2] != nil {
		t.Fatalf("MGet() missing key = %v, want nil", got[2])
	}
}

func TestDelAndExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MSet(ctx, map[string][]byte{"a": []byte("1")}, 0); err != nil {
		t.Fatalf("MSet() error = %v", err)
	}
	if err := s.Expire(ctx, "a", time.Hour); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if err := s.Del(ctx, "a"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	got, err := s.MGet(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("MGet() error = %v", err)
	}
	if got[0] != nil {
		t.Fatalf("expected key deleted, got %v", got[0])
	}
}

func TestHashOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "h", map[string]string{"f1": "v1", "f2": "v2"}); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	all, err := s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if all["f1"] != "v1" || all["f2"] != "v2" {
		t.Fatalf("HGetAll() = %v", all)
	}

	if err := s.HDel(ctx, "h", "f1"); err != nil {
		t.Fatalf("HDel() error = %v", err)
	}
	all, err = s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if _, ok := all["f1"]; ok {
		t.Fatalf("HDel() did not remove f1: %v", all)
	}
}

func TestSortedSetOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "z", map[string]float64{
		"low":  1,
		"mid":  5,
		"high": 10,
	}); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}

	card, err := s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if card != 3 {
		t.Fatalf("ZCard() = %d, want 3", card)
	}

	byScore, err := s.ZRangeByScore(ctx, "z", 1, 5)
	if err != nil {
		t.Fatalf("ZRangeByScore() error = %v", err)
	}
	if len(byScore) != 2 || byScore[0] != "low" || byScore[1] != "mid" {
		t.Fatalf("ZRangeByScore() = %v", byScore)
	}

	byRank, err := s.ZRangeByRank(ctx, "z", 0, 2)
	if err != nil {
		t.Fatalf("ZRangeByRank() error = %v", err)
	}
	if len(byRank) != 2 || byRank[0] != "low" || byRank[1] != "mid" {
		t.Fatalf("ZRangeByRank() = %v", byRank)
	}

	if err := s.ZRem(ctx, "z", "mid"); err != nil {
		t.Fatalf("ZRem() error = %v", err)
	}
	card, err = s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if card != 2 {
		t.Fatalf("ZCard() after ZRem = %d, want 2", card)
	}

	if err := s.ZRemRangeByRank(ctx, "z", 0, 0); err != nil {
		t.Fatalf("ZRemRangeByRank() error = %v", err)
	}
	card, err = s.ZCard(ctx, "z")
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if card != 1 {
		t.Fatalf("ZCard() after ZRemRangeByRank = %d, want 1", card)
	}
}

func TestCounterOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Incr() = %d, want 1", n)
	}

	n, err = s.IncrBy(ctx, "counter", 5)
	if err != nil {
		t.Fatalf("IncrBy() error = %v", err)
	}
	if n != 6 {
		t.Fatalf("IncrBy() = %d, want 6", n)
	}

	if err := s.Set(ctx, "counter", 42); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.GetInt(ctx, "counter")
	if err != nil {
		t.Fatalf("GetInt() error = %v", err)
	}
	if got != 42 {
		t.Fatalf("GetInt() = %d, want 42", got)
	}
}

func TestGetIntMissingKey(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetInt(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetInt() error = %v", err)
	}
	if got != 0 {
		t.Fatalf("GetInt() missing = %d, want 0", got)
	}
}

func TestSetNXAndReleaseLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:1", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("expected first SetNX() to acquire the lock")
	}

	ok, err = s.SetNX(ctx, "lock:1", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if ok {
		t.Fatal("expected second SetNX() to fail, lock already held")
	}

	released, err := s.ReleaseLock(ctx, "lock:1", "owner-b")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if released {
		t.Fatal("expected ReleaseLock() with the wrong token to fail")
	}

	released, err = s.ReleaseLock(ctx, "lock:1", "owner-a")
	if err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if !released {
		t.Fatal("expected ReleaseLock() with the right token to succeed")
	}

	ok, err = s.SetNX(ctx, "lock:1", "owner-c", time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("expected the lock to be acquirable again after release")
	}
}

func TestFormatScore(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1, "1"},
		{1.5, "1.5"},
		{math.Inf(-1), "-inf"},
		{math.Inf(1), "+inf"},
	}
	for _, c := range cases {
		if got := formatScore(c.in); got != c.want {
			t.Errorf("formatScore(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
