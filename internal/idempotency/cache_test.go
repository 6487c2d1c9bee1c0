package idempotency

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k1", []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(v, []byte(`{"id":"a"}`)) {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestRedisCacheFirstWriterWins(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("set#1: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("set#2: %v", err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != "first" {
		t.Fatalf("expected first write retained, got %q", v)
	}
}

func TestRedisCacheExpiry(t *testing.T) {
	c, mr := newRedisCache(t, time.Second)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, ok, err := c.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected expired miss, got ok=%v err=%v", ok, err)
	}
}

func TestLocalCacheFirstWriterWins(t *testing.T) {
	c := NewLocalCache(16, time.Minute)
	ctx := context.Background()

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Set(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("set#1: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("set#2: %v", err)
	}
	v, ok, _ := c.Get(ctx, "k")
	if !ok || string(v) != "first" {
		t.Fatalf("expected first write retained, got ok=%v %q", ok, v)
	}
}

func TestLocalCacheKeysAreIndependent(t *testing.T) {
	c := NewLocalCache(16, time.Minute)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("va"))
	_ = c.Set(ctx, "b", []byte("vb"))

	if v, ok, _ := c.Get(ctx, "a"); !ok || string(v) != "va" {
		t.Fatalf("key a: ok=%v %q", ok, v)
	}
	if v, ok, _ := c.Get(ctx, "b"); !ok || string(v) != "vb" {
		t.Fatalf("key b: ok=%v %q", ok, v)
	}
}
