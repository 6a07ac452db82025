package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewTokenBucket(client, capacity, refill, time.Hour)
}

func TestAllowConsumesTokens(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d rejected with tokens remaining", i)
		}
	}

	allowed, tokens, err := bucket.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("request allowed past capacity")
	}
	if tokens >= 1 {
		t.Errorf("tokens = %v, want < 1", tokens)
	}
}

func TestAllowIsolatesClients(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 0)

	if allowed, _, _ := bucket.Allow(ctx, "client-a"); !allowed {
		t.Fatal("first request for client-a rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client-a"); allowed {
		t.Fatal("second request for client-a allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client-b"); !allowed {
		t.Fatal("client-b throttled by client-a's bucket")
	}
}
