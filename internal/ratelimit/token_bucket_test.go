package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewTokenBucket(client, capacity, refill).WithClock(c.now), c
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, left, err := bucket.Allow(ctx, "provider:wallet_creation")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	if left != 1 {
		t.Fatalf("expected 1 token left, got %v", left)
	}
	if allowed, _, _ = bucket.Allow(ctx, "provider:wallet_creation"); !allowed {
		t.Fatalf("expected second token allowed")
	}
	if allowed, _, _ = bucket.Allow(ctx, "provider:wallet_creation"); allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, c := newBucket(t, 1, 2)

	if allowed, _, _ := bucket.Allow(ctx, "provider:reward_transaction"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "provider:reward_transaction"); allowed {
		t.Fatalf("expected empty bucket")
	}

	c.t = c.t.Add(250 * time.Millisecond)
	allowed, left, err := bucket.Allow(ctx, "provider:reward_transaction")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("half a token must not be enough, left=%v", left)
	}
	if left != 0.5 {
		t.Fatalf("expected fractional balance 0.5, got %v", left)
	}

	c.t = c.t.Add(250 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "provider:reward_transaction"); !allowed {
		t.Fatalf("expected refilled token allowed")
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 1)

	if allowed, _, _ := bucket.Allow(ctx, "provider:ssi_tenant_creation"); !allowed {
		t.Fatalf("expected tenant token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "provider:ssi_credential_issuance"); !allowed {
		t.Fatalf("expected credential token allowed from its own bucket")
	}
}
