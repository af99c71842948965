package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, window time.Duration) (*RedisBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisBucket(client, "tmarks:login:", capacity, window), mr
}

func TestRedisBucketExhaustsAndRefills(t *testing.T) {
	b, mr := newTestBucket(t, 3, 3*time.Second)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d, err := b.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if d.Remaining != int64(2-i) {
			t.Errorf("remaining = %d, want %d", d.Remaining, 2-i)
		}
	}

	d, err := b.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("retry after = %v", d.RetryAfter)
	}

	// Other keys have their own bucket.
	if d, _ := b.Allow(ctx, "10.0.0.2"); !d.Allowed {
		t.Error("independent key denied")
	}

	now = now.Add(time.Second)
	if d, _ := b.Allow(ctx, "10.0.0.1"); !d.Allowed {
		t.Error("token not refilled after one interval")
	}

	if !mr.Exists("tmarks:login:10.0.0.1") {
		t.Error("bucket key not stored under prefix")
	}
	if ttl := mr.TTL("tmarks:login:10.0.0.1"); ttl <= 0 {
		t.Errorf("bucket ttl = %v", ttl)
	}
}

func TestRedisBucketClampsCapacity(t *testing.T) {
	for _, capacity := range []int{0, -3} {
		b, _ := newTestBucket(t, capacity, time.Minute)
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		b.now = func() time.Time { return now }

		d, err := b.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("capacity %d: Allow: %v", capacity, err)
		}
		if !d.Allowed || d.Limit != 1 {
			t.Errorf("capacity %d: first decision = %+v, want allowed with limit 1", capacity, d)
		}
		if d, _ := b.Allow(ctx, "10.0.0.1"); d.Allowed {
			t.Errorf("capacity %d: second request should be denied", capacity)
		}
	}
}

func TestRedisBucketUnavailable(t *testing.T) {
	b, mr := newTestBucket(t, 1, time.Minute)
	mr.Close()

	if _, err := b.Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		200 * time.Millisecond:  "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
	}
	for in, want := range tests {
		if got := RetryAfterSeconds(in); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
