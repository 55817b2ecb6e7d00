package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLimiter_Admit(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLimiter(client, 5, time.Hour)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	defer l.Reset(ctx, user)

	now := time.Now()
	for i := 0; i < 5; i++ {
		d, err := l.Admit(ctx, user, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	d, err := l.Admit(ctx, user, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}
	want := time.Hour - 10*time.Second
	if diff := d.RetryAfter - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	if n, _ := l.Remaining(ctx, user, now.Add(10*time.Second)); n != 0 {
		t.Errorf("remaining = %d", n)
	}
	if n, _ := l.Remaining(ctx, user, now.Add(time.Hour+5*time.Second)); n != 5 {
		t.Errorf("remaining after window = %d, want 5", n)
	}
}

func TestRedisLimiter_WindowBoundary(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLimiter(client, 1, time.Minute)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	defer l.Reset(ctx, user)

	now := time.Now()
	l.Admit(ctx, user, now)
	if d, _ := l.Admit(ctx, user, now.Add(time.Minute)); !d.Allowed {
		t.Error("entry exactly one window old should be purged")
	}
}

func TestRedisLimiter_RetryAfterAndStats(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLimiter(client, 2, time.Hour)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	defer l.Reset(ctx, user)

	now := time.Now()
	l.Admit(ctx, user, now)
	if got, err := l.RetryAfter(ctx, user, now); err != nil || got != 0 {
		t.Errorf("RetryAfter with room = %v, %v", got, err)
	}
	l.Admit(ctx, user, now.Add(time.Second))

	got, err := l.RetryAfter(ctx, user, now.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Hour - 10*time.Second
	if diff := got - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}

	s, err := l.Stats(ctx, now.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	// other tests may share the server, so only lower bounds hold
	if s.ActiveUsers < 1 || s.TotalRequests < 2 || s.MaxPerUser != 2 {
		t.Errorf("stats = %+v", s)
	}
}
