package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// admitScript purges, counts and appends in one round trip so concurrent
// servers see a consistent window.
//
// KEYS[1] window key
// ARGV[1] now (ms)  ARGV[2] window (ms)  ARGV[3] max  ARGV[4] member
//
// Returns {allowed, remaining, retry_after_ms}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < max then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, max - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, 0, tonumber(oldest[2]) + window - now}
`)

// RedisLimiter shares windows between server instances through a sorted set
// per user scored by request time.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, max: max, window: window}
}

func (l *RedisLimiter) Limit() (int, time.Duration) {
	return l.max, l.window
}

func (l *RedisLimiter) key(userID string) string {
	return keyPrefix + userID
}

func (l *RedisLimiter) Admit(ctx context.Context, userID string, now time.Time) (Decision, error) {
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())

	res, err := admitScript.Run(ctx, l.client,
		[]string{l.key(userID)},
		now.UnixMilli(), l.window.Milliseconds(), l.max, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (l *RedisLimiter) Remaining(ctx context.Context, userID string, now time.Time) (int, error) {
	key := l.key(userID)
	cutoff := fmt.Sprintf("(%d", now.Add(-l.window).UnixMilli())

	// entries exactly one window old are already expired
	count, err := l.client.ZCount(ctx, key, cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count window: %w", err)
	}
	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter reports how long until the oldest entry leaves a full window;
// zero when the window has room.
func (l *RedisLimiter) RetryAfter(ctx context.Context, userID string, now time.Time) (time.Duration, error) {
	cutoff := fmt.Sprintf("(%d", now.Add(-l.window).UnixMilli())
	entries, err := l.client.ZRangeByScoreWithScores(ctx, l.key(userID), &redis.ZRangeBy{
		Min: cutoff,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read window: %w", err)
	}
	if len(entries) < l.max {
		return 0, nil
	}
	oldest := time.UnixMilli(int64(entries[0].Score))
	return oldest.Add(l.window).Sub(now), nil
}

// Stats scans every window key. It walks the keyspace, so it is meant for
// occasional admin output only.
func (l *RedisLimiter) Stats(ctx context.Context, now time.Time) (Stats, error) {
	s := Stats{MaxPerUser: l.max, Window: l.window}
	cutoff := fmt.Sprintf("(%d", now.Add(-l.window).UnixMilli())

	iter := l.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := l.client.ZCount(ctx, iter.Val(), cutoff, "+inf").Result()
		if err != nil {
			return Stats{}, fmt.Errorf("failed to count window: %w", err)
		}
		if n > 0 {
			s.ActiveUsers++
			s.TotalRequests += int(n)
		}
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed to scan windows: %w", err)
	}
	return s, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	return l.client.Del(ctx, l.key(userID)).Err()
}
