// Package ratelimit admits or rejects download requests per user over a
// sliding time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Remaining is how many more requests fit in the window after this one.
	Remaining int
	// RetryAfter is set on rejection: the time until the oldest entry leaves
	// the window.
	RetryAfter time.Duration
}

// RetryAfterMinutes renders RetryAfter in whole minutes, never less than one.
func (d Decision) RetryAfterMinutes() int {
	return minutes(d.RetryAfter)
}

func minutes(d time.Duration) int {
	m := int(d / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}

// Limiter is implemented by the in-memory and Redis backends. Rejection is
// a Decision, never an error.
type Limiter interface {
	Admit(ctx context.Context, userID string, now time.Time) (Decision, error)
	Remaining(ctx context.Context, userID string, now time.Time) (int, error)
	RetryAfter(ctx context.Context, userID string, now time.Time) (time.Duration, error)
	Reset(ctx context.Context, userID string) error
	Limit() (max int, window time.Duration)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Stats summarises limiter state for admin output.
type Stats struct {
	ActiveUsers   int           `json:"active_users"`
	TotalRequests int           `json:"total_requests"`
	MaxPerUser    int           `json:"max_per_user"`
	Window        time.Duration `json:"window"`
}

type userWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// purge drops entries that are a full window old or older. Caller holds mu.
func (w *userWindow) purge(now time.Time, window time.Duration) {
	keep := w.times[:0]
	for _, t := range w.times {
		if now.Sub(t) < window {
			keep = append(keep, t)
		}
	}
	// zero the tail so dropped timestamps are not retained
	for i := len(keep); i < len(w.times); i++ {
		w.times[i] = time.Time{}
	}
	w.times = keep
}

// MemoryLimiter keeps windows in process. Each user has its own lock; the
// map lock is only held for lookups.
type MemoryLimiter struct {
	max    int
	window time.Duration

	mu    sync.RWMutex
	users map[string]*userWindow
}

func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		users:  make(map[string]*userWindow),
	}
}

func (l *MemoryLimiter) Limit() (int, time.Duration) {
	return l.max, l.window
}

func (l *MemoryLimiter) get(userID string, create bool) *userWindow {
	l.mu.RLock()
	w := l.users[userID]
	l.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w = l.users[userID]; w == nil {
		w = &userWindow{}
		l.users[userID] = w
	}
	return w
}

// Admit purges stale entries, then records now iff the window has room.
// A rejected call leaves the window untouched.
func (l *MemoryLimiter) Admit(_ context.Context, userID string, now time.Time) (Decision, error) {
	w := l.get(userID, true)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(now, l.window)

	if len(w.times) >= l.max {
		return Decision{
			Allowed:    false,
			RetryAfter: w.times[0].Add(l.window).Sub(now),
		}, nil
	}

	w.times = append(w.times, now)
	return Decision{Allowed: true, Remaining: l.max - len(w.times)}, nil
}

func (l *MemoryLimiter) Remaining(_ context.Context, userID string, now time.Time) (int, error) {
	w := l.get(userID, false)
	if w == nil {
		return l.max, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(now, l.window)
	return l.max - len(w.times), nil
}

// RetryAfter reports how long until the user may submit again; zero when
// the window has room.
func (l *MemoryLimiter) RetryAfter(_ context.Context, userID string, now time.Time) (time.Duration, error) {
	w := l.get(userID, false)
	if w == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(now, l.window)
	if len(w.times) < l.max {
		return 0, nil
	}
	return w.times[0].Add(l.window).Sub(now), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
	return nil
}

// Cleanup forgets users whose windows are empty and returns how many were
// dropped.
func (l *MemoryLimiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.users {
		w.mu.Lock()
		w.purge(now, l.window)
		empty := len(w.times) == 0
		w.mu.Unlock()
		if empty {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) Stats(_ context.Context, now time.Time) (Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{MaxPerUser: l.max, Window: l.window}
	for _, w := range l.users {
		w.mu.Lock()
		w.purge(now, l.window)
		if n := len(w.times); n > 0 {
			s.ActiveUsers++
			s.TotalRequests += n
		}
		w.mu.Unlock()
	}
	return s, nil
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (l *MemoryLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Cleanup(now)
		}
	}
}
