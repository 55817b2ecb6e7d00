package session

import (
	"context"
	"time"
)

// Sweeper expires sessions every interval and hands them to onExpire. It
// returns when ctx is done.
func (s *Store) Sweeper(ctx context.Context, interval time.Duration, onExpire func([]Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if expired := s.Expire(now); len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}
