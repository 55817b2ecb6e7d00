package download

import "time"

// throttle decides when a progress change is worth an outbound update. An
// update goes out when the percentage rose by at least minStep since the
// last one, or when minInterval has passed and the percentage moved at all.
type throttle struct {
	minStep     int
	minInterval time.Duration

	lastPercent int
	lastAt      time.Time
}

func newThrottle(minStep int, minInterval time.Duration) *throttle {
	if minStep <= 0 {
		minStep = 5
	}
	if minInterval <= 0 {
		minInterval = 3 * time.Second
	}
	return &throttle{minStep: minStep, minInterval: minInterval, lastPercent: -1}
}

// reset is called on every state change, which always emits
func (t *throttle) reset(percent int, now time.Time) {
	t.lastPercent = percent
	t.lastAt = now
}

func (t *throttle) allow(percent int, now time.Time) bool {
	if percent <= t.lastPercent {
		return false
	}
	if t.lastPercent < 0 || percent-t.lastPercent >= t.minStep || now.Sub(t.lastAt) >= t.minInterval {
		t.lastPercent = percent
		t.lastAt = now
		return true
	}
	return false
}
