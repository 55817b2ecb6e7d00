package download

import (
	"sync"

	"github.com/mediafetch/backend/internal/metrics"
)

// subscriberBuffer bounds the progress snapshots queued for one subscriber.
// Terminal snapshots are always queued.
const subscriberBuffer = 64

// Subscription receives job snapshots in publish order
type Subscription struct {
	userID string
	ch     chan Snapshot
	b      *broadcaster

	mu       sync.Mutex
	queue    []Snapshot
	progress int // non-terminal entries in queue
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// C returns the snapshot channel. It is closed after Close.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Close stops delivery. Queued snapshots are discarded.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.done)
	})
	return nil
}

// offer queues snap and reports whether it was kept. Progress is skipped
// once subscriberBuffer progress snapshots are waiting.
func (s *Subscription) offer(snap Snapshot) bool {
	s.mu.Lock()
	if !snap.IsTerminal() {
		if s.progress >= subscriberBuffer {
			s.mu.Unlock()
			return false
		}
		s.progress++
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// pump hands queued snapshots to the reader until Close
func (s *Subscription) pump() {
	defer close(s.ch)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Snapshot{}
		s.queue = s.queue[1:]
		if !next.IsTerminal() {
			s.progress--
		}
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}

// broadcaster fans snapshots out to in-process subscribers. A lagging
// subscriber loses progress snapshots but never an outcome.
type broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	metrics *metrics.Metrics
}

func newBroadcaster(m *metrics.Metrics) *broadcaster {
	return &broadcaster{
		subs:    make(map[*Subscription]struct{}),
		metrics: m,
	}
}

// subscribe registers a subscriber for userID, or for every user when
// userID is empty.
func (b *broadcaster) subscribe(userID string) *Subscription {
	s := &Subscription{
		userID: userID,
		ch:     make(chan Snapshot),
		b:      b,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *broadcaster) publish(snap Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if s.userID != "" && s.userID != snap.UserID {
			continue
		}
		if !s.offer(snap) && b.metrics != nil {
			b.metrics.IncProgressDropped()
		}
	}
}
