package download

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SlotPool bounds how many jobs fetch at once. Waiters are served in
// arrival order.
type SlotPool struct {
	sem  *semaphore.Weighted
	size int

	active   atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64

	onChange func(active, waiting int)
}

// SlotStats counts slot traffic since the pool was created
type SlotStats struct {
	Size     int   `json:"size"`
	Active   int   `json:"active"`
	Waiting  int   `json:"waiting"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
}

// NewSlotPool creates a pool of size slots. onChange, when set, is called
// after every change in occupancy.
func NewSlotPool(size int, onChange func(active, waiting int)) *SlotPool {
	if size <= 0 {
		size = 1
	}
	return &SlotPool{
		sem:      semaphore.NewWeighted(int64(size)),
		size:     size,
		onChange: onChange,
	}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// func is safe to call any number of times; only the first call frees the
// slot. On error no slot is held.
func (p *SlotPool) Acquire(ctx context.Context) (func(), error) {
	p.waiting.Add(1)
	p.changed()

	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		p.changed()
		return nil, err
	}

	p.active.Add(1)
	p.acquired.Add(1)
	p.changed()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.active.Add(-1)
			p.released.Add(1)
			p.sem.Release(1)
			p.changed()
		})
	}, nil
}

func (p *SlotPool) changed() {
	if p.onChange != nil {
		p.onChange(int(p.active.Load()), int(p.waiting.Load()))
	}
}

func (p *SlotPool) Size() int {
	return p.size
}

func (p *SlotPool) Stats() SlotStats {
	return SlotStats{
		Size:     p.size,
		Active:   int(p.active.Load()),
		Waiting:  int(p.waiting.Load()),
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
	}
}
