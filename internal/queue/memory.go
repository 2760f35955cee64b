package queue

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	id          string
	availableAt time.Time
}

// Memory is the in-process Queue used by default. Pushes wake one blocked
// Pop through a buffered channel, so idle executors do not busy-spin; a
// bounded poll deadline is the fallback when only delayed work exists.
type Memory struct {
	mu    sync.Mutex
	items []memItem
	wake  chan struct{}

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

func (q *Memory) Push(_ context.Context, id string, availableAt time.Time) error {
	q.mu.Lock()
	q.items = append(q.items, memItem{id: id, availableAt: availableAt})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Pop(ctx context.Context, wait time.Duration) (string, error) {
	deadline := q.now().Add(wait)
	for {
		id, sleep := q.take()
		if id != "" {
			return id, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return "", nil
		}
		if sleep <= 0 || sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take pops the eligible id with the oldest availableAt, push order breaking
// ties. Zero-delay pushes carry their enqueue time, so this is FIFO by
// enqueue time; a delayed or retried id slots by when it became due. When
// only delayed items exist it returns how long until the soonest is eligible.
func (q *Memory) take() (string, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	best := -1
	var soonest time.Duration
	for i, it := range q.items {
		if !it.availableAt.After(now) {
			if best < 0 || it.availableAt.Before(q.items[best].availableAt) {
				best = i
			}
			continue
		}
		d := it.availableAt.Sub(now)
		if soonest == 0 || d < soonest {
			soonest = d
		}
	}
	if best >= 0 {
		id := q.items[best].id
		q.items = append(q.items[:best], q.items[best+1:]...)
		return id, 0
	}
	return "", soonest
}

func (q *Memory) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
