package keyed

import (
	"context"
	"sync"
)

// Queue runs tasks in the background, one at a time per key and in submission order.
// Tasks under different keys run concurrently. A key only holds a goroutine while it has
// work pending.
type Queue struct {
	mu    sync.Mutex
	lanes map[string][]func()
	wg    sync.WaitGroup
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{lanes: make(map[string][]func())}
}

// Go schedules fn after every task already submitted under key.
func (q *Queue) Go(key string, fn func()) {
	q.mu.Lock()
	if pending, busy := q.lanes[key]; busy {
		q.lanes[key] = append(pending, fn)
		q.mu.Unlock()
		return
	}
	q.lanes[key] = nil
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(key, fn)
}

func (q *Queue) run(key string, fn func()) {
	defer q.wg.Done()
	for {
		fn()

		q.mu.Lock()
		pending := q.lanes[key]
		if len(pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn = pending[0]
		q.lanes[key] = pending[1:]
		q.mu.Unlock()
	}
}

// Wait blocks until every submitted task has run or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
