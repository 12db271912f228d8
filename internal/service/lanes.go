package service

import (
	"context"
	"sync"
)

// requestLanes runs tasks one at a time, in arrival order, per request id.
// Lanes exist only while they have work, so different requests never share a
// goroutine or a lock beyond the brief map access.
//
// A task must not call Do for its own key: it would wait behind itself.
type requestLanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []func()
}

func newRequestLanes() *requestLanes {
	return &requestLanes{lanes: map[string]*lane{}}
}

// Do queues fn on the lane of key and waits for its result. If ctx ends first
// Do returns ctx.Err() and fn still runs in its turn.
func (l *requestLanes) Do(ctx context.Context, key string, fn func() error) error {
	done := make(chan error, 1)
	l.Go(key, func() { done <- fn() })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go queues fn on the lane of key without waiting for it.
func (l *requestLanes) Go(key string, fn func()) {
	l.wg.Add(1)

	l.mu.Lock()
	if ln, ok := l.lanes[key]; ok {
		ln.queue = append(ln.queue, fn)
		l.mu.Unlock()
		return
	}
	ln := &lane{}
	l.lanes[key] = ln
	l.mu.Unlock()

	go l.drain(key, ln, fn)
}

func (l *requestLanes) drain(key string, ln *lane, fn func()) {
	for {
		fn()
		l.wg.Done()

		l.mu.Lock()
		if len(ln.queue) == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		fn = ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		l.mu.Unlock()
	}
}

func (l *requestLanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.lanes)
}

// Wait blocks until every queued task has run.
func (l *requestLanes) Wait() {
	l.wg.Wait()
}
