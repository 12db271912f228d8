package events

import (
	"context"
	"sync"

	"blood-request-engine/internal/entity"

	"go.uber.org/zap"
)

const DefaultSubscriberBuffer = 16

// Bus delivers events to in-process subscribers. A subscriber that does not
// keep up loses events instead of stalling the writer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextId int
	buffer int
	closed bool
	log    *zap.Logger
}

type Subscription struct {
	C         <-chan entity.RequestEvent
	ch        chan entity.RequestEvent
	id        int
	requestId string
	bus       *Bus
	once      sync.Once
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Bus{
		subs:   map[int]*Subscription{},
		buffer: buffer,
		log:    log,
	}
}

// Subscribe returns events of one request, or of every request when requestId is empty.
func (b *Bus) Subscribe(requestId string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan entity.RequestEvent, b.buffer)
	sub := &Subscription{
		C:         ch,
		ch:        ch,
		id:        b.nextId,
		requestId: requestId,
		bus:       b,
	}
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub.id] = sub
	b.nextId++

	return sub
}

func (b *Bus) Publish(_ context.Context, event entity.RequestEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.requestId != "" && sub.requestId != event.RequestId {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("subscriber is full, dropping event",
				zap.String("request_id", event.RequestId),
				zap.String("to", string(event.To)))
		}
	}

	return nil
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close ends every subscription. Subscriptions taken afterwards start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
