// Package transport provides the pub/sub implementations of the engine's
// transport port: an in-process bus for tests and embedding, and a Redis
// Pub/Sub transport.
package transport

import (
	"context"
	"sync"

	"github.com/petrijr/stato/pkg/api"
)

// MemoryTransport is an in-process pub/sub bus. Delivery is synchronous and
// in subscription order: Publish returns the first handler error, which
// makes test assertions deterministic. Handlers must not publish back to the
// same instance's write path from inside the delivery, or they will deadlock
// on the instance slot.
type MemoryTransport struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]api.Handler
}

// Ensure MemoryTransport implements the port.
var _ api.Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates an empty bus.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[int]api.Handler)}
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, ev api.Event) error {
	t.mu.RLock()
	handlers := make([]api.Handler, 0, len(t.subs[topic]))
	for _, h := range t.subs[topic] {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, h api.Handler) (api.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int]api.Handler)
	}
	id := t.nextID
	t.nextID++
	t.subs[topic][id] = h
	return &memorySubscription{t: t, topic: topic, id: id}, nil
}

type memorySubscription struct {
	t     *MemoryTransport
	topic string
	id    int
	once  sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		defer s.t.mu.Unlock()
		delete(s.t.subs[s.topic], s.id)
	})
	return nil
}
