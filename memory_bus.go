package saga

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus is an in-process EventBus for tests and single-process
// deployments. Publishing delivers synchronously to every attached
// dispatcher and records the event in History, which tests use for order
// assertions.
type MemoryBus struct {
	mu          sync.Mutex
	dispatchers []Dispatcher
	history     []Event
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Attach subscribes a dispatcher to every published event.
func (b *MemoryBus) Attach(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

// Publish records the event and delivers it synchronously. Events without a
// handler anywhere are kept in history only; that is how terminal events
// come to rest on this transport.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.history = append(b.history, event)
	dispatchers := append([]Dispatcher(nil), b.dispatchers...)
	b.mu.Unlock()

	for _, d := range dispatchers {
		if err := d.Dispatch(ctx, event); err != nil {
			if errors.Is(err, ErrNoHandler) {
				continue
			}
			return err
		}
	}
	return nil
}

// History returns a copy of every event published so far, in publish order.
func (b *MemoryBus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}
