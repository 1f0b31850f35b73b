package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

const memoryBuffer = 64

// MemoryEventBus is an in-process EventBus. Slow subscribers lose events
// once their buffer is full; publishers never block.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan *Event]struct{}
	closed bool
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[string]map[chan *Event]struct{})}
}

// Publish delivers event to every current subscriber of topic.
func (m *MemoryEventBus) Publish(_ context.Context, topic string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for ch := range m.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for topic until ctx is done.
func (m *MemoryEventBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, error) {
	ch := make(chan *Event, memoryBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[chan *Event]struct{})
	}
	m.subs[topic][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[topic][ch]; ok {
			delete(m.subs[topic], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close closes every subscriber channel.
func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.subs {
		for ch := range subs {
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}
