package events

import (
	"context"
	"sync"
)

// Subscriber channels hold this many events before the hub starts dropping.
const defaultChannelBuffer = 64

type subscription struct {
	ch     chan Event
	filter Filter
}

// MemoryHub is the in-process Hub: a locked subscriber table with
// non-blocking delivery.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]subscription)}
}

// Publish delivers the event to every subscriber whose filter matches. A
// full subscriber channel drops the event rather than blocking the
// publisher; durable truth stays in the history table.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscriber. The returned cancel function
// removes it; the channel is never closed by the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, defaultChannelBuffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}
