package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrHubClosed = errors.New("realtime hub closed")

// MemoryHub fans events out to in-process subscribers.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	size   int
	closed bool
}

func NewMemoryHub(bufferSize int) *MemoryHub {
	return &MemoryHub{
		subs: make(map[string]map[*Subscription]struct{}),
		size: bufferSize,
	}
}

func (h *MemoryHub) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	sub := newSubscription(channel, h.size)
	sub.release = func() {
		h.mu.Lock()
		if set, ok := h.subs[channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, channel)
			}
		}
		h.mu.Unlock()
		close(sub.events)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish blocks until every current subscriber has buffered ev, or ctx ends.
func (h *MemoryHub) Publish(ctx context.Context, channel string, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for sub := range h.subs[channel] {
		if err := sub.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close ends every subscription.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
