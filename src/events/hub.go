package events

import (
	"context"
	"sync"

	"mindbridge/src/app"
)

// Hub is an in-process broker keyed by user. Slow subscribers lose updates
// instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan app.EmotionUpdate]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	return &Hub{
		subs:   make(map[string]map[chan app.EmotionUpdate]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a listener for userID. The returned func unsubscribes
// and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan app.EmotionUpdate, func()) {
	ch := make(chan app.EmotionUpdate, h.buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan app.EmotionUpdate]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, update app.EmotionUpdate) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[update.UserID] {
		select {
		case ch <- update:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
