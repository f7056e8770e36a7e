package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is one frame waiting for a retry upload.
type Item struct {
	ID            string
	Seq           uint64
	Frame         string // base64 JPEG
	Attempts      int
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
}

// saveTimeout bounds a save that outlives the caller's context.
const saveTimeout = 5 * time.Second

// Backend persists the queue. Save receives the full ordered content.
type Backend interface {
	LoadQueue(ctx context.Context) ([]Item, error)
	SaveQueue(ctx context.Context, items []Item) error
}

// Queue is a bounded FIFO of failed frames. When full, pushing evicts the oldest item.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	maxItems int
	backend  Backend
	logger   *zap.Logger
}

// New restores the queue from backend. A nil backend keeps the queue in memory only.
func New(ctx context.Context, maxItems int, backend Backend, logger *zap.Logger) (*Queue, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", maxItems)
	}
	q := &Queue{maxItems: maxItems, backend: backend, logger: logger}
	if backend != nil {
		items, err := backend.LoadQueue(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore queue: %w", err)
		}
		q.items = items
		q.trimLocked()
	}
	return q, nil
}

// Push appends item and returns how many old items were evicted to make room.
func (q *Queue) Push(ctx context.Context, item Item) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	evicted := q.trimLocked()
	return evicted, q.saveLocked(ctx)
}

// PushFront puts items back at the head, keeping their order.
func (q *Queue) PushFront(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append(make([]Item, 0, len(items)+len(q.items)), items...), q.items...)
	q.trimLocked()
	return q.saveLocked(ctx)
}

// PopEligible removes up to n items whose NextAttemptAt is not after now,
// oldest first. Items still backing off keep their place.
func (q *Queue) PopEligible(ctx context.Context, now time.Time, n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var popped []Item
	kept := q.items[:0:0]
	for _, item := range q.items {
		if len(popped) < n && !item.NextAttemptAt.After(now) {
			popped = append(popped, item)
			continue
		}
		kept = append(kept, item)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	q.items = kept
	return popped, q.saveLocked(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue content.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return q.saveLocked(ctx)
}

func (q *Queue) trimLocked() int {
	over := len(q.items) - q.maxItems
	if over <= 0 {
		return 0
	}
	for _, item := range q.items[:over] {
		q.logger.Warn("retry queue full, dropping oldest frame",
			zap.String("id", item.ID), zap.Uint64("seq", item.Seq))
	}
	q.items = append([]Item(nil), q.items[over:]...)
	return over
}

func (q *Queue) saveLocked(ctx context.Context) error {
	if q.backend == nil {
		return nil
	}
	// a frame already dropped from memory must still reach disk when the
	// caller is shutting down
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := q.backend.SaveQueue(ctx, q.items); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Backoff is the wait before retry number attempts: base doubling per
// attempt, capped at limit.
func Backoff(attempts int, base, limit time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
