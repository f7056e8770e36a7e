package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type status int

const (
	unknown status = iota
	offline
	online
)

// Watcher probes the backend health endpoint and emits one event per
// transition to online. The first successful probe counts as a transition,
// so work persisted by an earlier run starts draining at startup.
type Watcher struct {
	url      string
	client   *http.Client
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
	events   chan struct{}

	mu     sync.Mutex
	status status
}

func NewWatcher(baseURL string, interval, timeout time.Duration, clock clockwork.Clock, logger *zap.Logger) *Watcher {
	return &Watcher{
		url:      strings.TrimRight(baseURL, "/") + "/health",
		client:   &http.Client{Timeout: timeout},
		clock:    clock,
		interval: interval,
		logger:   logger,
		events:   make(chan struct{}, 1),
	}
}

// Online delivers connectivity-restored events. Events that arrive while the
// previous one is unread are merged.
func (w *Watcher) Online() <-chan struct{} {
	return w.events
}

func (w *Watcher) IsOnline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == online
}

// Run probes immediately, then every interval, until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.Check(ctx)
		}
	}
}

// Check runs one probe and reports whether it caused an online event.
func (w *Watcher) Check(ctx context.Context) bool {
	up := w.probe(ctx)

	w.mu.Lock()
	prev := w.status
	if up {
		w.status = online
	} else {
		w.status = offline
	}
	w.mu.Unlock()

	switch {
	case up && prev != online:
		w.logger.Info("backend reachable")
		select {
		case w.events <- struct{}{}:
		default:
		}
		return true
	case !up && prev != offline:
		w.logger.Warn("backend unreachable", zap.String("url", w.url))
	}
	return false
}

func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
