package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mindbridge/src/app"
	"mindbridge/src/capture"
	"mindbridge/src/queue"
	"mindbridge/src/uploader"
)

const (
	MsgRetryLater = "Failed to analyze emotion. Will retry when online."
	MsgLogin      = "Please log in to use emotion detection."
)

type Uploader interface {
	Upload(ctx context.Context, frame capture.Frame) (app.Prediction, error)
}

type Config struct {
	MaxAttempts int
	// DrainBatch caps how many queued frames one online event retries.
	DrainBatch int
	// RequeueOnFailure puts a failed retry back at the head of the queue.
	// When false a failed retry loses its frame.
	RequeueOnFailure  bool
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AuthRedirectDelay time.Duration
	// OnAuthRequired runs AuthRedirectDelay after the backend rejected our credentials.
	OnAuthRequired func()
}

// Snapshot is what a UI would render.
type Snapshot struct {
	Prediction *app.Prediction
	Error      string
	Queued     int
	AppliedSeq uint64
}

// Monitor applies upload results and keeps failed frames for a later retry.
// Results are applied in capture order: an answer for a frame older than the
// one already shown is dropped.
type Monitor struct {
	config   Config
	uploader Uploader
	queue    *queue.Queue
	clock    clockwork.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	latest     *app.Prediction
	errMsg     string
	appliedSeq uint64

	redirectMu      sync.Mutex
	redirectPending bool
	done            chan struct{}
	closeOnce       sync.Once
	timers          sync.WaitGroup
	drainMu         sync.Mutex
}

func New(config Config, up Uploader, q *queue.Queue, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if config.DrainBatch <= 0 {
		config.DrainBatch = 1
	}
	return &Monitor{
		config:   config,
		uploader: up,
		queue:    q,
		clock:    clock,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// HandleFrame uploads a fresh capture. A failure, whatever its kind, queues the
// frame. An upload cut short by ctx queues the frame without reporting an error.
func (m *Monitor) HandleFrame(ctx context.Context, frame capture.Frame) {
	pred, err := m.uploader.Upload(ctx, frame)
	if err == nil {
		m.apply(frame.Seq, &pred, "")
		return
	}
	if ctx.Err() != nil {
		m.logger.Info("upload interrupted, keeping frame", zap.Uint64("seq", frame.Seq))
	} else {
		m.logger.Warn("frame upload failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		m.fail(frame.Seq, err)
	}

	now := m.clock.Now()
	evicted, qerr := m.queue.Push(ctx, queue.Item{
		ID:            frame.ID,
		Seq:           frame.Seq,
		Frame:         frame.Base64(),
		EnqueuedAt:    now,
		NextAttemptAt: now,
	})
	if qerr != nil {
		m.logger.Error("queue frame for retry", zap.Error(qerr))
	}
	if evicted > 0 {
		m.logger.Warn("retry queue overflow", zap.Int("evicted", evicted))
	}
}

func (m *Monitor) apply(seq uint64, pred *app.Prediction, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.appliedSeq {
		m.logger.Debug("stale result dropped", zap.Uint64("seq", seq), zap.Uint64("applied", m.appliedSeq))
		return
	}
	m.appliedSeq = seq
	if pred != nil {
		m.latest = pred
	}
	m.errMsg = errMsg
}

func (m *Monitor) fail(seq uint64, err error) {
	var upErr *uploader.UploadError
	if errors.As(err, &upErr) && upErr.IsAuth() {
		m.apply(seq, nil, MsgLogin)
		m.scheduleRedirect()
		return
	}
	m.apply(seq, nil, MsgRetryLater)
}

func (m *Monitor) scheduleRedirect() {
	if m.config.OnAuthRequired == nil {
		return
	}
	m.redirectMu.Lock()
	if m.redirectPending {
		m.redirectMu.Unlock()
		return
	}
	m.redirectPending = true
	m.redirectMu.Unlock()

	timer := m.clock.NewTimer(m.config.AuthRedirectDelay)
	m.timers.Add(1)
	go func() {
		defer m.timers.Done()
		defer func() {
			m.redirectMu.Lock()
			m.redirectPending = false
			m.redirectMu.Unlock()
		}()
		select {
		case <-timer.Chan():
			m.config.OnAuthRequired()
		case <-m.done:
			timer.Stop()
		}
	}()
}

// Drain retries up to DrainBatch eligible queued frames, oldest first, and
// returns how many were uploaded successfully.
func (m *Monitor) Drain(ctx context.Context) (int, error) {
	return m.drain(ctx, m.clock.Now(), m.config.DrainBatch, nil)
}

// Flush retries every queued frame once, ignoring backoff. progress is
// called after each attempt.
func (m *Monitor) Flush(ctx context.Context, progress func()) (int, error) {
	return m.drain(ctx, time.Unix(1<<40, 0), m.queue.Len(), progress)
}

func (m *Monitor) drain(ctx context.Context, now time.Time, n int, progress func()) (int, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	if n <= 0 {
		return 0, nil
	}
	items, err := m.queue.PopEligible(ctx, now, n)
	if err != nil {
		return 0, err
	}

	var (
		uploaded int
		requeue  []queue.Item
	)
	for _, item := range items {
		if ctx.Err() != nil {
			requeue = append(requeue, item)
			continue
		}
		ok, keep := m.retry(ctx, item)
		if ok {
			uploaded++
		} else if keep != nil {
			requeue = append(requeue, *keep)
		}
		if progress != nil {
			progress()
		}
	}
	if err := m.queue.PushFront(ctx, requeue...); err != nil {
		return uploaded, err
	}
	return uploaded, ctx.Err()
}

// retry uploads one queued frame. On failure it returns the item to put
// back, or nil when the frame is given up.
func (m *Monitor) retry(ctx context.Context, item queue.Item) (bool, *queue.Item) {
	data, err := capture.DecodeBase64(item.Frame)
	if err != nil {
		m.logger.Error("dropping undecodable queued frame", zap.String("id", item.ID), zap.Error(err))
		return false, nil
	}
	frame := capture.Frame{ID: item.ID, Seq: item.Seq, CapturedAt: item.EnqueuedAt, JPEG: data}
	pred, err := m.uploader.Upload(ctx, frame)
	if err == nil {
		m.logger.Info("queued frame uploaded", zap.String("id", item.ID), zap.Int("attempts", item.Attempts+1))
		m.apply(item.Seq, &pred, "")
		return true, nil
	}
	if ctx.Err() != nil {
		return false, &item
	}
	m.fail(item.Seq, err)

	if !m.config.RequeueOnFailure {
		m.logger.Warn("retry failed, frame lost", zap.String("id", item.ID), zap.Error(err))
		return false, nil
	}
	var upErr *uploader.UploadError
	if errors.As(err, &upErr) && !upErr.Retryable() && !upErr.IsAuth() {
		m.logger.Warn("retry rejected, dropping frame", zap.String("id", item.ID), zap.Error(err))
		return false, nil
	}
	item.Attempts++
	if m.config.MaxAttempts > 0 && item.Attempts >= m.config.MaxAttempts {
		m.logger.Warn("retry budget exhausted, dropping frame",
			zap.String("id", item.ID), zap.Int("attempts", item.Attempts), zap.Error(err))
		return false, nil
	}
	item.NextAttemptAt = m.clock.Now().Add(queue.Backoff(item.Attempts, m.config.BaseBackoff, m.config.MaxBackoff))
	return false, &item
}

// Run drains once per online event until ctx ends.
func (m *Monitor) Run(ctx context.Context, online <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-online:
			if m.queue.Len() == 0 {
				continue
			}
			n, err := m.Drain(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("retry drain", zap.Error(err))
			}
			m.logger.Info("retry drain done", zap.Int("uploaded", n), zap.Int("remaining", m.queue.Len()))
		}
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pred *app.Prediction
	if m.latest != nil {
		p := *m.latest
		pred = &p
	}
	return Snapshot{Prediction: pred, Error: m.errMsg, Queued: m.queue.Len(), AppliedSeq: m.appliedSeq}
}

// Close cancels a pending login redirect and waits for its timer goroutine.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.timers.Wait()
}
