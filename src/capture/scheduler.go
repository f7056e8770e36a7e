package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sink receives captured frames. Each call runs on its own goroutine, so
// uploads of consecutive ticks may overlap.
type Sink interface {
	HandleFrame(ctx context.Context, frame Frame)
}

type SinkFunc func(ctx context.Context, frame Frame)

func (f SinkFunc) HandleFrame(ctx context.Context, frame Frame) { f(ctx, frame) }

type SchedulerConfig struct {
	Interval    time.Duration
	JPEGQuality int
}

// Scheduler captures a frame every interval and hands it to the sink.
//
// The battery is read once in Start: a low battery doubles the interval for
// the lifetime of the scheduler.
type Scheduler struct {
	config  SchedulerConfig
	source  FrameSource
	battery Battery
	sink    Sink
	clock   clockwork.Clock
	logger  *zap.Logger

	paused   atomic.Bool
	seq      atomic.Uint64
	interval atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	uploads sync.WaitGroup
}

func NewScheduler(config SchedulerConfig, source FrameSource, battery Battery, sink Sink, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		config:  config,
		source:  source,
		battery: battery,
		sink:    sink,
		clock:   clock,
		logger:  logger,
	}
	s.interval.Store(int64(config.Interval))
	return s
}

// Start reads the battery, then ticks until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.config.Interval <= 0 {
		return fmt.Errorf("capture interval must be positive, got %s", s.config.Interval)
	}

	interval := s.config.Interval
	if s.battery != nil {
		status, err := s.battery.Status(ctx)
		if err != nil {
			s.logger.Warn("battery read failed", zap.Error(err))
		} else if status.Low() {
			interval *= 2
			s.logger.Info("low battery, capturing less often",
				zap.Float64("level", status.Level), zap.Duration("interval", interval))
		}
	}
	s.interval.Store(int64(interval))

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.loop.Add(1)
	go s.run(ctx, interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration) {
	defer s.loop.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}

// Stop ends the tick loop and waits for in-flight uploads.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()
	s.loop.Wait()
	s.uploads.Wait()
}

func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Interval is the effective tick period.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Tick captures one frame and dispatches it. It reports whether an upload was issued.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if s.paused.Load() {
		return false
	}
	img, err := s.source.Next(ctx)
	if errors.Is(err, ErrNotReady) {
		s.logger.Debug("frame source not ready, skipping tick")
		return false
	}
	if err != nil {
		s.logger.Warn("frame capture failed", zap.Error(err))
		return false
	}
	data, err := EncodeJPEG(CenterCrop(img), s.config.JPEGQuality)
	if err != nil {
		s.logger.Warn("frame encode failed", zap.Error(err))
		return false
	}
	frame := Frame{
		ID:         uuid.NewString(),
		Seq:        s.seq.Add(1),
		CapturedAt: s.clock.Now(),
		JPEG:       data,
	}
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		s.sink.HandleFrame(ctx, frame)
	}()
	return true
}
