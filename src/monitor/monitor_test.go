package monitor

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"mindbridge/src/app"
	"mindbridge/src/capture"
	"mindbridge/src/clientstore"
	"mindbridge/src/queue"
	"mindbridge/src/uploader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedUploader answers by frame id; ids without a script succeed.
type scriptedUploader struct {
	mu      sync.Mutex
	errs    map[string]error
	uploads []string
}

func (s *scriptedUploader) Upload(_ context.Context, frame capture.Frame) (app.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, frame.ID)
	if err := s.errs[frame.ID]; err != nil {
		return app.Prediction{}, err
	}
	return app.Prediction{Emotion: app.EmotionJoy, Confidence: float64(frame.Seq) / 10}, nil
}

func (s *scriptedUploader) failWith(err error, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs == nil {
		s.errs = map[string]error{}
	}
	for _, id := range ids {
		s.errs[id] = err
	}
}

var (
	errOffline  = &uploader.UploadError{Err: context.DeadlineExceeded}
	errRejected = &uploader.UploadError{Status: http.StatusBadRequest, Message: "Unsupported file type"}
	errAuth     = &uploader.UploadError{Status: http.StatusUnauthorized, Message: "Invalid token"}
)

func defaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		DrainBatch:        1,
		RequeueOnFailure:  true,
		BaseBackoff:       time.Second,
		MaxBackoff:        5 * time.Minute,
		AuthRedirectDelay: 2 * time.Second,
	}
}

type fixture struct {
	monitor *Monitor
	up      *scriptedUploader
	queue   *queue.Queue
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	q, err := queue.New(context.Background(), 100, nil, zap.NewNop())
	require.NoError(t, err)
	up := &scriptedUploader{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := New(config, up, q, clock, zap.NewNop())
	t.Cleanup(m.Close)
	return &fixture{monitor: m, up: up, queue: q, clock: clock}
}

func frame(id string, seq uint64) capture.Frame {
	return capture.Frame{ID: id, Seq: seq, JPEG: []byte("jpeg-" + id)}
}

func queuedIDs(q *queue.Queue) []string {
	var ids []string
	for _, item := range q.Items() {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestHandleFrame(t *testing.T) {
	ctx := context.Background()

	t.Run("success never queues", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		f.monitor.HandleFrame(ctx, frame("f1", 1))
		snap := f.monitor.Snapshot()
		require.NotNil(t, snap.Prediction)
		assert.Equal(t, app.EmotionJoy, snap.Prediction.Emotion)
		assert.Empty(t, snap.Error)
		assert.Zero(t, snap.Queued)
	})

	t.Run("each failure queues one frame in capture order", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		f.up.failWith(errOffline, "f1", "f2", "f3")
		f.up.failWith(errRejected, "f2")
		for i, id := range []string{"f1", "f2", "f3"} {
			f.monitor.HandleFrame(ctx, frame(id, uint64(i+1)))
		}
		items := f.queue.Items()
		require.Len(t, items, 3)
		assert.Equal(t, []string{"f1", "f2", "f3"}, queuedIDs(f.queue))
		assert.Equal(t, frame("f1", 1).Base64(), items[0].Frame)
		assert.Equal(t, f.clock.Now(), items[0].NextAttemptAt)
		assert.Equal(t, MsgRetryLater, f.monitor.Snapshot().Error)
	})

	t.Run("stale answers are dropped", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		f.monitor.HandleFrame(ctx, frame("f2", 2))
		f.up.failWith(errOffline, "f1")
		f.monitor.HandleFrame(ctx, frame("f1", 1))

		snap := f.monitor.Snapshot()
		assert.Equal(t, uint64(2), snap.AppliedSeq)
		assert.InDelta(t, 0.2, snap.Prediction.Confidence, 1e-9)
		assert.Empty(t, snap.Error, "older failure does not overwrite newer success")
		assert.Equal(t, 1, snap.Queued, "but the frame is still kept for retry")
	})

	t.Run("auth failure asks for login after a delay", func(t *testing.T) {
		var redirects atomic.Int32
		config := defaultConfig()
		config.OnAuthRequired = func() { redirects.Add(1) }
		f := newFixture(t, config)
		f.up.failWith(errAuth, "f1", "f2")

		f.monitor.HandleFrame(ctx, frame("f1", 1))
		f.monitor.HandleFrame(ctx, frame("f2", 2))
		assert.Equal(t, MsgLogin, f.monitor.Snapshot().Error)
		assert.Equal(t, 2, f.queue.Len())

		f.clock.BlockUntil(1)
		f.clock.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
		assert.Zero(t, redirects.Load())
		f.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return redirects.Load() == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	seed := func(f *fixture) {
		f.up.failWith(errOffline, "f1", "f2")
		f.monitor.HandleFrame(ctx, frame("f1", 1))
		f.monitor.HandleFrame(ctx, frame("f2", 2))
		f.up.failWith(nil, "f1", "f2")
	}

	t.Run("success removes only the head", func(t *testing.T) {
		for _, requeue := range []bool{false, true} {
			config := defaultConfig()
			config.RequeueOnFailure = requeue
			f := newFixture(t, config)
			seed(f)

			n, err := f.monitor.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, []string{"f2"}, queuedIDs(f.queue))
		}
	})

	t.Run("failed retry loses the frame without requeue", func(t *testing.T) {
		config := defaultConfig()
		config.RequeueOnFailure = false
		f := newFixture(t, config)
		seed(f)
		f.up.failWith(errOffline, "f1")

		n, err := f.monitor.Drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, []string{"f2"}, queuedIDs(f.queue))
	})

	t.Run("failed retry goes back to the head with backoff", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		seed(f)
		f.up.failWith(errOffline, "f1")

		_, err := f.monitor.Drain(ctx)
		require.NoError(t, err)
		items := f.queue.Items()
		assert.Equal(t, []string{"f1", "f2"}, queuedIDs(f.queue))
		assert.Equal(t, 1, items[0].Attempts)
		assert.Equal(t, f.clock.Now().Add(time.Second), items[0].NextAttemptAt)

		// f1 is backing off, so the next event retries f2
		n, err := f.monitor.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"f1"}, queuedIDs(f.queue))
	})

	t.Run("rejected frames are dropped", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		seed(f)
		f.up.failWith(errRejected, "f1")
		_, err := f.monitor.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"f2"}, queuedIDs(f.queue))
	})

	t.Run("retry budget", func(t *testing.T) {
		config := defaultConfig()
		config.MaxAttempts = 2
		f := newFixture(t, config)
		seed(f)
		f.up.failWith(errOffline, "f1")

		f.monitor.Drain(ctx)
		assert.Equal(t, []string{"f1", "f2"}, queuedIDs(f.queue))
		f.clock.Advance(time.Second)
		f.monitor.Drain(ctx)
		assert.Equal(t, []string{"f2"}, queuedIDs(f.queue))
	})

	t.Run("batch size", func(t *testing.T) {
		config := defaultConfig()
		config.DrainBatch = 5
		f := newFixture(t, config)
		seed(f)
		n, err := f.monitor.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Zero(t, f.queue.Len())
	})
}

func TestRunDrainsOncePerEvent(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	f.up.failWith(errOffline, "f1", "f2", "f3")
	for i, id := range []string{"f1", "f2", "f3"} {
		f.monitor.HandleFrame(ctx, frame(id, uint64(i+1)))
	}
	f.up.failWith(nil, "f1", "f2", "f3")

	online := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx, online) }()

	online <- struct{}{}
	require.Eventually(t, func() bool { return f.queue.Len() == 2 }, time.Second, 5*time.Millisecond)
	online <- struct{}{}
	require.Eventually(t, func() bool { return f.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"f3"}, queuedIDs(f.queue))

	cancel()
	require.NoError(t, <-done)
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.up.failWith(errOffline, "f1", "f2", "f3")
	for i, id := range []string{"f1", "f2", "f3"} {
		f.monitor.HandleFrame(ctx, frame(id, uint64(i+1)))
	}
	f.up.failWith(nil, "f1", "f3")

	var steps int
	n, err := f.monitor.Flush(ctx, func() { steps++ })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, steps)
	assert.Equal(t, []string{"f2"}, queuedIDs(f.queue))
	assert.Equal(t, 1, f.queue.Items()[0].Attempts)
}

// hangingUploader blocks until the upload context ends.
type hangingUploader struct {
	started chan string
}

func (h *hangingUploader) Upload(ctx context.Context, frame capture.Frame) (app.Prediction, error) {
	h.started <- frame.ID
	<-ctx.Done()
	return app.Prediction{}, &uploader.UploadError{Err: ctx.Err()}
}

func TestInterruptedUploadsStayOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	open := func() (*clientstore.Store, *queue.Queue) {
		store, err := clientstore.Open(path)
		require.NoError(t, err)
		q, err := queue.New(context.Background(), 100, store, zap.NewNop())
		require.NoError(t, err)
		return store, q
	}

	store, q := open()
	up := &hangingUploader{started: make(chan string, 1)}
	m := New(defaultConfig(), up, q, clock, zap.NewNop())

	// shutdown during a fresh upload
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.HandleFrame(ctx, frame("f1", 1))
		close(done)
	}()
	assert.Equal(t, "f1", <-up.started)
	cancel()
	<-done
	assert.Empty(t, m.Snapshot().Error, "shutdown is not reported as a failure")

	// shutdown during a retry
	ctx, cancel = context.WithCancel(context.Background())
	drained := make(chan error, 1)
	go func() {
		_, err := m.Drain(ctx)
		drained <- err
	}()
	assert.Equal(t, "f1", <-up.started)
	cancel()
	assert.ErrorIs(t, <-drained, context.Canceled)
	m.Close()
	require.NoError(t, store.Close())

	store, q = open()
	defer store.Close()
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "f1", items[0].ID)
	assert.Zero(t, items[0].Attempts, "an interrupted retry does not count")
	assert.Equal(t, frame("f1", 1).Base64(), items[0].Frame)
}
