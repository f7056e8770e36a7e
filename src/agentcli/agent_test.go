package agentcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindbridge/src/app"
	"mindbridge/src/capture"
	cfg "mindbridge/src/configuration"
	"mindbridge/src/events"
	"mindbridge/src/monitor"
	db "mindbridge/src/repository"
	"mindbridge/src/security"
	"mindbridge/src/server"
	"mindbridge/src/session"
)

// backend is the real router over an in-memory store and a fake ML service.
// While down is set every request answers 503. While rejectDetect is set the
// detect endpoint answers 401.
type backend struct {
	url          string
	store        *db.InMemoryDB
	down         atomic.Bool
	rejectDetect atomic.Bool
	refreshes    atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(app.PredictionResponse{
			Success:    true,
			Prediction: &app.Prediction{Emotion: "sad", Confidence: 0.66},
		})
	}))
	t.Cleanup(ml.Close)

	config := &cfg.Properties{
		Server: cfg.HttpServerProperties{AllowOrigins: []string{"http://localhost:3000"}, MaxFileSize: 5 << 20},
		MLServer: cfg.MLServerProperties{
			Host: ml.URL, Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond,
			BreakerFails: 5, BreakerTimeout: time.Second,
		},
	}
	issuer, err := security.NewIssuer("agent-test", "mindbridge", 30*time.Minute, time.Hour)
	require.NoError(t, err)
	b := &backend{store: db.NewInMemoryDB()}
	router := server.NewRouter(server.Dependencies{
		Config: config,
		Store:  b.store,
		Issuer: issuer,
		ML:     server.NewMLClient(config.MLServer, clockwork.NewRealClock(), zap.NewNop()),
		Hub:    events.NewHub(4),
		Logger: zap.NewNop(),
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.URL.Path == "/api/emotion/detect" && b.rejectDetect.Load():
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
			return
		case r.URL.Path == "/api/v1/auth/refresh":
			b.refreshes.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	b.url = srv.URL
	return b
}

func (b *backend) records(t *testing.T) []app.EmotionRecord {
	t.Helper()
	user, err := b.store.UserByEmail(context.Background(), "ann@example.com")
	require.NoError(t, err)
	records, _, err := b.store.EmotionHistory(context.Background(), user.ID, time.Time{}, 1, 100)
	require.NoError(t, err)
	return records
}

func agentConfig(url, dir string) *cfg.AgentProperties {
	config := cfg.DefaultAgentProperties()
	config.BaseURL = url
	config.StoreDir = dir
	return config
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	return img
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&options{clock: clockwork.NewRealClock(), logger: zap.NewNop()})
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLISessionLifecycle(t *testing.T) {
	b := newBackend(t)
	common := []string{"--base-url", b.url, "--store-dir", t.TempDir()}

	out, err := runCLI(t, append([]string{"register", "-e", "ann@example.com", "-p", "password123"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered ann@example.com")

	out, err = runCLI(t, append([]string{"status"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "(online)")
	assert.Regexp(t, `SESSION\s+authenticated`, out)
	assert.Regexp(t, `ACCOUNT\s+ann@example.com`, out)
	assert.Regexp(t, `QUEUED\s+0`, out)

	out, err = runCLI(t, append([]string{"drain"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty.")

	out, err = runCLI(t, append([]string{"logout"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	out, err = runCLI(t, append([]string{"status"}, common...)...)
	require.NoError(t, err)
	assert.Regexp(t, `SESSION\s+unauthenticated`, out)

	_, err = runCLI(t, append([]string{"run"}, common...)...)
	assert.ErrorContains(t, err, "not logged in")

	_, err = runCLI(t, append([]string{"login", "-e", "ann@example.com", "-p", "wrong-password"}, common...)...)
	assert.ErrorContains(t, err, "login failed")
}

func TestAgentCapturesAndUploads(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	a, err := NewAgent(ctx, agentConfig(b.url, dir), capture.StaticSource{Image: testImage()},
		capture.FixedBattery{Known: true, Level: 0.8}, clock, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Session.Register(ctx, "ann@example.com", "password123", "Ann"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	// scheduler, watcher and session refresh tickers
	clock.BlockUntil(3)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		snap := a.Monitor.Snapshot()
		return snap.Prediction != nil
	}, 2*time.Second, 10*time.Millisecond)

	snap := a.Monitor.Snapshot()
	assert.Equal(t, app.EmotionSadness, snap.Prediction.Emotion)
	assert.Zero(t, snap.Queued)
	records := b.records(t)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.66, records[0].Confidence, 1e-9)

	cancel()
	require.NoError(t, <-done)
}

func TestOfflineFramesSurviveRestartAndDrain(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	dir := t.TempDir()

	a, err := NewAgent(ctx, agentConfig(b.url, dir), capture.StaticSource{Image: testImage()},
		capture.FixedBattery{}, clockwork.NewRealClock(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Session.Register(ctx, "ann@example.com", "password123", ""))

	b.down.Store(true)
	data, err := capture.EncodeJPEG(capture.CenterCrop(testImage()), 80)
	require.NoError(t, err)
	for seq := uint64(1); seq <= 2; seq++ {
		a.Monitor.HandleFrame(ctx, capture.Frame{ID: fmt.Sprintf("frame-%d", seq), Seq: seq, JPEG: data})
	}
	assert.Equal(t, 2, a.Queue.Len())
	a.Close()
	b.down.Store(false)

	out, err := runCLI(t, "drain", "--base-url", b.url, "--store-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded 2 of 2, 0 still queued")
	assert.Len(t, b.records(t), 2)
}

func TestCaptureResumesAfterRejectedUpload(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	clock := clockwork.NewFakeClock()

	a, err := NewAgent(ctx, agentConfig(b.url, t.TempDir()), capture.StaticSource{Image: testImage()},
		capture.FixedBattery{Known: true, Level: 0.8}, clock, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Session.Register(ctx, "ann@example.com", "password123", "Ann"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	clock.BlockUntil(3)

	b.rejectDetect.Store(true)
	clock.Advance(5 * time.Second)
	// the login redirect timer joins the three tickers
	clock.BlockUntil(4)
	assert.Equal(t, monitor.MsgLogin, a.Monitor.Snapshot().Error)
	require.Eventually(t, func() bool { return a.Queue.Len() == 1 }, time.Second, 5*time.Millisecond)

	b.rejectDetect.Store(false)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return b.refreshes.Load() == 1 && !a.Scheduler.Paused()
	}, 2*time.Second, 10*time.Millisecond, "a refreshed session resumes capture")
	assert.Equal(t, session.StateAuthenticated, a.Session.State())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return a.Monitor.Snapshot().Prediction != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.Monitor.Snapshot().Error)

	cancel()
	require.NoError(t, <-done)
}
