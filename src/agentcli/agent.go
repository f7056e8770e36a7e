package agentcli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mindbridge/src/capture"
	"mindbridge/src/clientstore"
	cfg "mindbridge/src/configuration"
	"mindbridge/src/connectivity"
	"mindbridge/src/monitor"
	"mindbridge/src/queue"
	"mindbridge/src/session"
	"mindbridge/src/uploader"
)

const storeFile = "agent.db"

// Agent is the capture pipeline: session, uploader, retry queue, monitor,
// connectivity watcher and capture scheduler over one local store.
type Agent struct {
	Config    *cfg.AgentProperties
	Store     *clientstore.Store
	Session   *session.Manager
	Queue     *queue.Queue
	Monitor   *monitor.Monitor
	Watcher   *connectivity.Watcher
	Scheduler *capture.Scheduler
	logger    *zap.Logger

	authLost chan struct{}
}

// NewAgent opens the local store and wires the pipeline. The source and
// battery default to the configured frame directory and sysfs.
func NewAgent(ctx context.Context, config *cfg.AgentProperties, source capture.FrameSource, battery capture.Battery, clock clockwork.Clock, logger *zap.Logger) (*Agent, error) {
	store, err := clientstore.Open(filepath.Join(config.StoreDir, storeFile))
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	q, err := queue.New(ctx, config.Queue.MaxItems, store, logger.Named("queue"))
	if err != nil {
		store.Close()
		return nil, err
	}
	if source == nil {
		source = capture.NewDirSource(config.Capture.Source)
	}
	if battery == nil {
		battery = capture.NewSysfsBattery()
	}

	a := &Agent{Config: config, Store: store, Queue: q, logger: logger, authLost: make(chan struct{}, 1)}
	a.Session = session.NewManager(config.BaseURL, store, clock, config.Session.RefreshInterval, logger.Named("session"))
	up := uploader.New(config.BaseURL, a.Session, config.Capture.UploadTimeout, logger.Named("uploader"))
	a.Monitor = monitor.New(monitor.Config{
		MaxAttempts:       config.Queue.MaxAttempts,
		DrainBatch:        config.Queue.DrainBatch,
		RequeueOnFailure:  config.Queue.RequeueOnFailure,
		BaseBackoff:       config.Queue.BaseBackoff,
		MaxBackoff:        config.Queue.MaxBackoff,
		AuthRedirectDelay: config.Capture.AuthRedirectDelay,
		OnAuthRequired:    a.loginRequired,
	}, up, q, clock, logger.Named("monitor"))
	a.Watcher = connectivity.NewWatcher(config.BaseURL, config.Probe.Interval, config.Probe.Timeout, clock, logger.Named("connectivity"))
	a.Scheduler = capture.NewScheduler(capture.SchedulerConfig{
		Interval:    config.Capture.Interval,
		JPEGQuality: config.Capture.JPEGQuality,
	}, source, battery, a.Monitor, clock, logger.Named("capture"))
	return a, nil
}

// loginRequired stands in for the redirect to the login page: capture pauses
// until a session is back. Run first tries a refresh, then waits for a session
// stored by `login`.
func (a *Agent) loginRequired() {
	a.Scheduler.Pause()
	select {
	case a.authLost <- struct{}{}:
	default:
	}
}

func (a *Agent) recoverSession(ctx context.Context) {
	if err := a.Session.Refresh(ctx); err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("login required, capture paused until `login` succeeds", zap.Error(err))
		}
		return
	}
	a.logger.Info("session refreshed after rejected upload")
}

// Run drives the pipeline until ctx ends. The session must be initialised.
func (a *Agent) Run(ctx context.Context) error {
	states, unsubscribe := a.Session.Subscribe()
	defer unsubscribe()
	if a.Session.State() != session.StateAuthenticated {
		a.Scheduler.Pause()
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})
	g.Go(func() error { return a.Watcher.Run(ctx) })
	g.Go(func() error { return a.Monitor.Run(ctx, a.Watcher.Online()) })
	g.Go(func() error {
		a.Session.Start(ctx)
		<-ctx.Done()
		a.Session.Stop()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-a.authLost:
				a.recoverSession(ctx)
			case state := <-states:
				switch state {
				case session.StateAuthenticated:
					a.Scheduler.Resume()
				case session.StateUnauthenticated:
					a.Scheduler.Pause()
				}
			}
		}
	})
	a.logger.Info("agent running",
		zap.String("backend", a.Config.BaseURL),
		zap.Duration("interval", a.Scheduler.Interval()),
		zap.Int("queued", a.Queue.Len()))
	return g.Wait()
}

func (a *Agent) Close() {
	a.Monitor.Close()
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("close agent store", zap.Error(err))
	}
}
