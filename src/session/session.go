package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mindbridge/src/app"
	"mindbridge/src/clientstore"
)

type State string

const (
	StateLoading         State = "loading"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

var ErrUnauthenticated = errors.New("not authenticated")

// APIError is a non-2xx answer of the auth endpoints.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api answered %d: %s", e.Status, e.Detail)
}

// Storage keeps the token triple between runs.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	User         *app.User `json:"user"`
}

// Manager owns the session state machine: loading, then authenticated or
// unauthenticated. While authenticated the access token is refreshed on a
// fixed interval, whatever its actual lifetime. Any refresh failure logs out.
type Manager struct {
	baseURL  string
	client   *http.Client
	storage  Storage
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	state   State
	access  string
	refresh string
	user    *app.User

	subsMu sync.Mutex
	subs   map[chan State]struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	loop   sync.WaitGroup
}

func NewManager(baseURL string, storage Storage, clock clockwork.Clock, refreshInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 15 * time.Second},
		storage:  storage,
		clock:    clock,
		interval: refreshInterval,
		logger:   logger,
		state:    StateLoading,
		subs:     make(map[chan State]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) User() *app.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

// Token serves the current access token to oauth2.Transport.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.access == "" {
		return nil, ErrUnauthenticated
	}
	return &oauth2.Token{AccessToken: m.access, TokenType: "Bearer"}, nil
}

// Subscribe reports every state change, and every successful refresh as
// StateAuthenticated. Slow readers miss intermediate states.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if !changed {
		return
	}
	m.logger.Info("session state changed", zap.String("state", string(state)))
	m.notify(state)
}

func (m *Manager) notify(state State) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// Init restores a stored session and validates it against the profile endpoint.
func (m *Manager) Init(ctx context.Context) error {
	access, ok, err := m.storage.Get(ctx, clientstore.KeyToken)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok || access == "" {
		m.setState(StateUnauthenticated)
		return nil
	}
	refresh, _, err := m.storage.Get(ctx, clientstore.KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var user app.User
	if err := m.call(ctx, http.MethodGet, "/api/v1/auth/profile", access, nil, &user); err != nil {
		m.logger.Warn("stored session is no longer valid", zap.Error(err))
		m.clear(ctx)
		return nil
	}
	if err := m.persist(ctx, access, refresh, &user); err != nil {
		return err
	}
	m.setState(StateAuthenticated)
	return nil
}

func (m *Manager) Login(ctx context.Context, email, password string) error {
	return m.authenticate(ctx, "/api/auth/login", map[string]string{"email": email, "password": password})
}

func (m *Manager) Register(ctx context.Context, email, password, fullName string) error {
	return m.authenticate(ctx, "/api/auth/register",
		map[string]string{"email": email, "password": password, "full_name": fullName})
}

func (m *Manager) authenticate(ctx context.Context, path string, body any) error {
	var res tokenResponse
	if err := m.call(ctx, http.MethodPost, path, "", body, &res); err != nil {
		return err
	}
	if res.AccessToken == "" {
		return errors.New("auth api returned no access token")
	}
	if err := m.persist(ctx, res.AccessToken, res.RefreshToken, res.User); err != nil {
		return err
	}
	m.setState(StateAuthenticated)
	return nil
}

// Refresh swaps the access token. On any failure the session is dropped.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	refresh, user := m.refresh, m.user
	m.mu.RUnlock()
	if refresh == "" {
		m.Logout(ctx)
		return ErrUnauthenticated
	}
	var res tokenResponse
	err := m.call(ctx, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh}, &res)
	if err == nil && res.AccessToken == "" {
		err = errors.New("auth api returned no access token")
	}
	if err != nil && ctx.Err() != nil {
		// shutting down, the stored session stays for the next run
		return fmt.Errorf("refresh session: %w", ctx.Err())
	}
	if err == nil {
		if res.RefreshToken != "" {
			refresh = res.RefreshToken
		}
		err = m.persist(ctx, res.AccessToken, refresh, user)
	}
	if err != nil {
		m.logger.Warn("token refresh failed, logging out", zap.Error(err))
		m.Logout(ctx)
		return fmt.Errorf("refresh session: %w", err)
	}
	m.logger.Debug("access token refreshed")
	m.notify(StateAuthenticated)
	return nil
}

// Adopt picks up a session stored by another process, such as the `login`
// command, while this one is logged out. It reports whether a session was
// adopted. Unlike Init, a failed validation leaves storage alone.
func (m *Manager) Adopt(ctx context.Context) (bool, error) {
	if m.State() == StateAuthenticated {
		return false, nil
	}
	access, ok, err := m.storage.Get(ctx, clientstore.KeyToken)
	if err != nil || !ok || access == "" {
		return false, err
	}
	refresh, _, err := m.storage.Get(ctx, clientstore.KeyRefreshToken)
	if err != nil {
		return false, err
	}
	var user app.User
	if err := m.call(ctx, http.MethodGet, "/api/v1/auth/profile", access, nil, &user); err != nil {
		return false, fmt.Errorf("validate stored session: %w", err)
	}
	if err := m.persist(ctx, access, refresh, &user); err != nil {
		return false, err
	}
	m.setState(StateAuthenticated)
	return true, nil
}

// Logout tells the backend, best effort, and forgets everything locally.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.RLock()
	access, refresh := m.access, m.refresh
	m.mu.RUnlock()
	if access != "" {
		err := m.call(ctx, http.MethodPost, "/api/v1/auth/logout", access, map[string]string{"refresh_token": refresh}, nil)
		if err != nil {
			m.logger.Debug("backend logout failed", zap.Error(err))
		}
	}
	m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.access, m.refresh, m.user = "", "", nil
	m.mu.Unlock()
	if err := m.storage.Delete(ctx, clientstore.KeyToken, clientstore.KeyRefreshToken, clientstore.KeyUser); err != nil {
		m.logger.Error("clear stored session", zap.Error(err))
	}
	m.setState(StateUnauthenticated)
}

func (m *Manager) persist(ctx context.Context, access, refresh string, user *app.User) error {
	values := map[string]string{
		clientstore.KeyToken:        access,
		clientstore.KeyRefreshToken: refresh,
	}
	if user != nil {
		raw, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		values[clientstore.KeyUser] = string(raw)
	}
	if err := m.storage.SetMany(ctx, values); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	m.mu.Lock()
	m.access, m.refresh = access, refresh
	if user != nil {
		m.user = user
	}
	m.mu.Unlock()
	return nil
}

// Start runs the refresh timer until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.loop.Add(1)
	go m.refreshLoop(ctx)
}

func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
		m.loop.Wait()
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.loop.Done()
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.State() != StateAuthenticated {
				if _, err := m.Adopt(ctx); err != nil {
					m.logger.Debug("no session to adopt", zap.Error(err))
				}
				continue
			}
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("scheduled refresh failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) call(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Detail: ErrorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ErrorMessage pulls "error" or "detail" out of an error body.
func ErrorMessage(body []byte) string {
	var parsed struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}
	if parsed.Error != "" {
		return parsed.Error
	}
	var detail string
	if err := json.Unmarshal(parsed.Detail, &detail); err == nil && detail != "" {
		return detail
	}
	if len(parsed.Detail) > 0 {
		return string(parsed.Detail)
	}
	return strings.TrimSpace(string(body))
}
