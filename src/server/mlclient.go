package server

import (
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

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
)

const predictEndpoint = "/predict/emotion"

var ErrMLUnavailable = errors.New("ml service unavailable")

// MLStatusError is a non-2xx answer of the ML service.
type MLStatusError struct {
	Status int
	Body   string
}

func (e *MLStatusError) Error() string {
	return fmt.Sprintf("ml service answered %d: %s", e.Status, e.Body)
}

// MLClient calls the inference service with retries and a circuit breaker.
type MLClient struct {
	host       string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	transport  http.RoundTripper
	breaker    *CircuitBreaker
	clock      clockwork.Clock
	logger     *zap.Logger

	mu           sync.Mutex
	successCount int
	failureCount int
	totalLatency time.Duration
	totalCalls   int
}

func NewMLClient(config cfg.MLServerProperties, clock clockwork.Clock, logger *zap.Logger) *MLClient {
	return &MLClient{
		host:       strings.TrimRight(config.Host, "/"),
		timeout:    config.Timeout,
		retries:    max(config.Retries, 1),
		retryDelay: config.RetryDelay,
		transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: true,
		},
		breaker: NewCircuitBreaker(clock, config.BreakerFails, config.BreakerTimeout),
		clock:   clock,
		logger:  logger,
	}
}

// PredictSingle sends one image to the ML service. Server errors and transport
// failures are retried with doubling delays; 4xx answers are returned at once.
func (m *MLClient) PredictSingle(ctx context.Context, filename, contentType string, image []byte) (app.PredictionResponse, error) {
	if !m.breaker.Allow() {
		m.logger.Warn("circuit breaker open - skipping request")
		return app.PredictionResponse{}, ErrMLUnavailable
	}
	params := FileParams{Field: "file", Filename: filename, ContentType: contentType, Data: image}

	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		start := m.clock.Now()
		res, err := m.once(ctx, params)
		m.observe(m.clock.Since(start), err == nil)
		if err == nil {
			m.breaker.Success()
			return res, nil
		}
		var statusErr *MLStatusError
		if errors.As(err, &statusErr) && statusErr.Status < http.StatusInternalServerError {
			m.breaker.Success()
			return app.PredictionResponse{}, err
		}
		m.breaker.Failure()
		lastErr = err
		m.logger.Warn("ml request failed", zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt == m.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return app.PredictionResponse{}, ctx.Err()
		case <-m.clock.After(m.retryDelay << attempt):
		}
	}
	return app.PredictionResponse{}, fmt.Errorf("%w: after %d attempts: %w", ErrMLUnavailable, m.retries, lastErr)
}

func (m *MLClient) once(ctx context.Context, params FileParams) (app.PredictionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result := make(chan any, 1)
	errs := make(chan error, 1)
	pipe := RequestPipeline{
		parametersParser: prepareMultipartFile,
		transport:        m.transport,
		requestPrepare: func(ctx context.Context, body io.Reader, contentType string) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+predictEndpoint, body)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", contentType)
			return req, nil
		},
		postProcess: postProcPrediction,
	}
	go pipe.Execute(ctx, result, errs, params)

	select {
	case res := <-result:
		return res.(app.PredictionResponse), nil
	case err := <-errs:
		return app.PredictionResponse{}, err
	case <-ctx.Done():
		return app.PredictionResponse{}, fmt.Errorf("timeout from server %s: %w", m.host, ctx.Err())
	}
}

func postProcPrediction(status int, body []byte) (any, error) {
	if status < 200 || status >= 300 {
		return nil, &MLStatusError{Status: status, Body: truncate(string(body), 200)}
	}
	var res app.PredictionResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("invalid ml response: %w", err)
	}
	if res.Prediction != nil {
		res.Prediction.Emotion = app.ParseEmotion(string(res.Prediction.Emotion))
	}
	return res, nil
}

func (m *MLClient) observe(latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.totalLatency += latency
	if ok {
		m.successCount++
	} else {
		m.failureCount++
	}
}

// Metrics reports call counters for the health endpoint.
func (m *MLClient) Metrics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg := 0.0
	if m.totalCalls > 0 {
		avg = float64(m.totalLatency.Milliseconds()) / float64(m.totalCalls)
	}
	return map[string]any{
		"success":        m.successCount,
		"failure":        m.failureCount,
		"avg_latency_ms": avg,
		"total_requests": m.totalCalls,
		"cb_state":       m.breaker.State(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
