package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
)

func TestCircuitBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := NewCircuitBreaker(clock, 3, 30*time.Second)

	for i := 0; i < 2; i++ {
		breaker.Failure()
		assert.True(t, breaker.Allow())
	}
	breaker.Failure()
	assert.Equal(t, "open", breaker.State())
	assert.False(t, breaker.Allow())

	clock.Advance(30 * time.Second)
	assert.True(t, breaker.Allow())
	assert.Equal(t, "half_open", breaker.State())

	breaker.Failure()
	assert.Equal(t, "open", breaker.State(), "a failed probe reopens")
	assert.False(t, breaker.Allow())

	clock.Advance(30 * time.Second)
	require.True(t, breaker.Allow())
	breaker.Success()
	assert.Equal(t, "closed", breaker.State())
}

func TestMLClientOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	ml := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ml.Close()

	client := NewMLClient(cfg.MLServerProperties{
		Host:           ml.URL,
		Timeout:        time.Second,
		Retries:        3,
		RetryDelay:     time.Millisecond,
		BreakerFails:   3,
		BreakerTimeout: time.Minute,
	}, clockwork.NewRealClock(), zap.NewNop())

	_, err := client.PredictSingle(context.Background(), "f.jpg", "image/jpeg", []byte{1})
	require.ErrorIs(t, err, ErrMLUnavailable)
	var statusErr *MLStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Status)
	assert.Equal(t, int32(3), calls.Load())

	_, err = client.PredictSingle(context.Background(), "f.jpg", "image/jpeg", []byte{1})
	assert.ErrorIs(t, err, ErrMLUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "open breaker skips the call")

	metrics := client.Metrics()
	assert.Equal(t, "open", metrics["cb_state"])
	assert.Equal(t, 3, metrics["failure"])
}

func TestMLClientUnreachable(t *testing.T) {
	ml := httptest.NewServer(http.NotFoundHandler())
	host := ml.URL
	ml.Close()

	client := NewMLClient(cfg.MLServerProperties{
		Host: host, Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond,
		BreakerFails: 5, BreakerTimeout: time.Minute,
	}, clockwork.NewRealClock(), zap.NewNop())

	_, err := client.PredictSingle(context.Background(), "f.jpg", "image/jpeg", []byte{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMLUnavailable))
	assert.Equal(t, "closed", client.Metrics()["cb_state"])
}

func TestPostProcPrediction(t *testing.T) {
	res, err := postProcPrediction(http.StatusOK, []byte(`{"success":true,"prediction":{"emotion":"Sad","confidence":0.4}}`))
	require.NoError(t, err)
	assert.Equal(t, app.EmotionSadness, res.(app.PredictionResponse).Prediction.Emotion)

	_, err = postProcPrediction(http.StatusOK, []byte(`not json`))
	assert.Error(t, err)

	_, err = postProcPrediction(http.StatusServiceUnavailable, []byte(`down`))
	var statusErr *MLStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "down", statusErr.Body)
}
