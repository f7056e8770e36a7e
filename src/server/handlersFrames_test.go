package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindbridge/src/app"
	minio_mock "mindbridge/src/app/mock"
)

func TestFrames(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, joyAnswer())
		tokens := env.register(t, "ann@example.com")
		w := env.do(t, http.MethodGet, "/api/emotion/frames", nil, tokens.AccessToken)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("list and delete", func(t *testing.T) {
		client := new(minio_mock.MockClient)
		env := newTestEnv(t, joyAnswer(), func(d *Dependencies) {
			d.Archive = app.NewFrameArchiveWithClient(client, "frames", zap.NewNop())
		})
		tokens := env.register(t, "ann@example.com")
		key := app.FrameKey(tokens.User.ID, "f1")

		client.On("ListObjects", mock.Anything, "frames", mock.Anything).Return([]minio.ObjectInfo{{Key: key, Size: 3}})
		client.On("PresignedGetObject", mock.Anything, "frames", key, mock.Anything, mock.Anything).
			Return(&url.URL{Scheme: "https", Host: "s3.test", Path: "/" + key}, nil)
		client.On("RemoveObject", mock.Anything, "frames", key, mock.Anything).Return(nil)

		w := env.do(t, http.MethodGet, "/api/emotion/frames", nil, tokens.AccessToken)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "https://s3.test/"+key)

		require.NoError(t, env.store.SaveEmotionRecord(t.Context(), &app.EmotionRecord{
			ID: "f1", UserID: tokens.User.ID, Emotion: app.EmotionJoy, FrameKey: key, CreatedAt: time.Now(),
		}))
		w = env.do(t, http.MethodDelete, "/api/emotion/frames", DeleteFrameBody{Key: key}, tokens.AccessToken)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"success","records":1}`, w.Body.String())
		records, _, err := env.store.EmotionHistory(t.Context(), tokens.User.ID, time.Time{}, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, records[0].FrameKey, "record no longer points at the removed object")

		w = env.do(t, http.MethodDelete, "/api/emotion/frames", DeleteFrameBody{Key: "someone-else/f1.jpg"}, tokens.AccessToken)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"frame not found"}`, w.Body.String())

		w = env.do(t, http.MethodDelete, "/api/emotion/frames", DeleteFrameBody{}, tokens.AccessToken)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		client.AssertNumberOfCalls(t, "RemoveObject", 1)
	})
}
