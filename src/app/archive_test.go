package app

import (
	"bytes"
	"errors"
	"net/url"
	"testing"

	minio_mock "mindbridge/src/app/mock"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFrameArchive(t *testing.T) {
	t.Run("ListFrames", func(t *testing.T) {
		client := new(minio_mock.MockClient)
		archive := NewFrameArchiveWithClient(client, "frames", zap.NewNop())

		client.On("ListObjects", mock.Anything, "frames", minio.ListObjectsOptions{Prefix: "u1/", Recursive: true}).
			Return([]minio.ObjectInfo{{Key: "u1/a.jpg", Size: 10}, {Key: "u1/notes.txt"}, {Key: "u1/b.PNG", Size: 20}})
		client.On("PresignedGetObject", mock.Anything, "frames", mock.Anything, mock.Anything, mock.Anything).
			Return(&url.URL{Scheme: "https", Host: "s3.test", Path: "/frames/x"}, nil)

		frames, err := archive.ListFrames(t.Context(), "u1")
		require.NoError(t, err)
		require.Len(t, frames, 2)
		assert.Equal(t, "u1/a.jpg", frames[0].Key)
		assert.Equal(t, int64(20), frames[1].Size)
		assert.Equal(t, "https://s3.test/frames/x", frames[0].URL)
		client.AssertNumberOfCalls(t, "PresignedGetObject", 2)
	})

	t.Run("ListFrames error", func(t *testing.T) {
		client := new(minio_mock.MockClient)
		archive := NewFrameArchiveWithClient(client, "frames", zap.NewNop())
		client.On("ListObjects", mock.Anything, "frames", mock.Anything).
			Return([]minio.ObjectInfo{{Err: errors.New("denied")}})

		_, err := archive.ListFrames(t.Context(), "u1")
		assert.ErrorContains(t, err, "denied")
	})

	t.Run("UploadFrame", func(t *testing.T) {
		client := new(minio_mock.MockClient)
		archive := NewFrameArchiveWithClient(client, "frames", zap.NewNop())
		body := []byte{0xff, 0xd8}
		client.On("PutObject", mock.Anything, "frames", "u1/f.jpg", mock.Anything, int64(2),
			minio.PutObjectOptions{ContentType: "image/jpeg"}).Return(minio.UploadInfo{}, nil)

		require.NoError(t, archive.UploadFrame(t.Context(), FrameKey("u1", "f"), bytes.NewReader(body), 2))
		client.AssertExpectations(t)
	})

	t.Run("DeleteFrame", func(t *testing.T) {
		client := new(minio_mock.MockClient)
		archive := NewFrameArchiveWithClient(client, "frames", zap.NewNop())
		client.On("RemoveObject", mock.Anything, "frames", "u1/f.jpg", mock.Anything).Return(nil)

		require.NoError(t, archive.DeleteFrame(t.Context(), "u1", "u1/f.jpg"))
		assert.ErrorIs(t, archive.DeleteFrame(t.Context(), "u1", "u2/f.jpg"), ErrFrameNotOwned)
		client.AssertNumberOfCalls(t, "RemoveObject", 1)
	})

	t.Run("checkIn", func(t *testing.T) {
		assert.True(t, checkIn("file.jpg", frameFormats))
		assert.False(t, checkIn("jpg", frameFormats))
		assert.False(t, checkIn("file.gif", frameFormats))
	})
}
