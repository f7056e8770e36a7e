package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type ClientMinio interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (info minio.UploadInfo, err error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// FrameArchive keeps uploaded webcam frames in an S3 bucket, one prefix per user.
type FrameArchive struct {
	bucketName string
	linkTTL    time.Duration
	client     ClientMinio
	logger     *zap.Logger
}

const frameContentType = "image/jpeg"

// ErrFrameNotOwned rejects keys outside the caller's prefix.
var ErrFrameNotOwned = errors.New("frame not found")

var frameFormats = []string{"jpg", "jpeg", "png", "webp"}

// NewFrameArchive connects to an S3 compatible endpoint.
func NewFrameArchive(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, logger *zap.Logger) (*FrameArchive, error) {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", endpoint, err)
	}
	return NewFrameArchiveWithClient(minioClient, bucketName, logger), nil
}

func NewFrameArchiveWithClient(client ClientMinio, bucketName string, logger *zap.Logger) *FrameArchive {
	return &FrameArchive{
		bucketName: bucketName,
		linkTTL:    24 * time.Hour,
		client:     client,
		logger:     logger,
	}
}

// FrameKey is the object name of a frame owned by user.
func FrameKey(userID, frameID string) string {
	return fmt.Sprintf("%s/%s.jpg", userID, frameID)
}

// ListFrames returns presigned links for every image stored under the user's prefix.
func (a *FrameArchive) ListFrames(ctx context.Context, userID string) ([]Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make([]Frame, 0)
	objectCh := a.client.ListObjects(ctx, a.bucketName, minio.ListObjectsOptions{
		Prefix:    userID + "/",
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return result, fmt.Errorf("list frames of %s: %w", userID, object.Err)
		}
		if !checkIn(object.Key, frameFormats) {
			continue
		}
		reqParams := make(url.Values)
		reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=\"%s\"", object.Key))
		presignedURL, err := a.client.PresignedGetObject(ctx, a.bucketName, object.Key, a.linkTTL, reqParams)
		if err != nil {
			return result, fmt.Errorf("presign %s: %w", object.Key, err)
		}
		result = append(result, Frame{Key: object.Key, URL: presignedURL.String(), Size: object.Size})
	}
	return result, nil
}

func (a *FrameArchive) UploadFrame(ctx context.Context, key string, object io.Reader, size int64) error {
	_, err := a.client.PutObject(ctx, a.bucketName, key, object, size,
		minio.PutObjectOptions{ContentType: frameContentType})
	if err != nil {
		return fmt.Errorf("upload frame %s: %w", key, err)
	}
	a.logger.Debug("frame archived", zap.String("bucket", a.bucketName), zap.String("key", key))
	return nil
}

// DeleteFrame removes one object. Keys outside the user's prefix are rejected.
func (a *FrameArchive) DeleteFrame(ctx context.Context, userID, key string) error {
	if !strings.HasPrefix(key, userID+"/") {
		return fmt.Errorf("delete %s for %s: %w", key, userID, ErrFrameNotOwned)
	}
	if err := a.client.RemoveObject(ctx, a.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove frame %s: %w", key, err)
	}
	a.logger.Info("frame removed", zap.String("bucket", a.bucketName), zap.String("key", key))
	return nil
}

func checkIn(key string, filters []string) bool {
	parsed := strings.Split(key, ".")
	if len(parsed) > 1 {
		for _, f := range filters {
			if f == strings.ToLower(parsed[len(parsed)-1]) {
				return true
			}
		}
	}
	return false
}
