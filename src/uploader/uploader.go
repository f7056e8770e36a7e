package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mindbridge/src/app"
	"mindbridge/src/capture"
	"mindbridge/src/session"
)

const detectPath = "/api/emotion/detect"

// UploadError describes a failed upload. Status is zero when no HTTP answer arrived.
type UploadError struct {
	Status  int
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("upload failed: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("upload failed with %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("upload failed with %d", e.Status)
	}
}

func (e *UploadError) Unwrap() error { return e.Err }

// IsAuth is true when the backend refused our credentials, or we had none.
func (e *UploadError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Retryable is true for failures a later attempt can fix.
func (e *UploadError) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	default:
		return e.Status >= http.StatusInternalServerError
	}
}

// Uploader posts frames to the detect endpoint with the session's bearer token.
type Uploader struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func New(baseURL string, tokens oauth2.TokenSource, timeout time.Duration, logger *zap.Logger) *Uploader {
	return &Uploader{
		endpoint: strings.TrimRight(baseURL, "/") + detectPath,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
		},
		logger: logger,
	}
}

func (u *Uploader) Upload(ctx context.Context, frame capture.Frame) (app.Prediction, error) {
	body, contentType, err := multipartFrame(frame)
	if err != nil {
		return app.Prediction{}, &UploadError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return app.Prediction{}, &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		if errors.Is(err, session.ErrUnauthenticated) {
			return app.Prediction{}, &UploadError{Status: http.StatusUnauthorized, Message: "not logged in", Err: err}
		}
		return app.Prediction{}, &UploadError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return app.Prediction{}, &UploadError{Err: fmt.Errorf("read detect answer: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return app.Prediction{}, &UploadError{Status: resp.StatusCode, Message: session.ErrorMessage(raw)}
	}

	var res app.PredictionResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return app.Prediction{}, &UploadError{Status: resp.StatusCode, Message: "malformed detect answer", Err: err}
	}
	if res.Prediction == nil {
		msg := res.Error
		if msg == "" {
			msg = "no prediction in answer"
		}
		return app.Prediction{}, &UploadError{Status: resp.StatusCode, Message: msg}
	}
	u.logger.Debug("frame classified",
		zap.Uint64("seq", frame.Seq),
		zap.String("emotion", string(res.Prediction.Emotion)),
		zap.Float64("confidence", res.Prediction.Confidence))
	return *res.Prediction, nil
}

func multipartFrame(frame capture.Frame) (io.Reader, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="frame-%d.jpg"`, frame.Seq))
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(frame.JPEG); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
