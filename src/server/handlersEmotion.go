package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mindbridge/src/app"
	"mindbridge/src/events"
	db "mindbridge/src/repository"
)

type EmotionHandler struct {
	ml          *MLClient
	store       db.Store
	archive     *app.FrameArchive
	publisher   events.Publisher
	maxFileSize int64
	clock       clockwork.Clock
	logger      *zap.Logger
}

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

const (
	sourceWebcam   = "webcam"
	archiveTimeout = 5 * time.Second
	historyWindow  = 7 * 24 * time.Hour

	batchMaxFiles = 20
	batchWorkers  = 4
)

func NewEmotionHandler(ml *MLClient, store db.Store, archive *app.FrameArchive, publisher events.Publisher, maxFileSize int64, clock clockwork.Clock, logger *zap.Logger) *EmotionHandler {
	return &EmotionHandler{
		ml:          ml,
		store:       store,
		archive:     archive,
		publisher:   publisher,
		maxFileSize: maxFileSize,
		clock:       clock,
		logger:      logger,
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// invalidUpload is a client mistake in one uploaded file.
type invalidUpload struct {
	status int
	msg    string
}

func (e *invalidUpload) Error() string { return e.msg }

type upload struct {
	filename    string
	contentType string
	data        []byte
}

// readUpload checks type and size of one multipart file and reads it.
func (e *EmotionHandler) readUpload(header *multipart.FileHeader) (upload, error) {
	contentType := strings.ToLower(header.Header.Get("Content-Type"))
	if !allowedImageTypes[contentType] {
		e.logger.Warn("invalid file type", zap.String("content_type", contentType))
		return upload{}, &invalidUpload{http.StatusBadRequest, "Unsupported file type. Allowed: jpg, jpeg, png, webp"}
	}
	tooLarge := &invalidUpload{http.StatusBadRequest, fmt.Sprintf("File too large. Max %dMB", e.maxFileSize>>20)}
	if header.Size > e.maxFileSize {
		return upload{}, tooLarge
	}
	file, err := header.Open()
	if err != nil {
		return upload{}, &invalidUpload{http.StatusInternalServerError, "Failed to read file"}
	}
	defer file.Close()
	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, io.LimitReader(file, e.maxFileSize+1)); err != nil {
		return upload{}, &invalidUpload{http.StatusInternalServerError, "Failed to read file"}
	}
	if int64(buffer.Len()) > e.maxFileSize {
		return upload{}, tooLarge
	}
	return upload{filename: header.Filename, contentType: contentType, data: buffer.Bytes()}, nil
}

// Detect validates the uploaded frame, classifies it through the ML service,
// records and broadcasts the result. An unreachable ML service yields a neutral prediction.
func (e *EmotionHandler) Detect(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "No file uploaded")
		return
	}
	u, err := e.readUpload(header)
	if err != nil {
		bad := err.(*invalidUpload)
		fail(c, bad.status, bad.msg)
		return
	}
	c.JSON(http.StatusOK, e.classify(c.Request.Context(), currentUser(c), u))
}

// Batch classifies several frames. Invalid files are skipped and reported;
// the request fails only when none is usable.
func (e *EmotionHandler) Batch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		fail(c, http.StatusBadRequest, "No file uploaded")
		return
	}
	headers := form.File["files"]
	if len(headers) > batchMaxFiles {
		fail(c, http.StatusBadRequest, fmt.Sprintf("Too many files. Max %d", batchMaxFiles))
		return
	}

	var (
		valid   []upload
		skipped = make([]gin.H, 0)
	)
	for _, header := range headers {
		u, err := e.readUpload(header)
		if err != nil {
			e.logger.Warn("skipping invalid file", zap.String("filename", header.Filename), zap.Error(err))
			skipped = append(skipped, gin.H{"filename": header.Filename, "error": err.Error()})
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		fail(c, http.StatusBadRequest, "No valid images uploaded")
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)
	results := make([]app.PredictionResponse, len(valid))
	var g errgroup.Group
	g.SetLimit(batchWorkers)
	for i, u := range valid {
		g.Go(func() error {
			results[i] = e.classify(ctx, user, u)
			return nil
		})
	}
	_ = g.Wait()
	e.logger.Info("batch classified", zap.Int("processed", len(valid)), zap.Int("skipped", len(skipped)))
	c.JSON(http.StatusOK, gin.H{"processed": len(valid), "skipped": skipped, "results": results})
}

// classify runs one frame through the ML service and, when a face was found,
// stores, archives and publishes the result.
func (e *EmotionHandler) classify(ctx context.Context, user *app.User, u upload) app.PredictionResponse {
	start := time.Now()
	result, err := e.ml.PredictSingle(ctx, u.filename, u.contentType, u.data)
	if err != nil {
		e.logger.Error("ml single prediction error", zap.Error(err))
		result = app.NeutralFallback()
	} else {
		e.logger.Info("ml single prediction complete", zap.Duration("took", time.Since(start)))
	}
	if result.Prediction == nil {
		return result
	}

	record := &app.EmotionRecord{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Emotion:    result.Prediction.Emotion,
		Confidence: result.Prediction.Confidence,
		Source:     sourceWebcam,
		Raw:        *result.Prediction,
		CreatedAt:  e.clock.Now().UTC(),
	}
	if e.archive != nil {
		key := app.FrameKey(user.ID, record.ID)
		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		if err := e.archive.UploadFrame(actx, key, bytes.NewReader(u.data), int64(len(u.data))); err != nil {
			e.logger.Warn("frame archive failed", zap.Error(err))
		} else {
			record.FrameKey = key
		}
		cancel()
	}
	recordID := record.ID
	if err := e.store.SaveEmotionRecord(ctx, record); err != nil {
		e.logger.Error("failed to save emotion record", zap.Error(err))
		recordID = ""
	}
	update := app.EmotionUpdate{
		UserID:     user.ID,
		Emotion:    record.Emotion,
		Confidence: record.Confidence,
		RecordID:   recordID,
		Timestamp:  record.CreatedAt,
	}
	if err := e.publisher.Publish(ctx, update); err != nil {
		e.logger.Warn("emotion update emission failed", zap.Error(err))
	}
	return result
}

type (
	// EmotionCount is one aggregation bucket.
	EmotionCount struct {
		Count    int                 `json:"count"`
		Emotions map[app.Emotion]int `json:"emotions"`
	}

	HistoryAggregate struct {
		ByDay  map[string]*EmotionCount `json:"by_day"`
		ByHour map[string]*EmotionCount `json:"by_hour"`
	}
)

// aggregate counts emotions per UTC day ("2006-01-02") and hour ("2006-01-02 15:00").
func aggregate(records []app.EmotionRecord) HistoryAggregate {
	agg := HistoryAggregate{ByDay: map[string]*EmotionCount{}, ByHour: map[string]*EmotionCount{}}
	add := func(buckets map[string]*EmotionCount, key string, emotion app.Emotion) {
		b, ok := buckets[key]
		if !ok {
			b = &EmotionCount{Emotions: map[app.Emotion]int{}}
			buckets[key] = b
		}
		b.Count++
		b.Emotions[emotion]++
	}
	for _, r := range records {
		ts := r.CreatedAt.UTC()
		emotion := r.Emotion
		if emotion == "" {
			emotion = app.EmotionNeutral
		}
		add(agg.ByDay, ts.Format("2006-01-02"), emotion)
		add(agg.ByHour, ts.Format("2006-01-02 15:00"), emotion)
	}
	return agg
}

// History pages through the last week of the user's records, with per day
// and per hour counts of the page and the ML client counters.
func (e *EmotionHandler) History(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		fail(c, http.StatusBadRequest, "page must be >= 1")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		fail(c, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	since := e.clock.Now().Add(-historyWindow)
	records, total, err := e.store.EmotionHistory(c.Request.Context(), currentUser(c).ID, since, page, limit)
	if err != nil {
		e.logger.Error("emotion history", zap.Error(err))
		fail(c, http.StatusInternalServerError, "Could not load history")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":   records,
		"total":     total,
		"page":      page,
		"limit":     limit,
		"aggregate": aggregate(records),
		"metrics":   e.ml.Metrics(),
	})
}
