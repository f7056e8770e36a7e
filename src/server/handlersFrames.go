package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mindbridge/src/app"
	db "mindbridge/src/repository"
)

type (
	FramesHandler struct {
		archive *app.FrameArchive
		store   db.Store
		logger  *zap.Logger
	}

	DeleteFrameBody struct {
		Key string `json:"key"`
	}
)

func NewFramesHandler(archive *app.FrameArchive, store db.Store, logger *zap.Logger) *FramesHandler {
	return &FramesHandler{archive: archive, store: store, logger: logger}
}

func (f *FramesHandler) enabled(c *gin.Context) bool {
	if f.archive == nil {
		fail(c, http.StatusServiceUnavailable, "frame archive disabled")
		return false
	}
	return true
}

func (f *FramesHandler) ListFrames(c *gin.Context) {
	if !f.enabled(c) {
		return
	}
	frames, err := f.archive.ListFrames(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "can not fetch frames: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "payload": frames})
}

// DeleteFrame removes an archived frame and unlinks the records pointing at it.
func (f *FramesHandler) DeleteFrame(c *gin.Context) {
	if !f.enabled(c) {
		return
	}
	var body DeleteFrameBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Key == "" {
		fail(c, http.StatusBadRequest, "frame key is required")
		return
	}
	ctx := c.Request.Context()
	user := currentUser(c)
	if err := f.archive.DeleteFrame(ctx, user.ID, body.Key); err != nil {
		if errors.Is(err, app.ErrFrameNotOwned) {
			fail(c, http.StatusNotFound, "frame not found")
			return
		}
		fail(c, http.StatusInternalServerError, "can not delete frame: "+err.Error())
		return
	}
	cleared, err := f.store.ClearFrameKey(ctx, user.ID, body.Key)
	if err != nil {
		f.logger.Warn("unlink deleted frame", zap.String("key", body.Key), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "records": cleared})
}
