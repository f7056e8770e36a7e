package server

import (
	"io"

	"github.com/gin-gonic/gin"

	"mindbridge/src/events"
)

type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Stream is a server-sent event feed: one connect event, then the caller's emotion updates.
func (e *EventsHandler) Stream(c *gin.Context) {
	user := currentUser(c)
	updates, cancel := e.hub.Subscribe(user.ID)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(events.EventConnect, gin.H{"user_id": user.ID})
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case update, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(events.EventEmotionUpdate, update)
			return true
		case <-done:
			return false
		}
	})
}
