package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatstate/internal/models"
	"chatstate/internal/store"
)

type sendFunc func(event string, payload any) error

// startSSE switches the response to an event stream.
func startSSE(c *gin.Context) (sendFunc, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	send := func(event string, payload any) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	return send, true
}

type feedEvent struct {
	name    string
	payload any
}

// streamEvents pushes store changes and action-state updates until the client leaves.
func (h *Handler) streamEvents(c *gin.Context) {
	send, ok := startSSE(c)
	if !ok {
		return
	}
	events := make(chan feedEvent, 64)
	push := func(ev feedEvent) {
		select {
		case events <- ev:
		default:
			// Slow reader; it refetches /state on the next event.
		}
	}
	cancelStore := h.app.Store.Subscribe(func(ch store.Change) {
		push(feedEvent{name: "store", payload: ch})
	})
	defer cancelStore()
	cancelActions := h.app.Actions.Subscribe(func(st models.ActionState) {
		push(feedEvent{name: "actions", payload: st})
	})
	defer cancelActions()

	if err := send("state", h.state()); err != nil {
		return
	}
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := send(ev.name, ev.payload); err != nil {
				return
			}
		}
	}
}
