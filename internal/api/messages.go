package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatstate/internal/models"
)

type appendRequest struct {
	Role    models.Role        `json:"role"`
	Content string             `json:"content"`
	Type    models.MessageType `json:"type"`
}

// appendMessage adds a message without requesting a reply.
func (h *Handler) appendMessage(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	msg, err := h.app.Store.Append(models.Message{Role: req.Role, Content: req.Content, Type: req.Type})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusCreated, gin.H{"message": msg})
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *Handler) editMessage(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id := c.Param("id")
	if err := h.app.Store.Edit(id, req.Content); err != nil {
		h.fail(c, err)
		return
	}
	msg, _ := h.app.Store.Message(id)
	h.respond(c, http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) deleteMessage(c *gin.Context) {
	h.app.Store.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) toggleLock(c *gin.Context) {
	typ, err := h.app.Store.ToggleLock(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"type": typ})
}

type copyRequest struct {
	Kind models.CopyResult `json:"kind"`
}

func (h *Handler) copyMessage(c *gin.Context) {
	req := copyRequest{Kind: models.CopyMarkdown}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	text, err := h.app.Copy(c.Param("id"), req.Kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, gin.H{"text": text, "success": h.app.Actions.State().Success})
}

func (h *Handler) clearMessages(c *gin.Context) {
	cleared := h.app.ClearMessages()
	h.respondState(c, gin.H{"cleared": cleared})
}

type chatRequest struct {
	Content string `json:"content"`
}

// chat appends the user's message and streams the reply as server-sent events.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.streamReply(c, func(ctx context.Context, onDelta func(string) error) (models.Message, error) {
		return h.app.Send(ctx, req.Content, onDelta)
	})
}

func (h *Handler) reAnswer(c *gin.Context) {
	id := c.Param("id")
	h.streamReply(c, func(ctx context.Context, onDelta func(string) error) (models.Message, error) {
		return h.app.ReAnswer(ctx, id, onDelta)
	})
}

func (h *Handler) streamReply(c *gin.Context, run func(ctx context.Context, onDelta func(string) error) (models.Message, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.streamTimeout)
	defer cancel()
	send, ok := startSSE(c)
	if !ok {
		return
	}
	msg, err := run(ctx, func(content string) error {
		return send("stream", gin.H{"content": content})
	})
	if err != nil {
		_ = send("error", gin.H{"message": err.Error(), "kind": errorKind(err), "failed": msg})
		return
	}
	payload := gin.H{"message": msg}
	if w := h.drainWarnings(); len(w) > 0 {
		payload["warning"] = w
	}
	_ = send("done", payload)
}
