package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/models"
)

// CreateRoomResponse is returned after a room was created
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// MessageRequest is the body of a chat message
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// GetState returns the current session snapshot
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.State())
}

// CreateRoom creates a room with the local participant as its only member
func (h *Handler) CreateRoom(c *gin.Context) {
	id, err := h.session.CreateRoom(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("room created", zap.String("room", id))
	c.JSON(http.StatusCreated, CreateRoomResponse{RoomID: id})
}

// JoinRoom joins an existing room by ID
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := h.session.JoinRoom(c.Request.Context(), roomID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.session.State())
}

// ExitRoom leaves the current room; leaving when not in a room succeeds
func (h *Handler) ExitRoom(c *gin.Context) {
	if err := h.session.ExitRoom(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// SendMessage broadcasts a chat message to the room
func (h *Handler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.session.SendMessage(c.Request.Context(), req.Content); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// StartStream starts the camera/microphone stream
func (h *Handler) StartStream(c *gin.Context) {
	cons, ok := bindConstraints(c)
	if !ok {
		return
	}
	if err := h.session.StartStream(c.Request.Context(), cons); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.session.State().LocalStreams)
}

// RefreshStream replaces the camera/microphone stream with new constraints
func (h *Handler) RefreshStream(c *gin.Context) {
	cons, ok := bindConstraints(c)
	if !ok {
		return
	}
	if err := h.session.RefreshStream(c.Request.Context(), cons); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.session.State().LocalStreams)
}

// StartDisplayStream starts the screen-share stream
func (h *Handler) StartDisplayStream(c *gin.Context) {
	if err := h.session.StartDisplayStream(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.session.State().LocalStreams)
}

// StopStream stops the local stream of the given kind
func (h *Handler) StopStream(c *gin.Context) {
	kind := models.StreamType(c.Param("kind"))
	if err := h.session.StopStream(c.Request.Context(), kind); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// bindConstraints reads optional constraints; an empty body asks for both
// audio and video.
func bindConstraints(c *gin.Context) (media.Constraints, bool) {
	cons := media.DefaultConstraints
	if c.Request.ContentLength == 0 {
		return cons, true
	}
	if err := c.ShouldBindJSON(&cons); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return cons, false
	}
	return cons, true
}
