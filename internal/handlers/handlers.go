// Package handlers exposes the local session over HTTP: a JSON control API
// and a websocket feed of state snapshots.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/middleware"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/session"
)

// Session is the part of *session.Session the handlers drive.
type Session interface {
	CreateRoom(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, roomID string) error
	ExitRoom(ctx context.Context) error
	SendMessage(ctx context.Context, content string) error
	StartStream(ctx context.Context, c media.Constraints) error
	StartDisplayStream(ctx context.Context) error
	RefreshStream(ctx context.Context, c media.Constraints) error
	StopStream(ctx context.Context, t models.StreamType) error
	SetUsername(ctx context.Context, name string) error
	State() session.State
	Subscribe() (<-chan session.State, func())
}

// Handler serves one session.
type Handler struct {
	session   Session
	jwtSecret string
	logger    *zap.Logger
}

func New(s Session, jwtSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{session: s, jwtSecret: jwtSecret, logger: logger}
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine) {
	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", h.Login)

		authed := apiGroup.Group("", middleware.JWTAuth(h.jwtSecret))
		authed.GET("/state", h.GetState)
		authed.POST("/rooms", h.CreateRoom)
		authed.POST("/rooms/:roomId/join", h.JoinRoom)
		authed.DELETE("/rooms/current", h.ExitRoom)
		authed.POST("/messages", h.SendMessage)
		authed.POST("/streams/media", h.StartStream)
		authed.PUT("/streams/media", h.RefreshStream)
		authed.POST("/streams/display", h.StartDisplayStream)
		authed.DELETE("/streams/:kind", h.StopStream)
	}

	wsGroup := router.Group("/ws", middleware.JWTAuth(h.jwtSecret))
	{
		wsGroup.GET("/state", h.StreamState)
	}
}

// respondError renders err with the status it maps to.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var storeErr *session.StoreError
	switch {
	case errors.Is(err, session.ErrNoRoomID),
		errors.Is(err, session.ErrInvalidStream),
		errors.Is(err, session.ErrEmptyUsername),
		errors.Is(err, media.ErrNoTracks):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrRoomFull),
		errors.Is(err, session.ErrAlreadyInRoom),
		errors.Is(err, session.ErrNotInRoom),
		errors.Is(err, session.ErrUIDExhausted),
		errors.Is(err, session.ErrUsernameSet):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &storeErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
