package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/middleware"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token    string `json:"token,omitempty"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Login picks the session's username and, when auth is enabled, hands out a
// control token. The username can be chosen once.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.session.SetUsername(c.Request.Context(), req.Username); err != nil {
		h.respondError(c, err)
		return
	}
	st := h.session.State()
	resp := LoginResponse{UserID: st.UID, Username: st.Username}

	if h.jwtSecret != "" {
		token, err := middleware.IssueToken(h.jwtSecret, st.UID, st.Username, tokenTTL)
		if err != nil {
			h.logger.Error("sign token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}
		resp.Token = token
	}

	c.JSON(http.StatusOK, resp)
}
