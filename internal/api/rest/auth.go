package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	if s.authService == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Authentication is disabled", nil))
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	token, expires, err := s.authService.LoginUser(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		message := "Invalid credentials"
		if errors.Is(err, auth.ErrAccountLocked) {
			message = "Account locked"
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, message, nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
	})
}
