package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	code := http.StatusOK
	if status.State != "RUNNING" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status.State,
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}
