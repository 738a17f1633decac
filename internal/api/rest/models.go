package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/models
func (s *Server) listModels(c *gin.Context) {
	vendors := s.lm.DeviceManager().Catalog().Vendors()

	response := make([]gin.H, 0, len(vendors))
	for _, v := range vendors {
		models := make([]devices.ModelRef, 0)
		for _, refs := range v.Models {
			models = append(models, refs...)
		}
		response = append(response, gin.H{
			"vendor":      v.Vendor,
			"description": v.Description,
			"website":     v.Website,
			"models":      models,
			"model_count": len(models),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"vendors": response,
		"count":   len(response),
	})
}

// GET /api/v1/models/:vendor/:model
// model matches a model ID, name or profile file name, case-insensitively.
func (s *Server) getModel(c *gin.Context) {
	vendor := strings.ToLower(c.Param("vendor"))
	model := strings.ToLower(c.Param("model"))

	manager := s.lm.DeviceManager()
	path, ok := manager.Catalog().Find(vendor, model)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Model not found",
			gin.H{"vendor": vendor, "model": model}))
		return
	}

	profile, err := manager.Loader().Load(path)
	if err != nil {
		s.logger.Error("Failed to load profile", zap.String("path", path), zap.Error(err))
		s.respondError(c, fmt.Errorf("profile %s: %w", path, err))
		return
	}

	c.JSON(http.StatusOK, profile)
}
