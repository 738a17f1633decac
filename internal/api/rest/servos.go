package rest

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/servo"
	"github.com/KevinKickass/OpenServoCore/internal/storage"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateServoRequest struct {
	Name    string            `json:"name" binding:"required"`
	Bus     string            `json:"bus" binding:"required"`
	ID      *int              `json:"id" binding:"required,min=0,max=252"`
	Profile string            `json:"profile"`
	Poll    []string          `json:"poll"`
	Aliases map[string]string `json:"aliases"`
}

type RegisterReadRequest struct {
	Register string `json:"register" binding:"required"`
}

type RegisterWriteRequest struct {
	Register string   `json:"register" binding:"required"`
	Value    *float64 `json:"value" binding:"required"`
}

// servoParam resolves :id as a runtime UUID or a servo name.
func (s *Server) servoParam(c *gin.Context) (*servo.Servo, bool) {
	param := c.Param("id")
	manager := s.lm.DeviceManager()

	var sv *servo.Servo
	var exists bool
	if id, err := uuid.Parse(param); err == nil {
		sv, exists = manager.GetServo(id)
	} else {
		sv, exists = manager.GetServoByName(param)
	}
	if !exists {
		s.respondError(c, fmt.Errorf("%w: %s", devices.ErrServoNotFound, param))
		return nil, false
	}
	return sv, true
}

// GET /api/v1/servos
func (s *Server) listServos(c *gin.Context) {
	servos := s.lm.DeviceManager().ListServos()

	response := make([]gin.H, 0, len(servos))
	for _, sv := range servos {
		response = append(response, gin.H{
			"servo":   sv.Info(),
			"profile": sv.Profile.Profile.ID,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"servos": response,
		"count":  len(response),
	})
}

// GET /api/v1/servos/:id
func (s *Server) getServo(c *gin.Context) {
	sv, ok := s.servoParam(c)
	if !ok {
		return
	}

	poll := make([]string, 0)
	for _, reg := range sv.PollRegisters() {
		poll = append(poll, reg.Name)
	}
	sort.Strings(poll)

	c.JSON(http.StatusOK, gin.H{
		"servo":       sv.Info(),
		"profile":     sv.Profile.Profile,
		"registers":   sv.Profile.Registers,
		"aliases":     sv.Aliases,
		"poll":        poll,
		"last_values": sv.LastValues(),
	})
}

// POST /api/v1/servos
func (s *Server) createServo(c *gin.Context) {
	var req CreateServoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	spec := devices.ServoSpec{
		Name:    req.Name,
		Bus:     req.Bus,
		ID:      uint8(*req.ID),
		Profile: req.Profile,
		Aliases: req.Aliases,
		Poll:    req.Poll,
	}

	sv, err := s.lm.DeviceManager().AddServo(c.Request.Context(), spec)
	if err != nil && sv == nil {
		s.respondError(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("Servo added but poller restart failed", zap.Error(err))
	}

	if db := s.lm.Storage(); db != nil {
		if _, err := db.SaveOrUpdateServo(c.Request.Context(), storage.ServoRecord{
			Name:     spec.Name,
			Bus:      spec.Bus,
			DeviceID: spec.ID,
			Profile:  spec.Profile,
			Poll:     spec.Poll,
			Aliases:  spec.Aliases,
		}); err != nil {
			s.logger.Error("Failed to persist servo", zap.String("servo", spec.Name), zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"servo":   sv.Info(),
		"profile": sv.Profile.Profile.ID,
	})
}

// DELETE /api/v1/servos/:id
func (s *Server) deleteServo(c *gin.Context) {
	sv, ok := s.servoParam(c)
	if !ok {
		return
	}

	if err := s.lm.DeviceManager().RemoveServo(sv.ID); err != nil {
		s.respondError(c, err)
		return
	}

	if db := s.lm.Storage(); db != nil {
		if err := db.DeleteServo(c.Request.Context(), sv.Name); err != nil {
			s.logger.Debug("Servo not in database", zap.String("servo", sv.Name), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Servo removed", "servo": sv.Name})
}

// POST /api/v1/servos/:id/read
// The register may be a profile register or an alias.
func (s *Server) readServo(c *gin.Context) {
	sv, ok := s.servoParam(c)
	if !ok {
		return
	}

	var req RegisterReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	var reading servo.Reading
	var err error
	if _, alias := sv.Aliases[req.Register]; alias {
		reading, err = sv.ReadLogical(c.Request.Context(), req.Register)
	} else {
		reading, err = sv.ReadRegister(c.Request.Context(), req.Register)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reading)
}

// POST /api/v1/servos/:id/write
func (s *Server) writeServo(c *gin.Context) {
	sv, ok := s.servoParam(c)
	if !ok {
		return
	}

	var req RegisterWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	var err error
	if _, alias := sv.Aliases[req.Register]; alias {
		err = sv.WriteLogical(c.Request.Context(), req.Register, *req.Value)
	} else {
		err = sv.WriteRegister(c.Request.Context(), req.Register, *req.Value)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Register written successfully",
		"register":  req.Register,
		"value":     *req.Value,
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/servos/:id/history?register=present_position&limit=100
func (s *Server) servoHistory(c *gin.Context) {
	sv, ok := s.servoParam(c)
	if !ok {
		return
	}

	history := s.lm.History()
	if history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeNotAvailable,
			"No telemetry history configured", nil))
		return
	}

	register := c.Query("register")
	if register == "" {
		s.badRequest(c, "register is required", nil)
		return
	}
	if logical, alias := sv.Aliases[register]; alias {
		register = logical
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 10000 {
		s.badRequest(c, "limit must be between 1 and 10000", c.Query("limit"))
		return
	}

	samples, err := history.History(c.Request.Context(), sv.Bus, sv.Name, register, int64(limit))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"servo":    sv.Name,
		"register": register,
		"samples":  samples,
		"count":    len(samples),
	})
}
