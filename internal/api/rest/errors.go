package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/group"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/servo"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/gin-gonic/gin"
)

// respondError maps domain errors to status codes and the API error body.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	c.JSON(status, types.NewErrorResponse(code, err.Error(), nil))
}

func classify(err error) (int, string) {
	var devErr *dynamixel.DeviceError
	var comm protocol.CommResult

	switch {
	case errors.Is(err, devices.ErrBusNotFound),
		errors.Is(err, devices.ErrServoNotFound),
		errors.Is(err, servo.ErrUnknownRegister),
		errors.Is(err, servo.ErrUnmapped):
		return http.StatusNotFound, types.CodeNotFound

	case errors.Is(err, devices.ErrServoExists),
		errors.Is(err, devices.ErrBusExists):
		return http.StatusConflict, types.CodeInvalidRequest

	case errors.Is(err, servo.ErrReadOnly):
		return http.StatusForbidden, types.CodeReadOnly

	case errors.Is(err, devices.ErrNoProfile),
		errors.Is(err, servo.ErrVersionMismatch),
		errors.Is(err, group.ErrInvalidID),
		errors.Is(err, group.ErrDuplicateID),
		errors.Is(err, group.ErrLengthMismatch),
		errors.Is(err, group.ErrInvalidAddress):
		return http.StatusBadRequest, types.CodeInvalidRequest

	case errors.Is(err, group.ErrNotSupported),
		errors.Is(err, protocol.CommNotAvailable):
		return http.StatusBadRequest, types.CodeNotAvailable

	case errors.As(err, &devErr):
		return http.StatusUnprocessableEntity, types.CodeDeviceError

	case errors.Is(err, protocol.CommPortBusy):
		return http.StatusServiceUnavailable, types.CodeCommFailure

	case errors.Is(err, protocol.CommTxError):
		return http.StatusBadRequest, types.CodeInvalidRequest

	case errors.Is(err, protocol.CommRxTimeout):
		return http.StatusGatewayTimeout, types.CodeCommFailure

	case errors.As(err, &comm):
		return http.StatusBadGateway, types.CodeCommFailure

	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

func (s *Server) badRequest(c *gin.Context, message string, details any) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, message, details))
}
