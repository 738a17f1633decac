package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/group"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ReadRequest struct {
	ID      *int `json:"id" binding:"required,min=0,max=252"`
	Address int  `json:"address" binding:"min=0"`
	Length  int  `json:"length" binding:"required,min=1"`
}

// WriteRequest carries either Data or a Size/Value pair.
type WriteRequest struct {
	ID      *int   `json:"id" binding:"required,min=0,max=254"`
	Address int    `json:"address" binding:"min=0"`
	Data    []int  `json:"data" binding:"omitempty,dive,min=0,max=255"`
	Size    int    `json:"size" binding:"omitempty,oneof=1 2 4"`
	Value   uint32 `json:"value"`
}

func (r WriteRequest) bytes() ([]byte, error) {
	if len(r.Data) > 0 {
		out := make([]byte, len(r.Data))
		for i, b := range r.Data {
			out[i] = byte(b)
		}
		return out, nil
	}
	switch r.Size {
	case 1:
		return []byte{byte(r.Value)}, nil
	case 2:
		return []byte{byte(r.Value), byte(r.Value >> 8)}, nil
	case 4:
		return []byte{byte(r.Value), byte(r.Value >> 8), byte(r.Value >> 16), byte(r.Value >> 24)}, nil
	}
	return nil, fmt.Errorf("either data or size must be given")
}

type SyncWriteRequest struct {
	Address int              `json:"address" binding:"min=0"`
	Length  int              `json:"length" binding:"required,min=1"`
	Values  map[string][]int `json:"values" binding:"required"`
}

type ScanRequest struct {
	From int `json:"from" binding:"min=0,max=252"`
	To   int `json:"to" binding:"min=0,max=252"`
}

type BaudRequest struct {
	BaudRate int `json:"baud_rate" binding:"required,min=1"`
}

type FactoryResetRequest struct {
	Mode string `json:"mode" binding:"omitempty,oneof=all except_id except_id_baud"`
}

func (s *Server) bus(c *gin.Context) (*devices.Bus, bool) {
	name := c.Param("bus")
	bus, ok := s.lm.DeviceManager().GetBus(name)
	if !ok {
		s.respondError(c, fmt.Errorf("%w: %s", devices.ErrBusNotFound, name))
		return nil, false
	}
	return bus, true
}

func (s *Server) deviceID(c *gin.Context) (byte, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 || id > int(protocol.BroadcastID) {
		s.badRequest(c, "invalid device id", c.Param("id"))
		return 0, false
	}
	return byte(id), true
}

func resultBody(res dynamixel.Result) gin.H {
	body := gin.H{
		"id":     res.ID,
		"result": res.Comm.String(),
		"error":  res.Error,
	}
	if res.Error != 0 {
		body["device_error"] = res.DeviceError().Error()
	}
	return body
}

// GET /api/v1/buses
func (s *Server) listBuses(c *gin.Context) {
	buses := s.lm.DeviceManager().ListBuses()
	c.JSON(http.StatusOK, gin.H{
		"buses": buses,
		"count": len(buses),
	})
}

// POST /api/v1/buses/:bus/ping/:id
func (s *Server) pingServo(c *gin.Context) {
	bus, ok := s.bus(c)
	if !ok {
		return
	}
	id, ok := s.deviceID(c)
	if !ok {
		return
	}

	d, err := bus.Client.Ping(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// POST /api/v1/buses/:bus/scan
// v2 buses use a single broadcast ping; v1 buses are swept id by id.
func (s *Server) scanBus(c *gin.Context) {
	bus, ok := s.bus(c)
	if !ok {
		return
	}

	req := ScanRequest{From: 0, To: int(protocol.MaxID)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request body", err.Error())
			return
		}
	}
	if req.From > req.To {
		s.badRequest(c, "from must not exceed to", nil)
		return
	}

	var found []dynamixel.Device
	var err error
	if bus.Client.Version() == protocol.V2 {
		found, err = bus.Client.BroadcastPing()
		if err != nil && !errors.Is(err, protocol.CommRxTimeout) {
			s.respondError(c, err)
			return
		}
	} else {
		found, err = bus.Client.Scan(byte(req.From), byte(req.To))
		if err != nil {
			s.respondError(c, err)
			return
		}
	}

	if found == nil {
		found = []dynamixel.Device{}
	}
	s.logger.Info("Bus scanned",
		zap.String("bus", bus.Spec.Name),
		zap.Int("found", len(found)))

	c.JSON(http.StatusOK, gin.H{
		"bus":     bus.Spec.Name,
		"devices": found,
		"count":   len(found),
	})
}

// POST /api/v1/buses/:bus/read
func (s *Server) readBus(c *gin.Context) {
	bus, ok := s.bus(c)
	if !ok {
		return
	}

	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	res, err := bus.Client.Read(byte(*req.ID), req.Address, req.Length)
	if err != nil {
		s.respondError(c, err)
		return
	}

	data := make([]int, len(res.Data))
	for i, b := range res.Data {
		data[i] = int(b)
	}
	body := resultBody(res)
	body["address"] = req.Address
	body["data"] = data
	switch req.Length {
	case 1:
		body["value"] = res.Uint8()
	case 2:
		body["value"] = res.Uint16()
	case 4:
		body["value"] = res.Uint32()
	}
	c.JSON(http.StatusOK, body)
}

// POST /api/v1/buses/:bus/write
func (s *Server) writeBus(c *gin.Context) {
	bus, ok := s.bus(c)
	if !ok {
		return
	}

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}
	data, err := req.bytes()
	if err != nil {
		s.badRequest(c, err.Error(), nil)
		return
	}

	id := byte(*req.ID)
	if id == protocol.BroadcastID {
		if err := bus.Client.WriteTxOnly(id, req.Address, data); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "result": protocol.CommSuccess.String()})
		return
	}

	res, err := bus.Client.Write(id, req.Address, data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(res))
}

// POST /api/v1/buses/:bus/sync-write
func (s *Server) syncWriteBus(c *gin.Context) {
	bus, ok := s.bus(c)
	if !ok {
		return
	}

	var req SyncWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}

	g := group.NewSyncWrite(bus.Client, req.Address, req.Length)
	for key, values := range req.Values {
		id, err := strconv.Atoi(key)
		if err != nil || id < 0 || id > int(protocol.MaxID) {
			s.badRequest(c, "invalid device id", key)
			return
		}
		data := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				s.badRequest(c, "byte out of range", v)
				return
			}
			data[i] = byte(v)
		}
		if err := g.AddParam(byte(id), data); err != nil {
			s.respondError(c, err)
			return
		}
	}

	if err := g.TxPacket(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"devices": g.Len()})
}

// POST /api/v1/buses/:bus/reboot/:id
func (s *Server) rebootServo(c *gin.Context) {
	s.deviceCommand(c, "reboot", func(client *dynamixel.Client, id byte) (dynamixel.Result, error) {
		return client.Reboot(id)
	})
}

// POST /api/v1/buses/:bus/clear-multi-turn/:id
func (s *Server) clearMultiTurn(c *gin.Context) {
	s.deviceCommand(c, "clear multi-turn", func(client *dynamixel.Client, id byte) (dynamixel.Result, error) {
		return client.ClearMultiTurn(id)
	})
}

// POST /api/v1/buses/:bus/factory-reset/:id
func (s *Server) factoryResetServo(c *gin.Context) {
	var req FactoryResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request body", err.Error())
			return
		}
	}

	mode := protocol.ResetAll
	switch req.Mode {
	case "except_id":
		mode = protocol.ResetExceptID
	case "except_id_baud":
		mode = protocol.ResetExceptIDAndBaud
	}

	body, ok := s.runDeviceCommand(c, "factory reset", func(client *dynamixel.Client, id byte) (dynamixel.Result, error) {
		return client.FactoryReset(id, mode)
	})
	if !ok {
		return
	}
	// Protocol 1.0 has no modes and always resets everything.
	if bus, found := s.lm.DeviceManager().GetBus(c.Param("bus")); found && bus.Client.Version() == protocol.V1 {
		mode = protocol.ResetAll
	}
	if mode != protocol.ResetExceptIDAndBaud {
		body["note"] = "device now listens at its factory baud rate; switch the bus with POST /api/v1/buses/" +
			c.Param("bus") + "/baud to reach it"
	}
	if mode == protocol.ResetAll {
		body["new_id"] = 1
	}
	c.JSON(http.StatusOK, body)
}

// POST /api/v1/buses/:bus/baud
func (s *Server) setBusBaud(c *gin.Context) {
	var req BaudRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body", err.Error())
		return
	}
	name := c.Param("bus")
	if err := s.lm.DeviceManager().SetBaudRate(name, req.BaudRate); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bus": name, "baud_rate": req.BaudRate})
}

func (s *Server) deviceCommand(c *gin.Context, name string, fn func(*dynamixel.Client, byte) (dynamixel.Result, error)) {
	if body, ok := s.runDeviceCommand(c, name, fn); ok {
		c.JSON(http.StatusOK, body)
	}
}

// runDeviceCommand writes the error response itself and reports false on failure.
func (s *Server) runDeviceCommand(c *gin.Context, name string, fn func(*dynamixel.Client, byte) (dynamixel.Result, error)) (gin.H, bool) {
	bus, ok := s.bus(c)
	if !ok {
		return nil, false
	}
	id, ok := s.deviceID(c)
	if !ok {
		return nil, false
	}

	res, err := fn(bus.Client, id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}

	s.logger.Info("Device command executed",
		zap.String("command", name),
		zap.String("bus", bus.Spec.Name),
		zap.Uint8("id", id))
	return resultBody(res), true
}
