package dynamixel

import (
	"encoding/binary"
	"fmt"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

// Result is the outcome of one exchange. Comm gates the other fields: Error
// and Data are meaningful only when Comm is CommSuccess.
type Result struct {
	ID    byte
	Comm  protocol.CommResult
	Error byte
	Data  []byte

	version protocol.Version
}

func (r Result) OK() bool {
	return r.Comm == protocol.CommSuccess
}

// DeviceError returns the status error byte as an error, or nil when the
// exchange failed or the device reported nothing.
func (r Result) DeviceError() error {
	if !r.OK() || r.Error == 0 {
		return nil
	}
	return &DeviceError{ID: r.ID, Version: r.version, Code: r.Error}
}

func (r Result) Uint8() uint8 {
	if len(r.Data) < 1 {
		return 0
	}
	return r.Data[0]
}

func (r Result) Uint16() uint16 {
	var b [2]byte
	copy(b[:], r.Data)
	return binary.LittleEndian.Uint16(b[:])
}

func (r Result) Uint32() uint32 {
	var b [4]byte
	copy(b[:], r.Data)
	return binary.LittleEndian.Uint32(b[:])
}

// DeviceError is an advisory error reported by a servo in its status packet.
type DeviceError struct {
	ID      byte
	Version protocol.Version
	Code    byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %d: %s", e.ID, protocol.DescribeError(e.Version, e.Code))
}

// Device is a servo found by Ping, BroadcastPing or Scan.
type Device struct {
	ID          byte   `json:"id"`
	ModelNumber uint16 `json:"model_number"`
	Firmware    byte   `json:"firmware,omitempty"`
	Error       byte   `json:"error,omitempty"`
}
