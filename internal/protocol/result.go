package protocol

import (
	"fmt"
	"strings"
)

// CommResult is the transport/framing outcome of a round trip. It is distinct
// from the error byte a device reports in its status packet.
//
// CommResult implements error so the outcome tier travels through ordinary
// error returns: errors.Is(err, CommRxTimeout).
type CommResult int

const (
	CommSuccess      CommResult = 0
	CommPortBusy     CommResult = -1000
	CommTxFail       CommResult = -1001
	CommRxFail       CommResult = -1002
	CommTxError      CommResult = -2000
	CommRxWaiting    CommResult = -3000
	CommRxTimeout    CommResult = -3001
	CommRxCorrupt    CommResult = -3002
	CommNotAvailable CommResult = -9000
)

func (r CommResult) String() string {
	switch r {
	case CommSuccess:
		return "communication success"
	case CommPortBusy:
		return "port is in use"
	case CommTxFail:
		return "failed to transmit instruction packet"
	case CommRxFail:
		return "failed to get status packet from device"
	case CommTxError:
		return "incorrect instruction packet"
	case CommRxWaiting:
		return "now receiving status packet"
	case CommRxTimeout:
		return "there is no status packet"
	case CommRxCorrupt:
		return "incorrect status packet"
	case CommNotAvailable:
		return "protocol does not support this function"
	default:
		return fmt.Sprintf("unknown communication result %d", int(r))
	}
}

func (r CommResult) Error() string {
	return r.String()
}

// Err returns nil for CommSuccess and the result itself otherwise.
func (r CommResult) Err() error {
	if r == CommSuccess {
		return nil
	}
	return r
}

// Protocol 1.0 error bits.
const (
	ErrBitVoltage     byte = 0x01
	ErrBitAngle       byte = 0x02
	ErrBitOverheat    byte = 0x04
	ErrBitRange       byte = 0x08
	ErrBitChecksum    byte = 0x10
	ErrBitOverload    byte = 0x20
	ErrBitInstruction byte = 0x40
)

// Protocol 2.0 error numbers (low seven bits) and the hardware alert flag.
const (
	ErrNumResultFail  byte = 0x01
	ErrNumInstruction byte = 0x02
	ErrNumCRC         byte = 0x03
	ErrNumDataRange   byte = 0x04
	ErrNumDataLength  byte = 0x05
	ErrNumDataLimit   byte = 0x06
	ErrNumAccess      byte = 0x07

	ErrBitAlert byte = 0x80
)

var v1ErrorBits = []struct {
	bit  byte
	text string
}{
	{ErrBitVoltage, "input voltage error"},
	{ErrBitAngle, "angle limit error"},
	{ErrBitOverheat, "overheat error"},
	{ErrBitRange, "out of range error"},
	{ErrBitChecksum, "checksum error"},
	{ErrBitOverload, "overload error"},
	{ErrBitInstruction, "instruction code error"},
}

// DescribeError renders a device error byte. The engine never interprets the
// byte itself; this is for logs and API responses.
func DescribeError(v Version, errByte byte) string {
	if errByte == 0 {
		return ""
	}

	if v == V1 {
		parts := make([]string, 0, 2)
		for _, e := range v1ErrorBits {
			if errByte&e.bit != 0 {
				parts = append(parts, e.text)
			}
		}
		if len(parts) == 0 {
			return fmt.Sprintf("unknown error 0x%02X", errByte)
		}
		return strings.Join(parts, ", ")
	}

	var text string
	switch errByte &^ ErrBitAlert {
	case 0:
	case ErrNumResultFail:
		text = "failed to process the instruction packet"
	case ErrNumInstruction:
		text = "undefined or incorrect instruction"
	case ErrNumCRC:
		text = "CRC does not match"
	case ErrNumDataRange:
		text = "data value is out of range"
	case ErrNumDataLength:
		text = "data length does not match"
	case ErrNumDataLimit:
		text = "data value exceeds the limit"
	case ErrNumAccess:
		text = "address is not accessible"
	default:
		text = fmt.Sprintf("unknown error code 0x%02X", errByte&^ErrBitAlert)
	}

	if errByte&ErrBitAlert != 0 {
		if text == "" {
			return "hardware error, check Hardware Error Status"
		}
		return "hardware error, check Hardware Error Status; " + text
	}
	return text
}
