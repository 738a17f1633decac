package servo

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenServoCore/internal/types"
)

// decodeRaw turns little-endian register bytes into an integer, sign
// extending signed types.
func decodeRaw(b []byte, dt types.DataType) int64 {
	var buf [4]byte
	copy(buf[:], b)
	u := binary.LittleEndian.Uint32(buf[:])

	switch dt {
	case types.DataTypeInt8:
		return int64(int8(u))
	case types.DataTypeInt16:
		return int64(int16(u))
	case types.DataTypeInt32:
		return int64(int32(u))
	case types.DataTypeUint16:
		return int64(uint16(u))
	case types.DataTypeUint32:
		return int64(u)
	default:
		return int64(uint8(u))
	}
}

func encodeRaw(v int64, dt types.DataType) ([]byte, error) {
	var lo, hi int64
	switch dt {
	case types.DataTypeBool:
		lo, hi = 0, 1
	case types.DataTypeUint8:
		lo, hi = 0, math.MaxUint8
	case types.DataTypeInt8:
		lo, hi = math.MinInt8, math.MaxInt8
	case types.DataTypeUint16:
		lo, hi = 0, math.MaxUint16
	case types.DataTypeInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case types.DataTypeUint32:
		lo, hi = 0, math.MaxUint32
	case types.DataTypeInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return nil, fmt.Errorf("unsupported data type: %s", dt)
	}
	if v < lo || v > hi {
		return nil, fmt.Errorf("value %d out of range for %s", v, dt)
	}

	out := binary.LittleEndian.AppendUint32(nil, uint32(v))
	return out[:dt.Size()], nil
}

// scale converts a raw register value to engineering units.
func scale(raw int64, reg *types.RegisterDefinition) float64 {
	factor := reg.ScaleFactor
	if factor == 0 {
		factor = 1.0
	}
	return float64(raw) * factor
}

func unscale(value float64, reg *types.RegisterDefinition) int64 {
	factor := reg.ScaleFactor
	if factor == 0 {
		factor = 1.0
	}
	return int64(math.Round(value / factor))
}
