package types

import (
	"github.com/google/uuid"
)

// ControlTableProfile describes the memory map of one servo model.
type ControlTableProfile struct {
	Profile   ProfileInfo          `json:"device_profile"`
	Registers []RegisterDefinition `json:"registers"`
	Groups    []RegisterGroup      `json:"register_groups,omitempty"`
}

type ProfileInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	ModelNumber uint16 `json:"model_number"`
	Protocol    string `json:"protocol"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type RegisterDefinition struct {
	Name        string     `json:"name"`
	Address     uint16     `json:"address"`
	DataType    DataType   `json:"data_type"`
	Area        MemoryArea `json:"area"`
	ScaleFactor float64    `json:"scale_factor"`
	Unit        string     `json:"unit"`
	Access      AccessType `json:"access"`
	Description string     `json:"description"`
}

// Size is the register width in bytes.
func (r RegisterDefinition) Size() int {
	return r.DataType.Size()
}

type RegisterGroup struct {
	Name           string   `json:"name"`
	PollIntervalMs int      `json:"poll_interval_ms"`
	Registers      []string `json:"registers"`
}

type DataType string

const (
	DataTypeBool   DataType = "bool"
	DataTypeUint8  DataType = "uint8"
	DataTypeInt8   DataType = "int8"
	DataTypeUint16 DataType = "uint16"
	DataTypeInt16  DataType = "int16"
	DataTypeUint32 DataType = "uint32"
	DataTypeInt32  DataType = "int32"
)

func (d DataType) Size() int {
	switch d {
	case DataTypeUint16, DataTypeInt16:
		return 2
	case DataTypeUint32, DataTypeInt32:
		return 4
	default:
		return 1
	}
}

func (d DataType) Signed() bool {
	return d == DataTypeInt8 || d == DataTypeInt16 || d == DataTypeInt32
}

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// MemoryArea tells whether a register survives power cycles. EEPROM
// registers are only writable with torque disabled.
type MemoryArea string

const (
	AreaEEPROM MemoryArea = "eeprom"
	AreaRAM    MemoryArea = "ram"
)

// Servo runtime info
type ServoInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Bus         string    `json:"bus"`
	DeviceID    uint8     `json:"device_id"`
	Model       string    `json:"model"`
	ModelNumber uint16    `json:"model_number"`
	Online      bool      `json:"online"`
}

// BusInfo describes one configured serial bus.
type BusInfo struct {
	Name     string `json:"name"`
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	Protocol string `json:"protocol"`
	Simulate bool   `json:"simulate"`
	Servos   int    `json:"servos"`
	Polling  bool   `json:"polling"`
}
