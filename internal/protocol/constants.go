package protocol

import "fmt"

const (
	BroadcastID byte = 0xFE
	MaxID       byte = 0xFC
	NotUsedID   byte = 0xFF
)

// Instruction is the opcode of an instruction packet.
type Instruction byte

const (
	InstPing         Instruction = 0x01
	InstRead         Instruction = 0x02
	InstWrite        Instruction = 0x03
	InstRegWrite     Instruction = 0x04
	InstAction       Instruction = 0x05
	InstFactoryReset Instruction = 0x06
	InstReboot       Instruction = 0x08
	InstClear        Instruction = 0x10
	InstStatus       Instruction = 0x55
	InstSyncRead     Instruction = 0x82
	InstSyncWrite    Instruction = 0x83
	InstFastSyncRead Instruction = 0x8A
	InstBulkRead     Instruction = 0x92
	InstBulkWrite    Instruction = 0x93
	InstFastBulkRead Instruction = 0x9A
)

var instructionNames = map[Instruction]string{
	InstPing:         "PING",
	InstRead:         "READ",
	InstWrite:        "WRITE",
	InstRegWrite:     "REG_WRITE",
	InstAction:       "ACTION",
	InstFactoryReset: "FACTORY_RESET",
	InstReboot:       "REBOOT",
	InstClear:        "CLEAR",
	InstStatus:       "STATUS",
	InstSyncRead:     "SYNC_READ",
	InstSyncWrite:    "SYNC_WRITE",
	InstFastSyncRead: "FAST_SYNC_READ",
	InstBulkRead:     "BULK_READ",
	InstBulkWrite:    "BULK_WRITE",
	InstFastBulkRead: "FAST_BULK_READ",
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INST_0x%02X", byte(i))
}

// SupportedBy reports whether the instruction exists in the given version.
func (i Instruction) SupportedBy(v Version) bool {
	switch i {
	case InstPing, InstRead, InstWrite, InstRegWrite, InstAction, InstFactoryReset, InstSyncWrite:
		return v.Valid()
	case InstBulkRead:
		return v.Valid()
	case InstReboot, InstClear, InstStatus, InstSyncRead, InstBulkWrite, InstFastSyncRead, InstFastBulkRead:
		return v == V2
	default:
		return false
	}
}

// Factory reset modes. Protocol 1.0 ignores the mode and always resets everything.
type FactoryResetMode byte

const (
	ResetAll             FactoryResetMode = 0xFF
	ResetExceptID        FactoryResetMode = 0x01
	ResetExceptIDAndBaud FactoryResetMode = 0x02
)

// Parameters of the CLEAR instruction that reset the multi-turn position.
var clearMultiTurnParams = []byte{0x01, 0x44, 0x58, 0x4C, 0x22}

// ClearMultiTurnParams returns a fresh copy of the CLEAR multi-turn parameter block.
func ClearMultiTurnParams() []byte {
	return append([]byte(nil), clearMultiTurnParams...)
}
