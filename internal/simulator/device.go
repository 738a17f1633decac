package simulator

import (
	"encoding/binary"
	"slices"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

// Control table addresses the simulator keeps in sync with device state.
const (
	AddrModelNumber = 0

	addrFirmwareV1 = 2
	addrIDV1       = 3
	addrBaudV1     = 4

	addrFirmwareV2 = 6
	addrIDV2       = 7
	addrBaudV2     = 8
)

type pendingWrite struct {
	addr int
	data []byte
}

// Device is one simulated servo. All accessors lock the owning bus.
type Device struct {
	bus *Bus

	id       byte
	model    uint16
	firmware byte
	baudRate int
	memory   []byte
	errByte  byte

	silent  bool
	corrupt bool

	regWrite        *pendingWrite
	reboots         int
	multiTurnClears int
}

func (d *Device) initMemory() {
	clear(d.memory)
	binary.LittleEndian.PutUint16(d.memory[AddrModelNumber:], d.model)
	if d.bus.version == protocol.V1 {
		d.memory[addrFirmwareV1] = d.firmware
		d.memory[addrIDV1] = d.id
		d.memory[addrBaudV1] = 34
	} else {
		d.memory[addrFirmwareV2] = d.firmware
		d.memory[addrIDV2] = d.id
		d.memory[addrBaudV2] = 1
	}
}

func (d *Device) initMemoryKeeping(mode protocol.FactoryResetMode) {
	id := d.id
	if mode == protocol.ResetAll {
		d.id = 1
	}
	d.initMemory()
	d.id = id
}

func (d *Device) read(addr, length int) []byte {
	out := make([]byte, length)
	if addr < len(d.memory) {
		copy(out, d.memory[addr:])
	}
	return out
}

func (d *Device) write(addr int, data []byte) {
	if addr >= len(d.memory) {
		return
	}
	copy(d.memory[addr:], data)
}

func (d *Device) ID() byte {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.id
}

func (d *Device) SetFirmware(fw byte) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.firmware = fw
	d.initFirmware()
}

func (d *Device) initFirmware() {
	if d.bus.version == protocol.V1 {
		d.memory[addrFirmwareV1] = d.firmware
	} else {
		d.memory[addrFirmwareV2] = d.firmware
	}
}

// SetErrorByte sets the error field of every following status packet.
func (d *Device) SetErrorByte(e byte) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.errByte = e
}

// SetSilent stops the device from answering.
func (d *Device) SetSilent(on bool) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.silent = on
}

// SetCorrupt damages the checksum of every following status packet.
func (d *Device) SetCorrupt(on bool) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.corrupt = on
}

// SetBaudRate moves the device to another line speed.
func (d *Device) SetBaudRate(rate int) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.baudRate = rate
}

func (d *Device) BaudRate() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.baudRate
}

// Poke writes control table memory without bus traffic.
func (d *Device) Poke(addr int, data []byte) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.write(addr, data)
}

// Peek reads control table memory without bus traffic.
func (d *Device) Peek(addr, length int) []byte {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.read(addr, length)
}

// PendingRegWrite reports the staged REG_WRITE, if any.
func (d *Device) PendingRegWrite() (addr int, data []byte, ok bool) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.regWrite == nil {
		return 0, nil, false
	}
	return d.regWrite.addr, slices.Clone(d.regWrite.data), true
}

func (d *Device) Reboots() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.reboots
}

func (d *Device) MultiTurnClears() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.multiTurnClears
}
