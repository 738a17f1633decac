// Package simulator provides an in-memory Dynamixel bus. It answers
// instruction packets the way a chain of servos would and is used for
// hardware-free tests and the server's simulate mode.
package simulator

import (
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/serialport"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("simulated bus closed")

const (
	memorySizeV1 = 256
	memorySizeV2 = 1024

	// FactoryBaudRate is what a device falls back to after a factory reset.
	FactoryBaudRate = 57600
)

// Bus implements serialport.Line.
type Bus struct {
	mu       sync.Mutex
	version  protocol.Version
	baudRate int
	devices  map[byte]*Device

	inbox  []byte
	outbox []byte
	sent   []protocol.Packet

	readTimeout time.Duration
	maxWait     time.Duration
	closed      bool

	pingOrder      func(ids []byte) []byte
	duplicatePings bool
}

func NewBus(v protocol.Version) *Bus {
	return &Bus{
		version:  v,
		baudRate: serialport.DefaultBaudRate,
		devices:  make(map[byte]*Device),
		maxWait:  50 * time.Millisecond,
	}
}

// Opener hands the bus to serialport.Open.
func (b *Bus) Opener() serialport.OpenFunc {
	return func(path string, mode *serial.Mode) (serialport.Line, error) {
		if err := b.SetMode(mode); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.closed = false
		b.mu.Unlock()
		return b, nil
	}
}

// AddDevice attaches a servo answering at the bus's current baud rate.
func (b *Bus) AddDevice(id byte, model uint16) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := memorySizeV1
	if b.version == protocol.V2 {
		size = memorySizeV2
	}
	d := &Device{
		bus:      b,
		id:       id,
		model:    model,
		firmware: 0x2A,
		baudRate: b.baudRate,
		memory:   make([]byte, size),
	}
	d.initMemory()
	b.devices[id] = d
	return d
}

func (b *Bus) Device(id byte) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	return d, ok
}

func (b *Bus) RemoveDevice(id byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

// Inject queues raw bytes for the host, ahead of any later replies.
func (b *Bus) Inject(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = append(b.outbox, raw...)
}

// Sent returns every instruction packet the host has written so far.
func (b *Bus) Sent() []protocol.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent)
}

// SetPingOrder reorders broadcast ping replies.
func (b *Bus) SetPingOrder(order func(ids []byte) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingOrder = order
}

// SetDuplicatePings makes every device answer a broadcast ping twice.
func (b *Bus) SetDuplicatePings(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicatePings = on
}

func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	if len(b.outbox) == 0 {
		wait := min(b.readTimeout, b.maxWait)
		b.mu.Unlock()
		time.Sleep(wait)
		return 0, nil
	}
	n := copy(p, b.outbox)
	b.outbox = b.outbox[n:]
	b.mu.Unlock()
	return n, nil
}

func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	b.inbox = append(b.inbox, p...)

	for len(b.inbox) > 0 {
		pkt, n, err := protocol.DecodeInstruction(b.version, b.inbox)
		if errors.Is(err, protocol.ErrIncomplete) {
			b.inbox = b.inbox[n:]
			break
		}
		b.inbox = b.inbox[n:]
		if err != nil {
			continue
		}
		b.sent = append(b.sent, pkt)
		b.handle(pkt)
	}
	return len(p), nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) SetMode(mode *serial.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baudRate = mode.BaudRate
	return nil
}

func (b *Bus) SetReadTimeout(t time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readTimeout = t
	return nil
}

func (b *Bus) ResetInputBuffer() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = nil
	return nil
}

// reachable returns the device for id if it listens at the current baud rate.
func (b *Bus) reachable(id byte) (*Device, bool) {
	d, ok := b.devices[id]
	if !ok || d.baudRate != b.baudRate {
		return nil, false
	}
	return d, true
}

func (b *Bus) targets(id byte) []*Device {
	if id != protocol.BroadcastID {
		if d, ok := b.reachable(id); ok {
			return []*Device{d}
		}
		return nil
	}
	ids := make([]byte, 0, len(b.devices))
	for devID := range b.devices {
		ids = append(ids, devID)
	}
	slices.Sort(ids)

	out := make([]*Device, 0, len(ids))
	for _, devID := range ids {
		if d, ok := b.reachable(devID); ok {
			out = append(out, d)
		}
	}
	return out
}

func (b *Bus) reply(d *Device, params []byte) {
	if d.silent {
		return
	}
	raw, err := protocol.EncodeStatus(b.version, protocol.Status{ID: d.id, Error: d.errByte, Params: params})
	if err != nil {
		return
	}
	if d.corrupt {
		raw[len(raw)-1] ^= 0x5A
	}
	b.outbox = append(b.outbox, raw...)
}

// addrLen splits the address/length prefix of READ-style parameters.
func (b *Bus) addrLen(params []byte) (addr, length int, rest []byte, ok bool) {
	if b.version == protocol.V1 {
		if len(params) < 2 {
			return 0, 0, nil, false
		}
		return int(params[0]), int(params[1]), params[2:], true
	}
	if len(params) < 4 {
		return 0, 0, nil, false
	}
	return int(binary.LittleEndian.Uint16(params[0:2])), int(binary.LittleEndian.Uint16(params[2:4])), params[4:], true
}

func (b *Bus) addr(params []byte) (addr int, data []byte, ok bool) {
	if b.version == protocol.V1 {
		if len(params) < 1 {
			return 0, nil, false
		}
		return int(params[0]), params[1:], true
	}
	if len(params) < 2 {
		return 0, nil, false
	}
	return int(binary.LittleEndian.Uint16(params[0:2])), params[2:], true
}

func (b *Bus) handle(pkt protocol.Packet) {
	unicast := pkt.ID != protocol.BroadcastID

	switch pkt.Instruction {
	case protocol.InstPing:
		if !unicast && b.version == protocol.V1 {
			return
		}
		b.handlePing(pkt.ID)

	case protocol.InstRead:
		addr, length, _, ok := b.addrLen(pkt.Params)
		if !ok || !unicast {
			return
		}
		for _, d := range b.targets(pkt.ID) {
			b.reply(d, d.read(addr, length))
		}

	case protocol.InstWrite, protocol.InstRegWrite:
		addr, data, ok := b.addr(pkt.Params)
		if !ok {
			return
		}
		for _, d := range b.targets(pkt.ID) {
			if pkt.Instruction == protocol.InstWrite {
				d.write(addr, data)
			} else {
				d.regWrite = &pendingWrite{addr: addr, data: slices.Clone(data)}
			}
			if unicast {
				b.reply(d, nil)
			}
		}

	case protocol.InstAction:
		for _, d := range b.targets(pkt.ID) {
			if d.regWrite != nil {
				d.write(d.regWrite.addr, d.regWrite.data)
				d.regWrite = nil
			}
		}

	case protocol.InstFactoryReset:
		mode := protocol.ResetAll
		if b.version == protocol.V2 && len(pkt.Params) > 0 {
			mode = protocol.FactoryResetMode(pkt.Params[0])
		}
		for _, d := range b.targets(pkt.ID) {
			if unicast {
				b.reply(d, nil)
			}
			b.factoryReset(d, mode)
		}

	case protocol.InstReboot:
		if b.version != protocol.V2 {
			return
		}
		for _, d := range b.targets(pkt.ID) {
			if unicast {
				b.reply(d, nil)
			}
			d.reboots++
			d.errByte = 0
		}

	case protocol.InstClear:
		if b.version != protocol.V2 || !slices.Equal(pkt.Params, protocol.ClearMultiTurnParams()) {
			return
		}
		for _, d := range b.targets(pkt.ID) {
			if unicast {
				b.reply(d, nil)
			}
			d.multiTurnClears++
		}

	case protocol.InstSyncWrite:
		b.handleSyncWrite(pkt.Params)

	case protocol.InstBulkWrite:
		b.handleBulkWrite(pkt.Params)

	case protocol.InstSyncRead, protocol.InstFastSyncRead:
		addr, length, ids, ok := b.addrLen(pkt.Params)
		if !ok || b.version != protocol.V2 {
			return
		}
		reads := make([]bulkEntry, 0, len(ids))
		for _, id := range ids {
			reads = append(reads, bulkEntry{id: id, addr: addr, length: length})
		}
		b.answerReads(reads, pkt.Instruction == protocol.InstFastSyncRead)

	case protocol.InstBulkRead, protocol.InstFastBulkRead:
		reads, ok := b.parseBulkRead(pkt.Params)
		if !ok {
			return
		}
		b.answerReads(reads, pkt.Instruction == protocol.InstFastBulkRead)
	}
}

func (b *Bus) handlePing(id byte) {
	devices := b.targets(id)
	if id == protocol.BroadcastID && b.pingOrder != nil {
		ids := make([]byte, len(devices))
		for i, d := range devices {
			ids[i] = d.id
		}
		ordered := b.pingOrder(ids)
		devices = devices[:0]
		for _, devID := range ordered {
			if d, ok := b.reachable(devID); ok {
				devices = append(devices, d)
			}
		}
	}

	for _, d := range devices {
		var params []byte
		if b.version == protocol.V2 {
			params = binary.LittleEndian.AppendUint16(nil, d.model)
			params = append(params, d.firmware)
		}
		b.reply(d, params)
		if id == protocol.BroadcastID && b.duplicatePings {
			b.reply(d, params)
		}
	}
}

func (b *Bus) handleSyncWrite(params []byte) {
	addr, length, rest, ok := b.addrLen(params)
	if !ok || length == 0 {
		return
	}
	for len(rest) >= length+1 {
		if d, ok := b.reachable(rest[0]); ok {
			d.write(addr, rest[1:1+length])
		}
		rest = rest[1+length:]
	}
}

func (b *Bus) handleBulkWrite(params []byte) {
	if b.version != protocol.V2 {
		return
	}
	for len(params) >= 5 {
		id := params[0]
		addr := int(binary.LittleEndian.Uint16(params[1:3]))
		length := int(binary.LittleEndian.Uint16(params[3:5]))
		if len(params) < 5+length {
			return
		}
		if d, ok := b.reachable(id); ok {
			d.write(addr, params[5:5+length])
		}
		params = params[5+length:]
	}
}

type bulkEntry struct {
	id     byte
	addr   int
	length int
}

func (b *Bus) parseBulkRead(params []byte) ([]bulkEntry, bool) {
	var reads []bulkEntry
	if b.version == protocol.V1 {
		if len(params) < 1 || params[0] != 0x00 {
			return nil, false
		}
		for p := params[1:]; len(p) >= 3; p = p[3:] {
			reads = append(reads, bulkEntry{length: int(p[0]), id: p[1], addr: int(p[2])})
		}
		return reads, true
	}
	for p := params; len(p) >= 5; p = p[5:] {
		reads = append(reads, bulkEntry{
			id:     p[0],
			addr:   int(binary.LittleEndian.Uint16(p[1:3])),
			length: int(binary.LittleEndian.Uint16(p[3:5])),
		})
	}
	return reads, true
}

// answerReads emits one status per device, or for the fast variants one
// combined status from the broadcast ID.
func (b *Bus) answerReads(reads []bulkEntry, fast bool) {
	if !fast {
		for _, r := range reads {
			if d, ok := b.reachable(r.id); ok {
				b.reply(d, d.read(r.addr, r.length))
			}
		}
		return
	}

	var body []byte
	for i, r := range reads {
		d, ok := b.reachable(r.id)
		if !ok || d.silent {
			// A missing participant breaks the combined reply.
			return
		}
		block := []byte{d.errByte, d.id}
		block = append(block, d.read(r.addr, r.length)...)
		body = append(body, block...)
		if i < len(reads)-1 {
			body = binary.LittleEndian.AppendUint16(body, protocol.UpdateCRC(0, block))
		}
	}
	if len(body) == 0 {
		return
	}
	raw, err := protocol.EncodeStatus(b.version, protocol.Status{ID: protocol.BroadcastID, Error: body[0], Params: body[1:]})
	if err != nil {
		return
	}
	b.outbox = append(b.outbox, raw...)
}

func (b *Bus) factoryReset(d *Device, mode protocol.FactoryResetMode) {
	id := d.id
	d.initMemoryKeeping(mode)
	d.regWrite = nil
	d.errByte = 0
	if mode != protocol.ResetExceptIDAndBaud {
		d.baudRate = FactoryBaudRate
	}
	if mode == protocol.ResetAll && id != 1 {
		delete(b.devices, id)
		d.id = 1
		b.devices[1] = d
	}
}
