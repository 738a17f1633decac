package group

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

type readEntry struct {
	addr   int
	length int
	data   []byte
	err    byte
}

// reader holds what the read aggregators share: the requested ranges, the
// data of the last receive and whether that receive succeeded.
type reader struct {
	name       string
	client     *dynamixel.Client
	t          table[*readEntry]
	lastResult bool
}

func newReader(name string, c *dynamixel.Client) reader {
	return reader{name: name, client: c, t: newTable[*readEntry]()}
}

func (r *reader) add(id byte, addr, length int) error {
	if err := r.t.add(id, &readEntry{addr: addr, length: length}); err != nil {
		return fmt.Errorf("%s id %d: %w", r.name, id, err)
	}
	return nil
}

func (r *reader) RemoveParam(id byte) {
	r.t.remove(id)
}

// ClearParam empties the group and forgets received data.
func (r *reader) ClearParam() {
	r.t.clear()
	r.lastResult = false
}

func (r *reader) Len() int {
	return r.t.len()
}

// IsAvailable reports whether the last receive succeeded and covered
// [addr, addr+length) for id.
func (r *reader) IsAvailable(id byte, addr, length int) bool {
	e, ok := r.t.get(id)
	if !r.lastResult || !ok || e.data == nil || length <= 0 {
		return false
	}
	return addr >= e.addr && addr+length <= e.addr+e.length
}

// Bytes returns a copy of the received bytes for [addr, addr+length).
func (r *reader) Bytes(id byte, addr, length int) ([]byte, error) {
	if !r.IsAvailable(id, addr, length) {
		return nil, fmt.Errorf("%s id %d addr %d len %d: %w", r.name, id, addr, length, ErrDataNotAvailable)
	}
	e, _ := r.t.get(id)
	off := addr - e.addr
	return slices.Clone(e.data[off : off+length]), nil
}

// GetData decodes a 1, 2 or 4 byte little-endian field.
func (r *reader) GetData(id byte, addr, length int) (uint32, error) {
	if length != 1 && length != 2 && length != 4 {
		return 0, fmt.Errorf("%s id %d: %w: %d", r.name, id, ErrLengthMismatch, length)
	}
	b, err := r.Bytes(id, addr, length)
	if err != nil {
		return 0, err
	}
	switch length {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(b)), nil
	default:
		return binary.LittleEndian.Uint32(b), nil
	}
}

// GetError returns the device error byte id reported in the last receive.
func (r *reader) GetError(id byte) (byte, error) {
	e, ok := r.t.get(id)
	if !r.lastResult || !ok || e.data == nil {
		return 0, fmt.Errorf("%s id %d: %w", r.name, id, ErrDataNotAvailable)
	}
	return e.err, nil
}

func (r *reader) fail(res protocol.CommResult) error {
	return fmt.Errorf("%s: %w", r.name, res)
}

// tx runs send with the port held and arms the group for a fresh receive.
func (r *reader) tx(send func(s *dynamixel.Session) protocol.CommResult) error {
	if r.t.len() == 0 {
		return r.fail(protocol.CommNotAvailable)
	}
	r.lastResult = false
	res := protocol.CommPortBusy
	_ = r.client.Do(func(s *dynamixel.Session) error {
		res = send(s)
		return nil
	})
	if res != protocol.CommSuccess {
		return r.fail(res)
	}
	return nil
}

// txrx sends and collects within one held exchange.
func (r *reader) txrx(send func(s *dynamixel.Session) protocol.CommResult, collect func(s *dynamixel.Session) protocol.CommResult) error {
	if r.t.len() == 0 {
		return r.fail(protocol.CommNotAvailable)
	}
	r.lastResult = false
	res := protocol.CommPortBusy
	_ = r.client.Do(func(s *dynamixel.Session) error {
		if res = send(s); res == protocol.CommSuccess {
			res = collect(s)
		}
		return nil
	})
	if res != protocol.CommSuccess {
		return r.fail(res)
	}
	return nil
}

func (r *reader) rx(collect func(s *dynamixel.Session) protocol.CommResult) error {
	if r.t.len() == 0 {
		return r.fail(protocol.CommNotAvailable)
	}
	res := protocol.CommPortBusy
	_ = r.client.Do(func(s *dynamixel.Session) error {
		res = collect(s)
		return nil
	})
	if res != protocol.CommSuccess {
		return r.fail(res)
	}
	return nil
}

// collectEach reads one status packet per device, in insertion order.
func (r *reader) collectEach(s *dynamixel.Session) protocol.CommResult {
	r.lastResult = false
	for _, id := range r.t.ids {
		e := r.t.items[id]
		res := s.ReadRx(id)
		if !res.OK() {
			return res.Comm
		}
		if len(res.Data) < e.length {
			return protocol.CommRxCorrupt
		}
		e.data = slices.Clone(res.Data[:e.length])
		e.err = res.Error
	}
	r.lastResult = true
	return protocol.CommSuccess
}

// collectCombined splits the single status packet of a fast read. Its body is
// err, id, data, crc(2) per device; the final crc is the packet's own.
func (r *reader) collectCombined(s *dynamixel.Session) protocol.CommResult {
	r.lastResult = false
	res := s.ReadRx(protocol.BroadcastID)
	if !res.OK() {
		return res.Comm
	}

	body := append([]byte{res.Error}, res.Data...)
	idx := 0
	for _, id := range r.t.ids {
		e := r.t.items[id]
		if idx+2+e.length > len(body) || body[idx+1] != id {
			return protocol.CommRxCorrupt
		}
		e.err = body[idx]
		e.data = slices.Clone(body[idx+2 : idx+2+e.length])
		idx += e.length + 4
	}
	r.lastResult = true
	return protocol.CommSuccess
}

func (r *reader) ids() []byte {
	return slices.Clone(r.t.ids)
}

// SyncRead reads the same address range from many devices. Protocol 2.0 only.
type SyncRead struct {
	reader
	addr   int
	length int
}

func NewSyncRead(c *dynamixel.Client, addr, length int) *SyncRead {
	return &SyncRead{reader: newReader("sync read", c), addr: addr, length: length}
}

func (g *SyncRead) AddParam(id byte) error {
	if g.client.Version() != protocol.V2 {
		return fmt.Errorf("sync read: %w", ErrNotSupported)
	}
	return g.add(id, g.addr, g.length)
}

func (g *SyncRead) send(s *dynamixel.Session) protocol.CommResult {
	return s.SyncReadTx(g.addr, g.length, g.ids())
}

func (g *SyncRead) TxPacket() error {
	if g.client.Version() != protocol.V2 {
		return g.fail(protocol.CommNotAvailable)
	}
	return g.tx(g.send)
}

func (g *SyncRead) RxPacket() error {
	return g.rx(g.collectEach)
}

func (g *SyncRead) TxRxPacket() error {
	if g.client.Version() != protocol.V2 {
		return g.fail(protocol.CommNotAvailable)
	}
	return g.txrx(g.send, g.collectEach)
}

// BulkRead reads a different address range from each device.
type BulkRead struct {
	reader
}

func NewBulkRead(c *dynamixel.Client) *BulkRead {
	return &BulkRead{reader: newReader("bulk read", c)}
}

func (g *BulkRead) AddParam(id byte, addr, length int) error {
	if err := checkRange(g.client.Version(), addr, length); err != nil {
		return fmt.Errorf("bulk read id %d: %w", id, err)
	}
	return g.add(id, addr, length)
}

func (g *BulkRead) send(s *dynamixel.Session) protocol.CommResult {
	return s.BulkReadTx(bulkReadParams(g.client.Version(), &g.reader))
}

func (g *BulkRead) TxPacket() error {
	return g.tx(g.send)
}

func (g *BulkRead) RxPacket() error {
	return g.rx(g.collectEach)
}

func (g *BulkRead) TxRxPacket() error {
	return g.txrx(g.send, g.collectEach)
}

// FastSyncRead is a SyncRead answered by one combined status packet.
// Protocol 2.0 only.
type FastSyncRead struct {
	SyncRead
}

func NewFastSyncRead(c *dynamixel.Client, addr, length int) *FastSyncRead {
	g := &FastSyncRead{SyncRead: *NewSyncRead(c, addr, length)}
	g.name = "fast sync read"
	return g
}

func (g *FastSyncRead) send(s *dynamixel.Session) protocol.CommResult {
	return s.FastSyncReadTx(g.addr, g.length, g.ids())
}

func (g *FastSyncRead) TxPacket() error {
	if g.client.Version() != protocol.V2 {
		return g.fail(protocol.CommNotAvailable)
	}
	return g.tx(g.send)
}

func (g *FastSyncRead) RxPacket() error {
	return g.rx(g.collectCombined)
}

func (g *FastSyncRead) TxRxPacket() error {
	if g.client.Version() != protocol.V2 {
		return g.fail(protocol.CommNotAvailable)
	}
	return g.txrx(g.send, g.collectCombined)
}

// FastBulkRead is a BulkRead answered by one combined status packet.
// Protocol 2.0 only.
type FastBulkRead struct {
	BulkRead
}

func NewFastBulkRead(c *dynamixel.Client) *FastBulkRead {
	g := &FastBulkRead{BulkRead: *NewBulkRead(c)}
	g.name = "fast bulk read"
	return g
}

func (g *FastBulkRead) AddParam(id byte, addr, length int) error {
	if g.client.Version() != protocol.V2 {
		return fmt.Errorf("fast bulk read: %w", ErrNotSupported)
	}
	return g.BulkRead.AddParam(id, addr, length)
}

func (g *FastBulkRead) send(s *dynamixel.Session) protocol.CommResult {
	return s.FastBulkReadTx(bulkReadParams(protocol.V2, &g.reader))
}

func (g *FastBulkRead) TxPacket() error {
	return g.tx(g.send)
}

func (g *FastBulkRead) RxPacket() error {
	return g.rx(g.collectCombined)
}

func (g *FastBulkRead) TxRxPacket() error {
	return g.txrx(g.send, g.collectCombined)
}

func checkRange(v protocol.Version, addr, length int) error {
	limit := 0xFFFF
	if v == protocol.V1 {
		limit = 0xFF
	}
	if addr < 0 || addr > limit || length <= 0 || length > limit {
		return ErrInvalidAddress
	}
	return nil
}

// bulkReadParams lays out (LEN, ID, ADDR) records for protocol 1.0 and
// (ID, ADDR_L, ADDR_H, LEN_L, LEN_H) records for 2.0.
func bulkReadParams(v protocol.Version, r *reader) []byte {
	var out []byte
	for _, id := range r.t.ids {
		e := r.t.items[id]
		if v == protocol.V1 {
			out = append(out, byte(e.length), id, byte(e.addr))
			continue
		}
		out = append(out, id)
		out = binary.LittleEndian.AppendUint16(out, uint16(e.addr))
		out = binary.LittleEndian.AppendUint16(out, uint16(e.length))
	}
	return out
}
