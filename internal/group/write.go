package group

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

// SyncWrite writes the same address range on many devices with one packet.
type SyncWrite struct {
	client *dynamixel.Client
	addr   int
	length int
	t      table[[]byte]
}

func NewSyncWrite(c *dynamixel.Client, addr, length int) *SyncWrite {
	return &SyncWrite{client: c, addr: addr, length: length, t: newTable[[]byte]()}
}

// AddParam queues data for id. Every device shares the group's length.
func (g *SyncWrite) AddParam(id byte, data []byte) error {
	if len(data) != g.length {
		return fmt.Errorf("sync write id %d: %w: got %d want %d", id, ErrLengthMismatch, len(data), g.length)
	}
	if err := g.t.add(id, slices.Clone(data)); err != nil {
		return fmt.Errorf("sync write id %d: %w", id, err)
	}
	return nil
}

func (g *SyncWrite) ChangeParam(id byte, data []byte) error {
	if len(data) != g.length {
		return fmt.Errorf("sync write id %d: %w: got %d want %d", id, ErrLengthMismatch, len(data), g.length)
	}
	if err := g.t.change(id, slices.Clone(data)); err != nil {
		return fmt.Errorf("sync write id %d: %w", id, err)
	}
	return nil
}

func (g *SyncWrite) RemoveParam(id byte) {
	g.t.remove(id)
}

func (g *SyncWrite) ClearParam() {
	g.t.clear()
}

// Len returns the number of queued devices.
func (g *SyncWrite) Len() int {
	return g.t.len()
}

// params lays the table out as (ID, data...) records.
func (g *SyncWrite) params() []byte {
	out := make([]byte, 0, g.t.len()*(1+g.length))
	for _, id := range g.t.ids {
		out = append(out, id)
		out = append(out, g.t.items[id]...)
	}
	return out
}

func (g *SyncWrite) TxPacket() error {
	if g.t.len() == 0 {
		return fmt.Errorf("sync write: %w", protocol.CommNotAvailable)
	}
	res := protocol.CommPortBusy
	_ = g.client.Do(func(s *dynamixel.Session) error {
		res = s.SyncWriteTxOnly(g.addr, g.length, g.params())
		return nil
	})
	if res != protocol.CommSuccess {
		return fmt.Errorf("sync write: %w", res)
	}
	return nil
}

type bulkWriteEntry struct {
	addr int
	data []byte
}

// BulkWrite writes a different address range per device with one packet.
// Protocol 2.0 only.
type BulkWrite struct {
	client *dynamixel.Client
	t      table[bulkWriteEntry]
}

func NewBulkWrite(c *dynamixel.Client) *BulkWrite {
	return &BulkWrite{client: c, t: newTable[bulkWriteEntry]()}
}

func (g *BulkWrite) entry(id byte, addr int, data []byte) (bulkWriteEntry, error) {
	if g.client.Version() != protocol.V2 {
		return bulkWriteEntry{}, fmt.Errorf("bulk write: %w", ErrNotSupported)
	}
	if addr < 0 || addr > 0xFFFF || len(data) == 0 || len(data) > 0xFFFF {
		return bulkWriteEntry{}, fmt.Errorf("bulk write id %d: %w", id, ErrInvalidAddress)
	}
	return bulkWriteEntry{addr: addr, data: slices.Clone(data)}, nil
}

func (g *BulkWrite) AddParam(id byte, addr int, data []byte) error {
	e, err := g.entry(id, addr, data)
	if err != nil {
		return err
	}
	if err := g.t.add(id, e); err != nil {
		return fmt.Errorf("bulk write id %d: %w", id, err)
	}
	return nil
}

// ChangeParam replaces the address range and data queued for id.
func (g *BulkWrite) ChangeParam(id byte, addr int, data []byte) error {
	e, err := g.entry(id, addr, data)
	if err != nil {
		return err
	}
	if err := g.t.change(id, e); err != nil {
		return fmt.Errorf("bulk write id %d: %w", id, err)
	}
	return nil
}

func (g *BulkWrite) RemoveParam(id byte) {
	g.t.remove(id)
}

func (g *BulkWrite) ClearParam() {
	g.t.clear()
}

func (g *BulkWrite) Len() int {
	return g.t.len()
}

func (g *BulkWrite) params() []byte {
	var out []byte
	for _, id := range g.t.ids {
		e := g.t.items[id]
		out = append(out, id)
		out = binary.LittleEndian.AppendUint16(out, uint16(e.addr))
		out = binary.LittleEndian.AppendUint16(out, uint16(len(e.data)))
		out = append(out, e.data...)
	}
	return out
}

func (g *BulkWrite) TxPacket() error {
	if g.client.Version() != protocol.V2 || g.t.len() == 0 {
		return fmt.Errorf("bulk write: %w", protocol.CommNotAvailable)
	}
	res := protocol.CommPortBusy
	_ = g.client.Do(func(s *dynamixel.Session) error {
		res = s.BulkWriteTxOnly(g.params())
		return nil
	})
	if res != protocol.CommSuccess {
		return fmt.Errorf("bulk write: %w", res)
	}
	return nil
}
