package dynamixel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

// broadcastPingStatusLen is the size of one v2 ping status packet.
const broadcastPingStatusLen = 14

// Ping returns the model number of id, and for protocol 2.0 its firmware version.
func (c *Client) Ping(id byte) (Device, error) {
	if id > protocol.MaxID {
		return Device{}, c.notAvailable(protocol.InstPing, id)
	}

	replyParams := 0
	if c.version == protocol.V2 {
		replyParams = 3
	}
	r, err := c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstPing}, replyParams)
	if err != nil {
		return Device{}, err
	}

	d := Device{ID: id, Error: r.Error}
	if c.version == protocol.V2 {
		if len(r.Data) < 3 {
			return Device{}, fmt.Errorf("ping id %d: %w", id, protocol.CommRxCorrupt)
		}
		d.ModelNumber = binary.LittleEndian.Uint16(r.Data[0:2])
		d.Firmware = r.Data[2]
		return d, nil
	}

	// Protocol 1.0 ping carries no payload; the model number sits at address 0.
	model, err := c.Read(id, 0, 2)
	if err != nil {
		return Device{}, err
	}
	d.ModelNumber = model.Uint16()
	return d, nil
}

// BroadcastPing collects every device answering a ping to the broadcast ID.
// The result is sorted by ID with duplicates removed. Protocol 1.0 has no
// broadcast ping; use Scan there.
func (c *Client) BroadcastPing() ([]Device, error) {
	if c.version != protocol.V2 {
		return nil, c.notAvailable(protocol.InstPing, protocol.BroadcastID)
	}

	start := time.Now()
	p := protocol.Packet{ID: protocol.BroadcastID, Instruction: protocol.InstPing}
	res := protocol.CommPortBusy
	var raw []byte

	_ = c.Do(func(s *Session) error {
		if res = s.TxPacket(p); res != protocol.CommSuccess {
			return nil
		}

		maxID := float64(protocol.MaxID)
		perByte := float64(c.port.TxTimePerByte()) / float64(time.Millisecond)
		c.port.SetPacketTimeoutMillis(broadcastPingStatusLen*maxID*perByte + 3.0*maxID + 16.0)

		for !c.port.IsPacketTimeout() {
			n, err := c.port.Read(c.chunk)
			if err != nil {
				res = protocol.CommRxFail
				return nil
			}
			raw = append(raw, c.chunk[:n]...)
		}
		res = protocol.CommSuccess
		return nil
	})
	c.observe(p.Instruction, res, start)
	if res != protocol.CommSuccess {
		return nil, c.commError(p, res)
	}
	if len(raw) == 0 {
		return nil, c.commError(p, protocol.CommRxTimeout)
	}

	seen := make(map[byte]Device)
	for len(raw) > 0 {
		st, used, err := protocol.Decode(c.version, raw)
		raw = raw[used:]
		if err == nil {
			if st.ID <= protocol.MaxID && len(st.Params) >= 3 {
				if _, dup := seen[st.ID]; !dup {
					seen[st.ID] = Device{
						ID:          st.ID,
						ModelNumber: binary.LittleEndian.Uint16(st.Params[0:2]),
						Firmware:    st.Params[2],
						Error:       st.Error,
					}
				}
			}
			continue
		}
		if used == 0 {
			break
		}
	}

	devices := make([]Device, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b Device) int { return int(a.ID) - int(b.ID) })
	return devices, nil
}

// Scan pings every ID in [from, to] in turn. Silent IDs are skipped; any
// other failure ends the sweep.
func (c *Client) Scan(from, to byte) ([]Device, error) {
	if to > protocol.MaxID {
		to = protocol.MaxID
	}
	var found []Device
	for id := int(from); id <= int(to); id++ {
		d, err := c.Ping(byte(id))
		switch {
		case err == nil:
			found = append(found, d)
		case isSilent(err):
		default:
			return found, err
		}
	}
	return found, nil
}

func isSilent(err error) bool {
	return errors.Is(err, protocol.CommRxTimeout) || errors.Is(err, protocol.CommRxCorrupt)
}

func (c *Client) readParams(addr, length int) ([]byte, error) {
	if c.version == protocol.V1 {
		if addr < 0 || addr > 0xFF || length < 0 || length > 0xFF {
			return nil, protocol.CommTxError
		}
		return []byte{byte(addr), byte(length)}, nil
	}
	if addr < 0 || addr > 0xFFFF || length < 0 || length > 0xFFFF {
		return nil, protocol.CommTxError
	}
	params := binary.LittleEndian.AppendUint16(nil, uint16(addr))
	return binary.LittleEndian.AppendUint16(params, uint16(length)), nil
}

func (c *Client) writeParams(addr int, data []byte) ([]byte, error) {
	if c.version == protocol.V1 {
		if addr < 0 || addr > 0xFF {
			return nil, protocol.CommTxError
		}
		return append([]byte{byte(addr)}, data...), nil
	}
	if addr < 0 || addr > 0xFFFF {
		return nil, protocol.CommTxError
	}
	params := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(data)), uint16(addr))
	return append(params, data...), nil
}

func (c *Client) invalid(inst protocol.Instruction, id byte, err error) error {
	return fmt.Errorf("%s id %d: %w", inst, id, err)
}

// reserved reports IDs that are neither a device nor the broadcast ID.
func reserved(id byte) bool {
	return id > protocol.MaxID && id != protocol.BroadcastID
}

func (c *Client) rejected(inst protocol.Instruction, id byte) (Result, error) {
	return Result{ID: id, Comm: protocol.CommNotAvailable, version: c.version}, c.notAvailable(inst, id)
}

// Read reads length bytes at addr from id.
func (c *Client) Read(id byte, addr, length int) (Result, error) {
	params, err := c.readParams(addr, length)
	if err != nil {
		return Result{ID: id, Comm: protocol.CommTxError, version: c.version}, c.invalid(protocol.InstRead, id, err)
	}
	if id > protocol.MaxID {
		return Result{ID: id, Comm: protocol.CommNotAvailable, version: c.version}, c.notAvailable(protocol.InstRead, id)
	}
	r, err := c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstRead, Params: params}, length)
	if err == nil && len(r.Data) < length {
		r.Comm, r.Data = protocol.CommRxCorrupt, nil
		return r, c.commError(protocol.Packet{ID: id, Instruction: protocol.InstRead}, r.Comm)
	}
	return r, err
}

// ReadTx sends a READ without waiting; collect the reply with ReadRx.
func (c *Client) ReadTx(id byte, addr, length int) error {
	params, err := c.readParams(addr, length)
	if err != nil {
		return c.invalid(protocol.InstRead, id, err)
	}
	if id > protocol.MaxID {
		return c.notAvailable(protocol.InstRead, id)
	}
	var txErr error
	err = c.Do(func(s *Session) error {
		p := protocol.Packet{ID: id, Instruction: protocol.InstRead, Params: params}
		if res := s.TxPacket(p); res != protocol.CommSuccess {
			txErr = c.commError(p, res)
			return nil
		}
		s.SetPacketTimeout(c.version.StatusLen(length))
		return nil
	})
	if err != nil {
		return err
	}
	return txErr
}

// ReadRx collects the reply to an earlier ReadTx.
func (c *Client) ReadRx(id byte, length int) (Result, error) {
	var r Result
	err := c.Do(func(s *Session) error {
		r = s.ReadRx(id)
		return nil
	})
	if err != nil {
		return Result{ID: id, Comm: protocol.CommPortBusy, version: c.version}, err
	}
	if r.OK() && len(r.Data) < length {
		r.Comm, r.Data = protocol.CommRxCorrupt, nil
	}
	return r, c.commError(protocol.Packet{ID: id, Instruction: protocol.InstRead}, r.Comm)
}

// Write writes data at addr on id and waits for the acknowledgement. Writes
// to the broadcast ID return as soon as they are sent.
func (c *Client) Write(id byte, addr int, data []byte) (Result, error) {
	if reserved(id) {
		return c.rejected(protocol.InstWrite, id)
	}
	params, err := c.writeParams(addr, data)
	if err != nil {
		return Result{ID: id, Comm: protocol.CommTxError, version: c.version}, c.invalid(protocol.InstWrite, id, err)
	}
	return c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstWrite, Params: params}, 0)
}

// WriteTxOnly writes data at addr on id without waiting for the acknowledgement.
func (c *Client) WriteTxOnly(id byte, addr int, data []byte) error {
	if reserved(id) {
		return c.notAvailable(protocol.InstWrite, id)
	}
	params, err := c.writeParams(addr, data)
	if err != nil {
		return c.invalid(protocol.InstWrite, id, err)
	}
	return c.transmit(protocol.Packet{ID: id, Instruction: protocol.InstWrite, Params: params})
}

func (c *Client) Write1(id byte, addr int, v uint8) (Result, error) {
	return c.Write(id, addr, []byte{v})
}

func (c *Client) Write2(id byte, addr int, v uint16) (Result, error) {
	return c.Write(id, addr, binary.LittleEndian.AppendUint16(nil, v))
}

func (c *Client) Write4(id byte, addr int, v uint32) (Result, error) {
	return c.Write(id, addr, binary.LittleEndian.AppendUint32(nil, v))
}

// RegWrite stages a write that takes effect on the next Action.
func (c *Client) RegWrite(id byte, addr int, data []byte) (Result, error) {
	if reserved(id) {
		return c.rejected(protocol.InstRegWrite, id)
	}
	params, err := c.writeParams(addr, data)
	if err != nil {
		return Result{ID: id, Comm: protocol.CommTxError, version: c.version}, c.invalid(protocol.InstRegWrite, id, err)
	}
	return c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstRegWrite, Params: params}, 0)
}

func (c *Client) RegWriteTxOnly(id byte, addr int, data []byte) error {
	if reserved(id) {
		return c.notAvailable(protocol.InstRegWrite, id)
	}
	params, err := c.writeParams(addr, data)
	if err != nil {
		return c.invalid(protocol.InstRegWrite, id, err)
	}
	return c.transmit(protocol.Packet{ID: id, Instruction: protocol.InstRegWrite, Params: params})
}

// Action applies staged writes. It never waits for a reply.
func (c *Client) Action(id byte) error {
	if reserved(id) {
		return c.notAvailable(protocol.InstAction, id)
	}
	return c.transmit(protocol.Packet{ID: id, Instruction: protocol.InstAction})
}

// Reboot restarts id. Protocol 2.0 only.
func (c *Client) Reboot(id byte) (Result, error) {
	if c.version != protocol.V2 || reserved(id) {
		return c.rejected(protocol.InstReboot, id)
	}
	return c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstReboot}, 0)
}

// FactoryReset restores the control table of id. Protocol 1.0 ignores mode
// and always resets everything. The device may come back at its factory baud
// rate; reopening the port at that rate is up to the caller.
func (c *Client) FactoryReset(id byte, mode protocol.FactoryResetMode) (Result, error) {
	if reserved(id) {
		return c.rejected(protocol.InstFactoryReset, id)
	}
	p := protocol.Packet{ID: id, Instruction: protocol.InstFactoryReset}
	if c.version == protocol.V2 {
		p.Params = []byte{byte(mode)}
	}
	return c.exchange(p, 0)
}

// ClearMultiTurn resets the multi-turn position of id. Protocol 2.0 only.
func (c *Client) ClearMultiTurn(id byte) (Result, error) {
	if c.version != protocol.V2 || reserved(id) {
		return c.rejected(protocol.InstClear, id)
	}
	return c.exchange(protocol.Packet{ID: id, Instruction: protocol.InstClear, Params: protocol.ClearMultiTurnParams()}, 0)
}
