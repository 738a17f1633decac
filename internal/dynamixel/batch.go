package dynamixel

import (
	"encoding/binary"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

// Broadcast instructions used by the group aggregators. The Session variants
// leave the port held so the caller can collect replies in the same exchange.

func (s *Session) addrLenPrefix(addr, length int) ([]byte, bool) {
	if s.c.version == protocol.V1 {
		if addr < 0 || addr > 0xFF || length < 0 || length > 0xFF {
			return nil, false
		}
		return []byte{byte(addr), byte(length)}, true
	}
	if addr < 0 || addr > 0xFFFF || length < 0 || length > 0xFFFF {
		return nil, false
	}
	prefix := binary.LittleEndian.AppendUint16(nil, uint16(addr))
	return binary.LittleEndian.AppendUint16(prefix, uint16(length)), true
}

// SyncWriteTxOnly writes length bytes at addr on every device in params,
// which holds (ID, data...) records.
func (s *Session) SyncWriteTxOnly(addr, length int, params []byte) protocol.CommResult {
	prefix, ok := s.addrLenPrefix(addr, length)
	if !ok {
		return protocol.CommTxError
	}
	return s.TxPacket(protocol.Packet{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstSyncWrite,
		Params:      append(prefix, params...),
	})
}

// BulkWriteTxOnly sends (ID, ADDR_L, ADDR_H, LEN_L, LEN_H, data...) records.
// Protocol 2.0 only.
func (s *Session) BulkWriteTxOnly(params []byte) protocol.CommResult {
	if s.c.version != protocol.V2 {
		return protocol.CommNotAvailable
	}
	return s.TxPacket(protocol.Packet{
		ID:          protocol.BroadcastID,
		Instruction: protocol.InstBulkWrite,
		Params:      params,
	})
}

// SyncReadTx asks every device in ids for length bytes at addr. Protocol 2.0 only.
func (s *Session) SyncReadTx(addr, length int, ids []byte) protocol.CommResult {
	return s.syncRead(protocol.InstSyncRead, addr, length, ids)
}

// FastSyncReadTx is SyncReadTx answered by one combined status packet.
func (s *Session) FastSyncReadTx(addr, length int, ids []byte) protocol.CommResult {
	return s.syncRead(protocol.InstFastSyncRead, addr, length, ids)
}

func (s *Session) syncRead(inst protocol.Instruction, addr, length int, ids []byte) protocol.CommResult {
	if s.c.version != protocol.V2 {
		return protocol.CommNotAvailable
	}
	prefix, ok := s.addrLenPrefix(addr, length)
	if !ok {
		return protocol.CommTxError
	}
	res := s.TxPacket(protocol.Packet{
		ID:          protocol.BroadcastID,
		Instruction: inst,
		Params:      append(prefix, ids...),
	})
	if res == protocol.CommSuccess {
		s.SetPacketTimeout((protocol.V2.StatusLen(0) + length) * len(ids))
	}
	return res
}

// BulkReadTx asks several devices for their own address ranges. Records are
// (LEN, ID, ADDR) on protocol 1.0 and (ID, ADDR_L, ADDR_H, LEN_L, LEN_H) on 2.0.
func (s *Session) BulkReadTx(params []byte) protocol.CommResult {
	return s.bulkRead(protocol.InstBulkRead, params)
}

// FastBulkReadTx is BulkReadTx answered by one combined status packet.
// Protocol 2.0 only.
func (s *Session) FastBulkReadTx(params []byte) protocol.CommResult {
	if s.c.version != protocol.V2 {
		return protocol.CommNotAvailable
	}
	return s.bulkRead(protocol.InstFastBulkRead, params)
}

func (s *Session) bulkRead(inst protocol.Instruction, params []byte) protocol.CommResult {
	var (
		wire []byte
		wait int
	)
	if s.c.version == protocol.V1 {
		wire = append([]byte{0x00}, params...)
		for i := 0; i+2 < len(params); i += 3 {
			wait += int(params[i]) + 7
		}
	} else {
		wire = params
		for i := 0; i+4 < len(params); i += 5 {
			wait += int(binary.LittleEndian.Uint16(params[i+3:i+5])) + protocol.V2.StatusLen(0)
		}
	}

	res := s.TxPacket(protocol.Packet{ID: protocol.BroadcastID, Instruction: inst, Params: wire})
	if res == protocol.CommSuccess {
		s.SetPacketTimeout(wait)
	}
	return res
}
