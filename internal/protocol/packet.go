package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrIncomplete       = errors.New("incomplete packet")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCorrupted        = errors.New("corrupted packet")
	ErrInvalidID        = errors.New("invalid device id")
	ErrPacketTooLong    = errors.New("packet exceeds maximum length")
	ErrInvalidVersion   = errors.New("invalid protocol version")
)

// Packet is an instruction packet before framing.
type Packet struct {
	ID          byte
	Instruction Instruction
	Params      []byte
}

// Status is a decoded status packet. Params excludes the error byte.
type Status struct {
	ID     byte
	Error  byte
	Params []byte
}

// Encode frames an instruction packet for the given version.
//
//	v1: FF FF ID LEN INSTR PARAMS CHK            LEN = len(PARAMS)+2
//	v2: FF FF FD 00 ID LEN_L LEN_H INSTR PARAMS CRC_L CRC_H
//	    PARAMS stuffed, LEN = len(stuffed PARAMS)+3, CRC over header..PARAMS
func Encode(v Version, p Packet) ([]byte, error) {
	if p.ID == NotUsedID {
		return nil, fmt.Errorf("encode %s: %w", p.Instruction, ErrInvalidID)
	}
	return encodeFrame(v, p.ID, byte(p.Instruction), p.Params)
}

// EncodeStatus frames a status packet. Devices produce these; the simulator
// and tests need them too.
func EncodeStatus(v Version, s Status) ([]byte, error) {
	if v == V1 {
		return encodeFrame(v, s.ID, s.Error, s.Params)
	}
	params := make([]byte, 0, len(s.Params)+1)
	params = append(params, s.Error)
	params = append(params, s.Params...)
	return encodeFrame(v, s.ID, byte(InstStatus), params)
}

func encodeFrame(v Version, id, code byte, params []byte) ([]byte, error) {
	switch v {
	case V1:
		n := len(params) + 6
		if n > v.MaxPacketLen() {
			return nil, fmt.Errorf("%d bytes: %w", n, ErrPacketTooLong)
		}
		pkt := make([]byte, 0, n)
		pkt = append(pkt, 0xFF, 0xFF, id, byte(len(params)+2), code)
		pkt = append(pkt, params...)
		return append(pkt, Checksum(pkt[2:])), nil

	case V2:
		body := addStuffing(append([]byte{code}, params...))
		n := 7 + len(body) + 2
		if n > v.MaxPacketLen() {
			return nil, fmt.Errorf("%d bytes: %w", n, ErrPacketTooLong)
		}
		pkt := make([]byte, 7, n)
		copy(pkt, v.header())
		pkt[4] = id
		binary.LittleEndian.PutUint16(pkt[5:7], uint16(len(body)+2))
		pkt = append(pkt, body...)
		return binary.LittleEndian.AppendUint16(pkt, UpdateCRC(0, pkt)), nil

	default:
		return nil, ErrInvalidVersion
	}
}

// Decode parses the first status packet in buf.
//
// The returned count is how many bytes of buf the caller may discard:
//   - on success, everything up to the end of the packet;
//   - on ErrIncomplete, any garbage in front of the first (possibly partial) header;
//   - on ErrCorrupted, the garbage plus the first header byte, so the next call resynchronizes;
//   - on ErrChecksumMismatch, the garbage plus the whole damaged packet.
func Decode(v Version, buf []byte) (Status, int, error) {
	f, n, err := decodeFrame(v, buf, func(code byte) bool {
		if v == V1 {
			return code <= 0x7F
		}
		return code == byte(InstStatus)
	})
	if err != nil {
		return Status{}, n, err
	}

	if v == V1 {
		return Status{ID: f.id, Error: f.code, Params: f.params}, n, nil
	}
	if len(f.params) < 1 {
		return Status{}, n, fmt.Errorf("status without error byte: %w", ErrCorrupted)
	}
	return Status{ID: f.id, Error: f.params[0], Params: f.params[1:]}, n, nil
}

// DecodeInstruction parses the first instruction packet in buf with the same
// count semantics as Decode.
func DecodeInstruction(v Version, buf []byte) (Packet, int, error) {
	f, n, err := decodeFrame(v, buf, func(code byte) bool {
		return v == V1 || code != byte(InstStatus)
	})
	if err != nil {
		return Packet{}, n, err
	}
	return Packet{ID: f.id, Instruction: Instruction(f.code), Params: f.params}, n, nil
}

type frame struct {
	id     byte
	code   byte
	params []byte
}

func decodeFrame(v Version, buf []byte, accept func(code byte) bool) (frame, int, error) {
	if !v.Valid() {
		return frame{}, 0, ErrInvalidVersion
	}

	header := v.header()
	if v == V2 {
		// The reserved byte is validated below, so search on FF FF FD only.
		header = header[:3]
	}

	idx := bytes.Index(buf, header)
	if idx < 0 {
		return frame{}, len(buf) - partialSuffix(buf, header), ErrIncomplete
	}
	f := buf[idx:]

	var (
		idAt   int
		codeAt int
		total  int
	)
	if v == V1 {
		// FF FF ID LEN CODE
		if len(f) < 5 {
			return frame{}, idx, ErrIncomplete
		}
		length := int(f[3])
		if f[2] > BroadcastID || length < 2 || length+4 > v.MaxPacketLen() {
			return frame{}, idx + 1, ErrCorrupted
		}
		idAt, codeAt, total = 2, 4, length+4
	} else {
		// FF FF FD 00 ID LEN_L LEN_H CODE
		if len(f) < 8 {
			return frame{}, idx, ErrIncomplete
		}
		length := int(binary.LittleEndian.Uint16(f[5:7]))
		if f[3] != 0x00 || f[4] > BroadcastID || length < 3 || length+7 > v.MaxPacketLen() {
			return frame{}, idx + 1, ErrCorrupted
		}
		idAt, codeAt, total = 4, 7, length+7
	}

	if !accept(f[codeAt]) {
		return frame{}, idx + 1, ErrCorrupted
	}
	if len(f) < total {
		return frame{}, idx, ErrIncomplete
	}
	f = f[:total]

	var params []byte
	if v == V1 {
		if Checksum(f[2:total-1]) != f[total-1] {
			return frame{}, idx + total, ErrChecksumMismatch
		}
		params = append([]byte(nil), f[5:total-1]...)
	} else {
		if UpdateCRC(0, f[:total-2]) != binary.LittleEndian.Uint16(f[total-2:]) {
			return frame{}, idx + total, ErrChecksumMismatch
		}
		params = removeStuffing(f[codeAt : total-2])[1:]
	}

	return frame{id: f[idAt], code: f[codeAt], params: params}, idx + total, nil
}

// partialSuffix returns the length of the longest tail of buf that is a
// proper prefix of header.
func partialSuffix(buf, header []byte) int {
	for n := len(header) - 1; n > 0; n-- {
		if len(buf) >= n && bytes.Equal(buf[len(buf)-n:], header[:n]) {
			return n
		}
	}
	return 0
}
