package protocol

import (
	"fmt"
	"strings"
)

// Version selects the wire format. The set is closed: every encode/decode
// path switches on it instead of dispatching through an interface.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

// ParseVersion accepts "1", "1.0", "2" and "2.0".
func ParseVersion(s string) (Version, error) {
	switch strings.TrimSpace(s) {
	case "1", "1.0":
		return V1, nil
	case "2", "2.0":
		return V2, nil
	default:
		return 0, fmt.Errorf("unknown protocol version %q", s)
	}
}

func (v Version) Valid() bool {
	return v == V1 || v == V2
}

func (v Version) String() string {
	switch v {
	case V1:
		return "1.0"
	case V2:
		return "2.0"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// MaxPacketLen is the largest frame either side may put on the wire.
func (v Version) MaxPacketLen() int {
	if v == V2 {
		return 1024
	}
	return 250
}

// StatusLen returns the size of a status frame carrying n parameter bytes.
// The dispatcher feeds it into the packet timeout.
func (v Version) StatusLen(n int) int {
	if v == V2 {
		return 11 + n
	}
	return 6 + n
}

func (v Version) header() []byte {
	if v == V2 {
		return []byte{0xFF, 0xFF, 0xFD, 0x00}
	}
	return []byte{0xFF, 0xFF}
}
