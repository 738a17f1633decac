// Package group batches per-device parameters into single broadcast
// instructions (sync/bulk write) and demultiplexes the replies of sync/bulk
// reads. An aggregator belongs to one dynamixel.Client and must not be
// shared across ports.
package group

import (
	"errors"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
)

var (
	ErrInvalidID        = errors.New("invalid device id")
	ErrDuplicateID      = errors.New("device id already in group")
	ErrUnknownID        = errors.New("device id not in group")
	ErrLengthMismatch   = errors.New("data length does not match")
	ErrInvalidAddress   = errors.New("address or length out of range")
	ErrDataNotAvailable = errors.New("data not available")
	ErrNotSupported     = errors.New("not supported by protocol version")
)

// table keeps per-ID records in insertion order.
type table[T any] struct {
	ids   []byte
	items map[byte]T
}

func newTable[T any]() table[T] {
	return table[T]{items: make(map[byte]T)}
}

func (t *table[T]) add(id byte, v T) error {
	if id > protocol.MaxID {
		return ErrInvalidID
	}
	if _, ok := t.items[id]; ok {
		return ErrDuplicateID
	}
	t.ids = append(t.ids, id)
	t.items[id] = v
	return nil
}

func (t *table[T]) change(id byte, v T) error {
	if _, ok := t.items[id]; !ok {
		return ErrUnknownID
	}
	t.items[id] = v
	return nil
}

func (t *table[T]) get(id byte) (T, bool) {
	v, ok := t.items[id]
	return v, ok
}

func (t *table[T]) remove(id byte) {
	if _, ok := t.items[id]; !ok {
		return
	}
	delete(t.items, id)
	for i, existing := range t.ids {
		if existing == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			break
		}
	}
}

func (t *table[T]) clear() {
	t.ids = nil
	t.items = make(map[byte]T)
}

func (t *table[T]) len() int {
	return len(t.ids)
}
