package group

import (
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/serialport"
	"github.com/KevinKickass/OpenServoCore/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, v protocol.Version) (*dynamixel.Client, *simulator.Bus) {
	t.Helper()
	bus := simulator.NewBus(v)
	port, err := serialport.Open("/dev/sim0",
		serialport.WithOpener(bus.Opener()),
		serialport.WithBaudRate(1000000),
		serialport.WithLatencyTimer(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })

	c, err := dynamixel.New(port, v, zap.NewNop())
	require.NoError(t, err)
	return c, bus
}

func lastSent(t *testing.T, bus *simulator.Bus) protocol.Packet {
	t.Helper()
	sent := bus.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func TestSyncWrite(t *testing.T) {
	tests := []struct {
		name   string
		v      protocol.Version
		addr   int
		params []byte
	}{
		{"v1", protocol.V1, 30, []byte{30, 2, 1, 0x00, 0x02, 2, 0xFF, 0x03}},
		{"v2", protocol.V2, 116, []byte{116, 0, 2, 0, 1, 0x00, 0x02, 2, 0xFF, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bus := newTestClient(t, tt.v)
			d1 := bus.AddDevice(1, 1)
			d2 := bus.AddDevice(2, 1)

			g := NewSyncWrite(c, tt.addr, 2)
			require.NoError(t, g.AddParam(1, []byte{0x00, 0x02}))
			require.NoError(t, g.AddParam(2, []byte{0xFF, 0x03}))
			require.NoError(t, g.TxPacket())

			sent := lastSent(t, bus)
			assert.Equal(t, protocol.BroadcastID, sent.ID)
			assert.Equal(t, protocol.InstSyncWrite, sent.Instruction)
			assert.Equal(t, tt.params, sent.Params)

			assert.Equal(t, []byte{0x00, 0x02}, d1.Peek(tt.addr, 2))
			assert.Equal(t, []byte{0xFF, 0x03}, d2.Peek(tt.addr, 2))
		})
	}
}

func TestSyncWriteParamRules(t *testing.T) {
	c, _ := newTestClient(t, protocol.V2)
	g := NewSyncWrite(c, 116, 4)

	assert.ErrorIs(t, g.AddParam(1, []byte{1, 2}), ErrLengthMismatch)
	assert.ErrorIs(t, g.AddParam(protocol.BroadcastID, []byte{0, 0, 0, 0}), ErrInvalidID)
	assert.ErrorIs(t, g.AddParam(protocol.NotUsedID, []byte{0, 0, 0, 0}), ErrInvalidID)

	require.NoError(t, g.AddParam(1, []byte{0, 0, 0, 0}))
	assert.ErrorIs(t, g.AddParam(1, []byte{1, 0, 0, 0}), ErrDuplicateID)
	assert.NoError(t, g.ChangeParam(1, []byte{1, 0, 0, 0}))
	assert.ErrorIs(t, g.ChangeParam(9, []byte{1, 0, 0, 0}), ErrUnknownID)

	g.RemoveParam(1)
	assert.Equal(t, 0, g.Len())
	assert.ErrorIs(t, g.TxPacket(), protocol.CommNotAvailable)
}

func TestBulkWrite(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	d1 := bus.AddDevice(1, 1060)
	d2 := bus.AddDevice(2, 1060)

	g := NewBulkWrite(c)
	require.NoError(t, g.AddParam(1, 64, []byte{1}))
	require.NoError(t, g.AddParam(2, 116, []byte{0x00, 0x08, 0x00, 0x00}))
	require.NoError(t, g.ChangeParam(1, 65, []byte{1}))
	require.NoError(t, g.TxPacket())

	sent := lastSent(t, bus)
	assert.Equal(t, protocol.InstBulkWrite, sent.Instruction)
	assert.Equal(t, []byte{
		1, 65, 0, 1, 0, 1,
		2, 116, 0, 4, 0, 0x00, 0x08, 0x00, 0x00,
	}, sent.Params)
	assert.Equal(t, []byte{0, 1}, d1.Peek(64, 2))
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, d2.Peek(116, 4))
}

func TestBulkWriteRequiresProtocolTwo(t *testing.T) {
	c, _ := newTestClient(t, protocol.V1)
	g := NewBulkWrite(c)
	assert.ErrorIs(t, g.AddParam(1, 30, []byte{1}), ErrNotSupported)
	assert.ErrorIs(t, g.TxPacket(), protocol.CommNotAvailable)
}

func TestSyncRead(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).Poke(132, []byte{0x00, 0x00, 0x01, 0x00})
	d2 := bus.AddDevice(2, 1060)
	d2.Poke(132, []byte{0x10, 0x00, 0x00, 0x00})
	d2.SetErrorByte(protocol.ErrBitAlert)

	g := NewSyncRead(c, 132, 4)
	require.NoError(t, g.AddParam(2))
	require.NoError(t, g.AddParam(1))
	require.NoError(t, g.TxRxPacket())

	sent := lastSent(t, bus)
	assert.Equal(t, []byte{132, 0, 4, 0, 2, 1}, sent.Params)

	v, err := g.GetData(1, 132, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), v)

	v, err = g.GetData(2, 134, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	b, err := g.Bytes(2, 132, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10}, b)

	e, err := g.GetError(2)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrBitAlert, e)

	assert.False(t, g.IsAvailable(1, 130, 4))
	assert.False(t, g.IsAvailable(1, 134, 4))
	assert.False(t, g.IsAvailable(3, 132, 4))
}

func TestSyncReadSplitTxRx(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).Poke(146, []byte{41})

	g := NewSyncRead(c, 146, 1)
	require.NoError(t, g.AddParam(1))
	require.NoError(t, g.TxPacket())
	assert.False(t, g.IsAvailable(1, 146, 1))
	require.NoError(t, g.RxPacket())

	v, err := g.GetData(1, 146, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), v)
}

func TestGetDataBeforeReceive(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)

	g := NewSyncRead(c, 132, 4)
	require.NoError(t, g.AddParam(1))

	_, err := g.GetData(1, 132, 4)
	assert.ErrorIs(t, err, ErrDataNotAvailable)
	_, err = g.GetError(1)
	assert.ErrorIs(t, err, ErrDataNotAvailable)

	_, err = g.GetData(7, 132, 4)
	assert.ErrorIs(t, err, ErrDataNotAvailable)
}

func TestFailedReceiveHidesOldData(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)
	d2 := bus.AddDevice(2, 1060)

	g := NewSyncRead(c, 132, 4)
	require.NoError(t, g.AddParam(1))
	require.NoError(t, g.AddParam(2))
	require.NoError(t, g.TxRxPacket())
	require.True(t, g.IsAvailable(2, 132, 4))

	d2.SetSilent(true)
	err := g.TxRxPacket()
	assert.ErrorIs(t, err, protocol.CommRxTimeout)

	_, err = g.GetData(1, 132, 4)
	assert.ErrorIs(t, err, ErrDataNotAvailable)
}

func TestClearParamMatchesFreshGroup(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)

	used := NewSyncRead(c, 132, 4)
	require.NoError(t, used.AddParam(1))
	require.NoError(t, used.TxRxPacket())
	used.ClearParam()

	fresh := NewSyncRead(c, 132, 4)

	for name, g := range map[string]*SyncRead{"cleared": used, "fresh": fresh} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 0, g.Len())
			assert.False(t, g.IsAvailable(1, 132, 4))
			_, err := g.GetData(1, 132, 4)
			assert.ErrorIs(t, err, ErrDataNotAvailable)
			assert.ErrorIs(t, g.TxRxPacket(), protocol.CommNotAvailable)

			require.NoError(t, g.AddParam(1))
			require.NoError(t, g.TxRxPacket())
			assert.True(t, g.IsAvailable(1, 132, 4))
			g.ClearParam()
		})
	}
}

func TestSyncReadRequiresProtocolTwo(t *testing.T) {
	c, _ := newTestClient(t, protocol.V1)
	g := NewSyncRead(c, 36, 2)
	assert.ErrorIs(t, g.AddParam(1), ErrNotSupported)
	assert.ErrorIs(t, g.TxRxPacket(), protocol.CommNotAvailable)
}

func TestBulkRead(t *testing.T) {
	tests := []struct {
		name   string
		v      protocol.Version
		params []byte
	}{
		{"v1", protocol.V1, []byte{0x00, 2, 1, 36, 1, 2, 43}},
		{"v2", protocol.V2, []byte{1, 36, 0, 2, 0, 2, 43, 0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bus := newTestClient(t, tt.v)
			bus.AddDevice(1, 12).Poke(36, []byte{0x10, 0x02})
			bus.AddDevice(2, 12).Poke(43, []byte{40})

			g := NewBulkRead(c)
			require.NoError(t, g.AddParam(1, 36, 2))
			require.NoError(t, g.AddParam(2, 43, 1))
			assert.ErrorIs(t, g.AddParam(2, 36, 2), ErrDuplicateID)
			require.NoError(t, g.TxRxPacket())

			assert.Equal(t, tt.params, lastSent(t, bus).Params)

			v, err := g.GetData(1, 36, 2)
			require.NoError(t, err)
			assert.Equal(t, uint32(0x0210), v)
			v, err = g.GetData(2, 43, 1)
			require.NoError(t, err)
			assert.Equal(t, uint32(40), v)

			g.RemoveParam(2)
			assert.False(t, g.IsAvailable(2, 43, 1))
			assert.True(t, g.IsAvailable(1, 36, 2))
		})
	}
}

func TestBulkReadRejectsOutOfRange(t *testing.T) {
	c, _ := newTestClient(t, protocol.V1)
	g := NewBulkRead(c)
	assert.ErrorIs(t, g.AddParam(1, 300, 2), ErrInvalidAddress)
	assert.ErrorIs(t, g.AddParam(1, 36, 0), ErrInvalidAddress)
}

func TestFastSyncRead(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).Poke(132, []byte{1, 0, 0, 0})
	d2 := bus.AddDevice(2, 1060)
	d2.Poke(132, []byte{0, 0, 1, 0})
	d2.SetErrorByte(protocol.ErrNumDataRange)
	bus.AddDevice(3, 1060).Poke(132, []byte{3, 0, 0, 0})

	g := NewFastSyncRead(c, 132, 4)
	for _, id := range []byte{1, 2, 3} {
		require.NoError(t, g.AddParam(id))
	}
	require.NoError(t, g.TxRxPacket())
	assert.Equal(t, protocol.InstFastSyncRead, lastSent(t, bus).Instruction)

	for id, want := range map[byte]uint32{1: 1, 2: 65536, 3: 3} {
		v, err := g.GetData(id, 132, 4)
		require.NoError(t, err)
		assert.Equal(t, want, v, "id %d", id)
	}
	e, err := g.GetError(2)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrNumDataRange, e)
}

func TestFastSyncReadMissingDevice(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)

	g := NewFastSyncRead(c, 132, 4)
	require.NoError(t, g.AddParam(1))
	require.NoError(t, g.AddParam(2))
	assert.ErrorIs(t, g.TxRxPacket(), protocol.CommRxTimeout)
	assert.False(t, g.IsAvailable(1, 132, 4))
}

func TestFastBulkRead(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).Poke(132, []byte{0, 0, 1, 0})
	bus.AddDevice(2, 1060).Poke(146, []byte{37})

	g := NewFastBulkRead(c)
	require.NoError(t, g.AddParam(1, 132, 4))
	require.NoError(t, g.AddParam(2, 146, 1))
	require.NoError(t, g.TxRxPacket())

	sent := lastSent(t, bus)
	assert.Equal(t, protocol.InstFastBulkRead, sent.Instruction)
	assert.Equal(t, []byte{1, 132, 0, 4, 0, 2, 146, 0, 1, 0}, sent.Params)

	v, err := g.GetData(1, 132, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), v)
	v, err = g.GetData(2, 146, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(37), v)
}

func TestFastBulkReadRequiresProtocolTwo(t *testing.T) {
	c, _ := newTestClient(t, protocol.V1)
	assert.ErrorIs(t, NewFastBulkRead(c).AddParam(1, 36, 2), ErrNotSupported)
}
