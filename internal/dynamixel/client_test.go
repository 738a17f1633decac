package dynamixel

import (
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/serialport"
	"github.com/KevinKickass/OpenServoCore/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, v protocol.Version, opts ...Option) (*Client, *simulator.Bus) {
	t.Helper()
	bus := simulator.NewBus(v)
	port, err := serialport.Open("/dev/sim0",
		serialport.WithOpener(bus.Opener()),
		serialport.WithBaudRate(1000000),
		serialport.WithLatencyTimer(time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })

	client, err := New(port, v, zap.NewNop(), append([]Option{WithName("test")}, opts...)...)
	require.NoError(t, err)
	return client, bus
}

func TestReadDecodesLittleEndianPayload(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).Poke(132, []byte{0x00, 0x00, 0x01, 0x00})

	r, err := c.Read(1, 132, 4)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommSuccess, r.Comm)
	assert.Equal(t, byte(0), r.Error)
	assert.Equal(t, uint32(65536), r.Uint32())

	sent := bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.InstRead, sent[0].Instruction)
	assert.Equal(t, []byte{132, 0, 4, 0}, sent[0].Params)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		version protocol.Version
		addr    int
		data    []byte
	}{
		{"v1 single byte", protocol.V1, 25, []byte{1}},
		{"v1 word", protocol.V1, 30, []byte{0x00, 0x02}},
		{"v2 goal position", protocol.V2, 116, []byte{0x00, 0x08, 0x00, 0x00}},
		{"v2 stuffing pattern", protocol.V2, 200, []byte{0xFF, 0xFF, 0xFD, 0x01}},
		{"v2 high address", protocol.V2, 600, []byte{0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bus := newTestClient(t, tt.version)
			bus.AddDevice(7, 1)

			_, err := c.Write(7, tt.addr, tt.data)
			require.NoError(t, err)

			r, err := c.Read(7, tt.addr, len(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.data, r.Data)
		})
	}
}

func TestSizedWrites(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	d := bus.AddDevice(1, 1060)

	_, err := c.Write1(1, 64, 1)
	require.NoError(t, err)
	_, err = c.Write2(1, 84, 850)
	require.NoError(t, err)
	_, err = c.Write4(1, 116, 2048)
	require.NoError(t, err)

	assert.Equal(t, []byte{1}, d.Peek(64, 1))
	assert.Equal(t, []byte{0x52, 0x03}, d.Peek(84, 2))
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, d.Peek(116, 4))
}

func TestPing(t *testing.T) {
	t.Run("v2 reports model and firmware", func(t *testing.T) {
		c, bus := newTestClient(t, protocol.V2)
		bus.AddDevice(1, 0x0406).SetFirmware(0x26)

		d, err := c.Ping(1)
		require.NoError(t, err)
		assert.Equal(t, Device{ID: 1, ModelNumber: 0x0406, Firmware: 0x26}, d)
	})

	t.Run("v1 reads model from control table", func(t *testing.T) {
		c, bus := newTestClient(t, protocol.V1)
		bus.AddDevice(4, 12)

		d, err := c.Ping(4)
		require.NoError(t, err)
		assert.Equal(t, uint16(12), d.ModelNumber)

		sent := bus.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, protocol.InstPing, sent[0].Instruction)
		assert.Equal(t, protocol.InstRead, sent[1].Instruction)
	})

	t.Run("broadcast id is rejected", func(t *testing.T) {
		c, _ := newTestClient(t, protocol.V2)
		_, err := c.Ping(protocol.BroadcastID)
		assert.ErrorIs(t, err, protocol.CommNotAvailable)
	})
}

func TestTimeoutIsReportedNotRetried(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)

	start := time.Now()
	_, err := c.Ping(9)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.CommRxTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, bus.Sent(), 1)
}

func TestCorruptReply(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).SetCorrupt(true)

	r, err := c.Read(1, 132, 4)
	assert.ErrorIs(t, err, protocol.CommRxCorrupt)
	assert.Equal(t, protocol.CommRxCorrupt, r.Comm)
	assert.Nil(t, r.Data)
	assert.Len(t, bus.Sent(), 1)
}

func TestDeviceErrorIsAdvisory(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060).SetErrorByte(protocol.ErrBitAlert | protocol.ErrNumDataRange)

	r, err := c.Write1(1, 64, 1)
	require.NoError(t, err)
	assert.True(t, r.OK())

	var devErr *DeviceError
	require.True(t, errors.As(r.DeviceError(), &devErr))
	assert.Equal(t, byte(1), devErr.ID)
	assert.Contains(t, devErr.Error(), "data value is out of range")
}

func TestBroadcastPing(t *testing.T) {
	ids := []byte{1, 3, 5, 8}
	orders := map[string]func([]byte) []byte{
		"ascending": func(in []byte) []byte { return in },
		"descending": func(in []byte) []byte {
			out := make([]byte, len(in))
			for i, id := range in {
				out[len(in)-1-i] = id
			}
			return out
		},
		"interleaved": func(in []byte) []byte { return []byte{5, 1, 8, 3} },
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			c, bus := newTestClient(t, protocol.V2)
			for _, id := range ids {
				bus.AddDevice(id, 1060)
			}
			bus.SetPingOrder(order)
			bus.SetDuplicatePings(true)

			found, err := c.BroadcastPing()
			require.NoError(t, err)

			got := make([]byte, 0, len(found))
			for _, d := range found {
				got = append(got, d.ID)
				assert.Equal(t, uint16(1060), d.ModelNumber)
			}
			assert.Equal(t, ids, got)
		})
	}
}

func TestBroadcastPingEmptyBus(t *testing.T) {
	c, _ := newTestClient(t, protocol.V2)
	found, err := c.BroadcastPing()
	assert.ErrorIs(t, err, protocol.CommRxTimeout)
	assert.Empty(t, found)
}

func TestScan(t *testing.T) {
	c, bus := newTestClient(t, protocol.V1)
	bus.AddDevice(2, 12)
	bus.AddDevice(4, 18)

	found, err := c.Scan(1, 5)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, byte(2), found[0].ID)
	assert.Equal(t, uint16(18), found[1].ModelNumber)
}

func TestProtocolOneLimits(t *testing.T) {
	c, _ := newTestClient(t, protocol.V1)

	_, err := c.BroadcastPing()
	assert.ErrorIs(t, err, protocol.CommNotAvailable)

	r, err := c.Reboot(1)
	assert.ErrorIs(t, err, protocol.CommNotAvailable)
	assert.Equal(t, protocol.CommNotAvailable, r.Comm)

	_, err = c.ClearMultiTurn(1)
	assert.ErrorIs(t, err, protocol.CommNotAvailable)

	r, err = c.Read(1, 300, 1)
	assert.ErrorIs(t, err, protocol.CommTxError)
	assert.Equal(t, protocol.CommTxError, r.Comm)
}

func TestRebootAndClearMultiTurn(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	d := bus.AddDevice(1, 1060)

	_, err := c.Reboot(1)
	require.NoError(t, err)
	_, err = c.ClearMultiTurn(1)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Reboots())
	assert.Equal(t, 1, d.MultiTurnClears())
}

func TestFactoryReset(t *testing.T) {
	t.Run("v2 sends the mode", func(t *testing.T) {
		c, bus := newTestClient(t, protocol.V2)
		bus.AddDevice(3, 1060)

		_, err := c.FactoryReset(3, protocol.ResetExceptID)
		require.NoError(t, err)
		sent := bus.Sent()
		assert.Equal(t, []byte{0x01}, sent[len(sent)-1].Params)
	})

	t.Run("v1 has no mode", func(t *testing.T) {
		c, bus := newTestClient(t, protocol.V1)
		bus.AddDevice(3, 12)

		_, err := c.FactoryReset(3, protocol.ResetExceptID)
		require.NoError(t, err)
		sent := bus.Sent()
		assert.Empty(t, sent[len(sent)-1].Params)
	})

	t.Run("device falls back to factory baud", func(t *testing.T) {
		c, bus := newTestClient(t, protocol.V2)
		d := bus.AddDevice(3, 1060)

		_, err := c.FactoryReset(3, protocol.ResetAll)
		require.NoError(t, err)
		assert.Equal(t, simulator.FactoryBaudRate, d.BaudRate())

		_, err = c.Ping(1)
		assert.ErrorIs(t, err, protocol.CommRxTimeout)
	})
}

func TestReservedIDsNeverReachTheBus(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)

	for _, id := range []byte{0xFD, 0xFF} {
		tests := []struct {
			name string
			call func() (Result, error)
		}{
			{"read", func() (Result, error) { return c.Read(id, 132, 4) }},
			{"write", func() (Result, error) { return c.Write1(id, 64, 1) }},
			{"reg write", func() (Result, error) { return c.RegWrite(id, 116, []byte{0, 0, 0, 0}) }},
			{"reboot", func() (Result, error) { return c.Reboot(id) }},
			{"factory reset", func() (Result, error) { return c.FactoryReset(id, protocol.ResetAll) }},
			{"clear multi-turn", func() (Result, error) { return c.ClearMultiTurn(id) }},
		}
		for _, tt := range tests {
			r, err := tt.call()
			assert.ErrorIs(t, err, protocol.CommNotAvailable, "%s id %#x", tt.name, id)
			assert.Equal(t, protocol.CommNotAvailable, r.Comm, "%s id %#x", tt.name, id)
		}

		_, err := c.Ping(id)
		assert.ErrorIs(t, err, protocol.CommNotAvailable)
		assert.ErrorIs(t, c.WriteTxOnly(id, 64, []byte{1}), protocol.CommNotAvailable)
		assert.ErrorIs(t, c.RegWriteTxOnly(id, 64, []byte{1}), protocol.CommNotAvailable)
		assert.ErrorIs(t, c.Action(id), protocol.CommNotAvailable)
		assert.ErrorIs(t, c.ReadTx(id, 132, 4), protocol.CommNotAvailable)
	}
	assert.Empty(t, bus.Sent())

	_, err := c.Write1(protocol.BroadcastID, 64, 1)
	require.NoError(t, err)
	require.NoError(t, c.Action(protocol.BroadcastID))
	assert.Len(t, bus.Sent(), 2)
}

func TestRegWriteAction(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	d := bus.AddDevice(1, 1060)

	_, err := c.RegWrite(1, 116, []byte{0x00, 0x04, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, d.Peek(116, 4))

	require.NoError(t, c.Action(protocol.BroadcastID))
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00}, d.Peek(116, 4))
}

func TestBroadcastWriteDoesNotWait(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	d1 := bus.AddDevice(1, 1060)
	d2 := bus.AddDevice(2, 1060)

	r, err := c.Write1(protocol.BroadcastID, 64, 1)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, []byte{1}, d1.Peek(64, 1))
	assert.Equal(t, []byte{1}, d2.Peek(64, 1))
}

func TestReadTxThenRx(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(2, 1060).Poke(146, []byte{38})

	require.NoError(t, c.ReadTx(2, 146, 1))
	r, err := c.ReadRx(2, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(38), r.Uint8())
}

func TestFailFastReportsPortBusy(t *testing.T) {
	c, bus := newTestClient(t, protocol.V2)
	bus.AddDevice(1, 1060)

	busy, err := New(c.port, protocol.V2, zap.NewNop(), WithFailFast())
	require.NoError(t, err)

	_ = c.Do(func(s *Session) error {
		_, err := busy.Ping(1)
		assert.ErrorIs(t, err, protocol.CommPortBusy)
		return nil
	})

	_, err = busy.Ping(1)
	assert.NoError(t, err)
}

type recordingObserver struct {
	results []protocol.CommResult
}

func (o *recordingObserver) ObserveExchange(_ string, _ protocol.Instruction, res protocol.CommResult, _ time.Duration) {
	o.results = append(o.results, res)
}

func TestObserverSeesEveryExchange(t *testing.T) {
	obs := &recordingObserver{}
	c, bus := newTestClient(t, protocol.V2, WithObserver(obs))
	bus.AddDevice(1, 1060)

	_, _ = c.Ping(1)
	_, _ = c.Ping(2)
	assert.Equal(t, []protocol.CommResult{protocol.CommSuccess, protocol.CommRxTimeout}, obs.results)
}
