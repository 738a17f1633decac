// Package dynamixel turns logical servo operations into instruction packets,
// runs them over a serial port and parses the status replies.
//
// A Client is bound to one port and one protocol version. Every exchange
// holds the port for its whole duration; nothing is retried.
package dynamixel

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"go.uber.org/zap"
)

// Port is the transport a Client drives. *serialport.Port implements it.
type Port interface {
	io.ReadWriter
	ClearPort() error
	SetPacketTimeout(packetLen int)
	SetPacketTimeoutMillis(ms float64)
	IsPacketTimeout() bool
	TxTimePerByte() time.Duration
	Lock()
	Unlock()
	TryLock() bool
}

// Observer receives one call per completed exchange.
type Observer interface {
	ObserveExchange(bus string, inst protocol.Instruction, result protocol.CommResult, elapsed time.Duration)
}

type Client struct {
	name     string
	port     Port
	version  protocol.Version
	logger   *zap.Logger
	observer Observer
	failFast bool

	rxBuf []byte
	chunk []byte
}

type Option func(*Client)

// WithName labels logs and observations, usually with the bus name.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithFailFast makes calls on a busy port return CommPortBusy instead of waiting.
func WithFailFast() Option {
	return func(c *Client) { c.failFast = true }
}

func New(port Port, version protocol.Version, logger *zap.Logger, opts ...Option) (*Client, error) {
	if !version.Valid() {
		return nil, protocol.ErrInvalidVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		port:    port,
		version: version,
		logger:  logger,
		chunk:   make([]byte, version.MaxPacketLen()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Version() protocol.Version {
	return c.version
}

func (c *Client) Name() string {
	return c.name
}

// Do runs fn with the port held. Group operations use it to keep a broadcast
// instruction and the replies it triggers in one exchange.
func (c *Client) Do(fn func(s *Session) error) error {
	if c.failFast {
		if !c.port.TryLock() {
			return protocol.CommPortBusy
		}
	} else {
		c.port.Lock()
	}
	defer c.port.Unlock()

	return fn(&Session{c: c})
}

// Session is a Client whose port is already held. It is valid only inside Do.
type Session struct {
	c *Client
}

func (s *Session) Version() protocol.Version {
	return s.c.version
}

// TxPacket flushes stale input and transmits p.
func (s *Session) TxPacket(p protocol.Packet) protocol.CommResult {
	c := s.c
	raw, err := protocol.Encode(c.version, p)
	if err != nil {
		c.logger.Debug("Instruction rejected",
			zap.String("bus", c.name),
			zap.Stringer("instruction", p.Instruction),
			zap.Error(err))
		return protocol.CommTxError
	}

	c.rxBuf = c.rxBuf[:0]
	if err := c.port.ClearPort(); err != nil {
		return protocol.CommTxFail
	}
	n, err := c.port.Write(raw)
	if err != nil || n != len(raw) {
		c.logger.Debug("Transmit failed",
			zap.String("bus", c.name),
			zap.Stringer("instruction", p.Instruction),
			zap.Error(err))
		return protocol.CommTxFail
	}
	return protocol.CommSuccess
}

// SetPacketTimeout arms the receive deadline for a reply of packetLen bytes.
func (s *Session) SetPacketTimeout(packetLen int) {
	s.c.port.SetPacketTimeout(packetLen)
}

// RxPacket waits for the next status packet from any device.
func (s *Session) RxPacket() Result {
	c := s.c
	for {
		if st, res, done := c.decodeBuffered(); done {
			return c.result(st, res)
		}

		if c.port.IsPacketTimeout() {
			res := protocol.CommRxTimeout
			if len(c.rxBuf) > 0 {
				res = protocol.CommRxCorrupt
			}
			c.rxBuf = c.rxBuf[:0]
			return c.result(protocol.Status{}, res)
		}

		n, err := c.port.Read(c.chunk)
		if err != nil {
			c.logger.Debug("Receive failed", zap.String("bus", c.name), zap.Error(err))
			return c.result(protocol.Status{}, protocol.CommRxFail)
		}
		c.rxBuf = append(c.rxBuf, c.chunk[:n]...)
	}
}

// ReadRx waits for the status packet of id, skipping replies from other devices.
func (s *Session) ReadRx(id byte) Result {
	for {
		r := s.RxPacket()
		if !r.OK() || r.ID == id {
			return r
		}
	}
}

// TxRxPacket transmits p and, unless p cannot be answered, waits for the
// status packet of the addressed device.
func (s *Session) TxRxPacket(p protocol.Packet, replyParams int) Result {
	if res := s.TxPacket(p); res != protocol.CommSuccess {
		return s.c.result(protocol.Status{ID: p.ID}, res)
	}
	if p.ID == protocol.BroadcastID || p.Instruction == protocol.InstAction {
		return s.c.result(protocol.Status{ID: p.ID}, protocol.CommSuccess)
	}
	s.SetPacketTimeout(s.c.version.StatusLen(replyParams))
	return s.ReadRx(p.ID)
}

// decodeBuffered pulls one status packet out of the receive buffer. done is
// false when more bytes are needed.
func (c *Client) decodeBuffered() (protocol.Status, protocol.CommResult, bool) {
	for len(c.rxBuf) > 0 {
		st, used, err := protocol.Decode(c.version, c.rxBuf)
		c.rxBuf = c.rxBuf[used:]

		switch {
		case err == nil:
			return st, protocol.CommSuccess, true
		case errors.Is(err, protocol.ErrChecksumMismatch):
			return protocol.Status{}, protocol.CommRxCorrupt, true
		case errors.Is(err, protocol.ErrCorrupted):
			continue
		default:
			return protocol.Status{}, protocol.CommRxWaiting, false
		}
	}
	return protocol.Status{}, protocol.CommRxWaiting, false
}

func (c *Client) result(st protocol.Status, res protocol.CommResult) Result {
	r := Result{ID: st.ID, Comm: res, version: c.version}
	if res == protocol.CommSuccess {
		r.Error = st.Error
		r.Data = st.Params
	}
	return r
}

// exchange runs one locked instruction/status round trip and reports it.
func (c *Client) exchange(p protocol.Packet, replyParams int) (Result, error) {
	start := time.Now()
	var r Result
	err := c.Do(func(s *Session) error {
		r = s.TxRxPacket(p, replyParams)
		return nil
	})
	if err != nil {
		r = c.result(protocol.Status{ID: p.ID}, protocol.CommPortBusy)
	}
	c.observe(p.Instruction, r.Comm, start)
	return r, c.commError(p, r.Comm)
}

// transmit runs a locked Tx-only exchange.
func (c *Client) transmit(p protocol.Packet) error {
	start := time.Now()
	res := protocol.CommPortBusy
	_ = c.Do(func(s *Session) error {
		res = s.TxPacket(p)
		return nil
	})
	c.observe(p.Instruction, res, start)
	return c.commError(p, res)
}

func (c *Client) observe(inst protocol.Instruction, res protocol.CommResult, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveExchange(c.name, inst, res, time.Since(start))
	}
}

func (c *Client) commError(p protocol.Packet, res protocol.CommResult) error {
	if res == protocol.CommSuccess {
		return nil
	}
	c.logger.Debug("Exchange failed",
		zap.String("bus", c.name),
		zap.Uint8("id", p.ID),
		zap.Stringer("instruction", p.Instruction),
		zap.Stringer("result", res))
	return fmt.Errorf("%s id %d: %w", p.Instruction, p.ID, res)
}

// notAvailable reports an operation the bound protocol version lacks.
func (c *Client) notAvailable(inst protocol.Instruction, id byte) error {
	return fmt.Errorf("%s id %d on protocol %s: %w", inst, id, c.version, protocol.CommNotAvailable)
}
