package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate     = 57600
	DefaultLatencyTimer = 16 * time.Millisecond
)

var (
	ErrPortUnavailable = errors.New("port unavailable")
	ErrInvalidBaudRate = errors.New("invalid baud rate")
	ErrPortClosed      = errors.New("port closed")
)

// Line is the byte stream under a Port. Ports returned by go.bug.st/serial
// satisfy it; the simulator provides an in-memory one.
type Line interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenFunc opens the line behind a device path.
type OpenFunc func(path string, mode *serial.Mode) (Line, error)

// Port owns one half-duplex serial line. The embedded mutex is the bus
// ownership domain: callers hold it for a full instruction/status exchange.
type Port struct {
	path   string
	line   Line
	open   OpenFunc
	mu     sync.Mutex
	closed bool

	baudRate      int
	latencyTimer  time.Duration
	txTimePerByte float64 // milliseconds

	packetStart   time.Time
	packetTimeout time.Duration
	now           func() time.Time
}

type Option func(*Port)

func WithBaudRate(rate int) Option {
	return func(p *Port) { p.baudRate = rate }
}

// WithLatencyTimer sets the USB adapter latency that pads every packet timeout.
func WithLatencyTimer(d time.Duration) Option {
	return func(p *Port) { p.latencyTimer = d }
}

// WithOpener replaces serial.Open, e.g. with a simulated bus.
func WithOpener(fn OpenFunc) Option {
	return func(p *Port) { p.open = fn }
}

// Open opens the device at path with 8N1 framing and flushes stale input.
func Open(path string, opts ...Option) (*Port, error) {
	p := &Port{
		path:         path,
		open:         openSerial,
		baudRate:     DefaultBaudRate,
		latencyTimer: DefaultLatencyTimer,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.baudRate <= 0 {
		return nil, fmt.Errorf("open %s: %w: %d", path, ErrInvalidBaudRate, p.baudRate)
	}

	line, err := p.open(path, mode(p.baudRate))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, ErrPortUnavailable, err)
	}
	p.line = line
	p.txTimePerByte = txTimePerByte(p.baudRate)

	if err := line.ResetInputBuffer(); err != nil {
		line.Close()
		return nil, fmt.Errorf("flush %s: %w", path, err)
	}

	return p, nil
}

func openSerial(path string, m *serial.Mode) (Line, error) {
	port, err := serial.Open(path, m)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func txTimePerByte(baud int) float64 {
	return 1000.0 / float64(baud) * 10.0
}

func (p *Port) Path() string {
	return p.path
}

func (p *Port) BaudRate() int {
	return p.baudRate
}

// SetBaudRate reconfigures the line. The caller must own the bus.
func (p *Port) SetBaudRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaudRate, rate)
	}
	if p.closed {
		return ErrPortClosed
	}
	if err := p.line.SetMode(mode(rate)); err != nil {
		return fmt.Errorf("set baud rate %d on %s: %w", rate, p.path, err)
	}
	p.baudRate = rate
	p.txTimePerByte = txTimePerByte(rate)
	return nil
}

// TxTimePerByte is the wire time of one byte (start + 8 data + stop bits).
func (p *Port) TxTimePerByte() time.Duration {
	return time.Duration(p.txTimePerByte * float64(time.Millisecond))
}

func (p *Port) Write(b []byte) (int, error) {
	if p.closed {
		return 0, ErrPortClosed
	}
	return p.line.Write(b)
}

// Read returns whatever arrives before the packet deadline. Zero bytes with a
// nil error means the deadline passed.
func (p *Port) Read(b []byte) (int, error) {
	if p.closed {
		return 0, ErrPortClosed
	}

	remaining := p.packetStart.Add(p.packetTimeout).Sub(p.now())
	if remaining <= 0 {
		return 0, nil
	}
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	if err := p.line.SetReadTimeout(remaining); err != nil {
		return 0, fmt.Errorf("set read timeout: %w", err)
	}
	return p.line.Read(b)
}

// ClearPort drops unread input.
func (p *Port) ClearPort() error {
	if p.closed {
		return ErrPortClosed
	}
	return p.line.ResetInputBuffer()
}

// SetPacketTimeout arms the deadline for a reply of packetLen bytes:
// wire time plus two latency-timer periods plus 2 ms.
func (p *Port) SetPacketTimeout(packetLen int) {
	ms := p.txTimePerByte*float64(packetLen) + 2*float64(p.latencyTimer)/float64(time.Millisecond) + 2.0
	p.SetPacketTimeoutMillis(ms)
}

// SetPacketTimeoutMillis arms an explicit deadline.
func (p *Port) SetPacketTimeoutMillis(ms float64) {
	p.packetStart = p.now()
	p.packetTimeout = time.Duration(ms * float64(time.Millisecond))
}

func (p *Port) PacketTimeout() time.Duration {
	return p.packetTimeout
}

func (p *Port) IsPacketTimeout() bool {
	if p.now().Sub(p.packetStart) > p.packetTimeout {
		p.packetTimeout = 0
		return true
	}
	return false
}

func (p *Port) Lock()         { p.mu.Lock() }
func (p *Port) Unlock()       { p.mu.Unlock() }
func (p *Port) TryLock() bool { return p.mu.TryLock() }

// Close releases the line. It waits for an in-flight exchange to finish.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.line.Close()
}
