package servo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/group"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"go.uber.org/zap"
)

// groupReader is the part of the group read aggregators the poller needs.
type groupReader interface {
	TxRxPacket() error
	Bytes(id byte, addr, length int) ([]byte, error)
	GetError(id byte) (byte, error)
}

// PollStats counts poll cycles since the poller started.
type PollStats struct {
	Cycles   uint64 `json:"cycles"`
	Failures uint64 `json:"failures"`
}

// Poller reads the poll registers of every servo on one bus with a single
// group instruction per tick.
type Poller struct {
	bus      string
	servos   []*Servo
	reader   groupReader
	interval time.Duration
	sink     telemetry.Sink
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	cycles   atomic.Uint64
	failures atomic.Uint64
}

// NewPoller builds the group read for servos. A v2 bus whose servos all poll
// the same range uses SYNC_READ; everything else uses BULK_READ.
func NewPoller(bus string, client *dynamixel.Client, servos []*Servo, interval time.Duration, sink telemetry.Sink, logger *zap.Logger) (*Poller, error) {
	var polled []*Servo
	for _, s := range servos {
		if _, _, ok := s.pollRange(); ok {
			polled = append(polled, s)
		}
	}

	reader, err := buildReader(client, polled)
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", bus, err)
	}

	return &Poller{
		bus:      bus,
		servos:   polled,
		reader:   reader,
		interval: interval,
		sink:     sink,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

func buildReader(client *dynamixel.Client, servos []*Servo) (groupReader, error) {
	if len(servos) == 0 {
		return nil, nil
	}

	addr, length, _ := servos[0].pollRange()
	shared := client.Version() == protocol.V2
	for _, s := range servos[1:] {
		a, l, _ := s.pollRange()
		if a != addr || l != length {
			shared = false
			break
		}
	}

	if shared {
		g := group.NewSyncRead(client, addr, length)
		for _, s := range servos {
			if err := g.AddParam(s.DeviceID); err != nil {
				return nil, fmt.Errorf("servo %s: %w", s.Name, err)
			}
		}
		return g, nil
	}

	g := group.NewBulkRead(client)
	for _, s := range servos {
		a, l, _ := s.pollRange()
		if err := g.AddParam(s.DeviceID, a, l); err != nil {
			return nil, fmt.Errorf("servo %s: %w", s.Name, err)
		}
	}
	return g, nil
}

// Start startet das zyklische Polling
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.reader == nil {
		p.logger.Info("Nothing to poll", zap.String("bus", p.bus))
		return nil
	}

	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("Poller started",
		zap.String("bus", p.bus),
		zap.Int("servos", len(p.servos)),
		zap.Duration("interval", p.interval))

	return nil
}

// Stop stoppt das Polling
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Poller stopped", zap.String("bus", p.bus))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// PollOnce runs one group read and publishes the samples. A failed cycle is
// logged and counted; the next tick simply tries again.
func (p *Poller) PollOnce() []telemetry.Sample {
	if p.reader == nil {
		return nil
	}
	p.cycles.Add(1)

	if err := p.reader.TxRxPacket(); err != nil {
		p.failures.Add(1)
		level := p.logger.Warn
		if errors.Is(err, protocol.CommRxTimeout) {
			level = p.logger.Debug
		}
		level("Poll failed", zap.String("bus", p.bus), zap.Error(err))
		for _, s := range p.servos {
			s.setOnline(false)
		}
		return nil
	}

	now := time.Now()
	samples := make([]telemetry.Sample, 0, len(p.servos)*2)
	for _, s := range p.servos {
		devErr, _ := p.reader.GetError(s.DeviceID)
		s.setOnline(true)

		for _, reg := range s.poll {
			data, err := p.reader.Bytes(s.DeviceID, int(reg.Address), reg.Size())
			if err != nil {
				p.logger.Error("Poll data missing",
					zap.String("bus", p.bus),
					zap.String("servo", s.Name),
					zap.String("register", reg.Name),
					zap.Error(err))
				continue
			}
			r := s.record(reg, data, devErr, now)
			samples = append(samples, telemetry.Sample{
				Bus:         p.bus,
				Servo:       s.Name,
				DeviceID:    s.DeviceID,
				Register:    r.Register,
				Value:       r.Value,
				Raw:         r.Raw,
				Unit:        r.Unit,
				DeviceError: devErr,
				Timestamp:   now,
			})
		}
	}

	if p.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.interval)
		defer cancel()
		_ = p.sink.Publish(ctx, samples)
	}
	return samples
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Stats() PollStats {
	return PollStats{Cycles: p.cycles.Load(), Failures: p.failures.Load()}
}
