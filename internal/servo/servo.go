// Package servo exposes servos by register name on top of the dynamixel
// dispatcher and polls them in groups.
package servo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/google/uuid"
)

var (
	ErrUnknownRegister = errors.New("register not found")
	ErrReadOnly        = errors.New("register is read-only")
	ErrUnmapped        = errors.New("logical name not mapped")
	ErrVersionMismatch = errors.New("profile protocol does not match bus")
)

// TelemetryGroup is the register group polled when no explicit list is configured.
const TelemetryGroup = "telemetry"

// Reading is the last known value of one register.
type Reading struct {
	Register    string    `json:"register"`
	Value       float64   `json:"value"`
	Raw         int64     `json:"raw"`
	Unit        string    `json:"unit,omitempty"`
	DeviceError byte      `json:"device_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Servo struct {
	ID          uuid.UUID
	Name        string
	Bus         string
	DeviceID    byte
	Profile     *types.ControlTableProfile
	Aliases     map[string]string // logicalName -> registerName
	RegisterMap map[string]*types.RegisterDefinition

	client     *dynamixel.Client
	poll       []*types.RegisterDefinition
	mu         sync.RWMutex
	lastValues map[string]Reading
	online     bool
}

func NewServo(
	name string,
	bus string,
	deviceID byte,
	profile *types.ControlTableProfile,
	aliases map[string]string,
	pollRegisters []string,
	client *dynamixel.Client,
) (*Servo, error) {
	if deviceID > protocol.MaxID {
		return nil, fmt.Errorf("servo %s: %w: %d", name, protocol.ErrInvalidID, deviceID)
	}
	if v, err := protocol.ParseVersion(profile.Profile.Protocol); err != nil || v != client.Version() {
		return nil, fmt.Errorf("servo %s: %w: profile %s, bus %s",
			name, ErrVersionMismatch, profile.Profile.Protocol, client.Version())
	}

	registerMap := make(map[string]*types.RegisterDefinition)
	for i := range profile.Registers {
		reg := &profile.Registers[i]
		registerMap[reg.Name] = reg
	}

	for logical, reg := range aliases {
		if _, ok := registerMap[reg]; !ok {
			return nil, fmt.Errorf("servo %s alias %s: %w: %s", name, logical, ErrUnknownRegister, reg)
		}
	}

	if len(pollRegisters) == 0 {
		for _, g := range profile.Groups {
			if g.Name == TelemetryGroup {
				pollRegisters = g.Registers
			}
		}
	}
	poll := make([]*types.RegisterDefinition, 0, len(pollRegisters))
	for _, regName := range pollRegisters {
		reg, ok := registerMap[regName]
		if !ok {
			return nil, fmt.Errorf("servo %s poll list: %w: %s", name, ErrUnknownRegister, regName)
		}
		poll = append(poll, reg)
	}
	sort.Slice(poll, func(i, j int) bool { return poll[i].Address < poll[j].Address })

	return &Servo{
		ID:          uuid.New(),
		Name:        name,
		Bus:         bus,
		DeviceID:    deviceID,
		Profile:     profile,
		Aliases:     aliases,
		RegisterMap: registerMap,
		client:      client,
		poll:        poll,
		lastValues:  make(map[string]Reading),
	}, nil
}

// Ping checks that the servo answers and reports the expected model.
func (s *Servo) Ping(ctx context.Context) (dynamixel.Device, error) {
	if err := ctx.Err(); err != nil {
		return dynamixel.Device{}, err
	}
	d, err := s.client.Ping(s.DeviceID)
	s.setOnline(err == nil)
	if err != nil {
		return d, fmt.Errorf("failed to ping %s: %w", s.Name, err)
	}
	if d.ModelNumber != s.Profile.Profile.ModelNumber {
		return d, fmt.Errorf("servo %s reports model %d, profile %s expects %d",
			s.Name, d.ModelNumber, s.Profile.Profile.ID, s.Profile.Profile.ModelNumber)
	}
	return d, nil
}

func (s *Servo) register(name string) (*types.RegisterDefinition, error) {
	reg, exists := s.RegisterMap[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegister, name)
	}
	return reg, nil
}

func (s *Servo) ReadRegister(ctx context.Context, registerName string) (Reading, error) {
	reg, err := s.register(registerName)
	if err != nil {
		return Reading{}, err
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	res, err := s.client.Read(s.DeviceID, int(reg.Address), reg.Size())
	s.setOnline(err == nil)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read register %s: %w", registerName, err)
	}

	return s.record(reg, res.Data, res.Error, time.Now()), nil
}

// WriteRegister converts value from engineering units and writes it. A device
// error in the acknowledgement is returned as *dynamixel.DeviceError.
func (s *Servo) WriteRegister(ctx context.Context, registerName string, value float64) error {
	reg, err := s.register(registerName)
	if err != nil {
		return err
	}
	if reg.Access != types.AccessTypeReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, registerName)
	}

	data, err := encodeRaw(unscale(value, reg), reg.DataType)
	if err != nil {
		return fmt.Errorf("register %s: %w", registerName, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := s.client.Write(s.DeviceID, int(reg.Address), data)
	s.setOnline(err == nil)
	if err != nil {
		return fmt.Errorf("failed to write register %s: %w", registerName, err)
	}
	return res.DeviceError()
}

func (s *Servo) ReadLogical(ctx context.Context, logicalName string) (Reading, error) {
	registerName, exists := s.Aliases[logicalName]
	if !exists {
		return Reading{}, fmt.Errorf("%w: %s", ErrUnmapped, logicalName)
	}

	return s.ReadRegister(ctx, registerName)
}

func (s *Servo) WriteLogical(ctx context.Context, logicalName string, value float64) error {
	registerName, exists := s.Aliases[logicalName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnmapped, logicalName)
	}

	return s.WriteRegister(ctx, registerName, value)
}

func (s *Servo) GetLastValue(registerName string) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.lastValues[registerName]
	return value, exists
}

// LastValues returns a snapshot of every recorded register.
func (s *Servo) LastValues() map[string]Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Reading, len(s.lastValues))
	for k, v := range s.lastValues {
		out[k] = v
	}
	return out
}

// PollRegisters lists the registers the bus poller reads, by address.
func (s *Servo) PollRegisters() []*types.RegisterDefinition {
	return s.poll
}

// pollRange is the contiguous address range covering every polled register.
func (s *Servo) pollRange() (addr, length int, ok bool) {
	if len(s.poll) == 0 {
		return 0, 0, false
	}
	first := s.poll[0]
	end := 0
	for _, reg := range s.poll {
		end = max(end, int(reg.Address)+reg.Size())
	}
	return int(first.Address), end - int(first.Address), true
}

func (s *Servo) record(reg *types.RegisterDefinition, data []byte, devErr byte, ts time.Time) Reading {
	raw := decodeRaw(data, reg.DataType)
	r := Reading{
		Register:    reg.Name,
		Value:       scale(raw, reg),
		Raw:         raw,
		Unit:        reg.Unit,
		DeviceError: devErr,
		Timestamp:   ts,
	}

	s.mu.Lock()
	s.lastValues[reg.Name] = r
	s.mu.Unlock()

	return r
}

func (s *Servo) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *Servo) setOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

func (s *Servo) Info() types.ServoInfo {
	return types.ServoInfo{
		ID:          s.ID,
		Name:        s.Name,
		Bus:         s.Bus,
		DeviceID:    s.DeviceID,
		Model:       s.Profile.Profile.Model,
		ModelNumber: s.Profile.Profile.ModelNumber,
		Online:      s.Online(),
	}
}
