package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/dynamixel"
	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/KevinKickass/OpenServoCore/internal/serialport"
	"github.com/KevinKickass/OpenServoCore/internal/servo"
	"github.com/KevinKickass/OpenServoCore/internal/simulator"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusNotFound   = errors.New("bus not found")
	ErrBusExists     = errors.New("bus already open")
	ErrServoNotFound = errors.New("servo not found")
	ErrServoExists   = errors.New("servo already registered")
	ErrNoProfile     = errors.New("no profile for model")
)

// BusSpec describes one serial line.
type BusSpec struct {
	Name         string
	Port         string
	BaudRate     int
	Protocol     string
	LatencyTimer time.Duration
	PollInterval time.Duration
	Simulate     bool
	SimDevices   []SimDevice
}

// SimDevice is a servo placed on a simulated bus at startup.
type SimDevice struct {
	ID    uint8
	Model uint16
}

// ServoSpec registers a servo. Profile may be empty, in which case the model
// number reported by PING selects one from the catalog.
type ServoSpec struct {
	Name    string            `json:"name"`
	Bus     string            `json:"bus"`
	ID      uint8             `json:"id"`
	Profile string            `json:"profile,omitempty"`
	Aliases map[string]string `json:"aliases,omitempty"`
	Poll    []string          `json:"poll,omitempty"`
}

// Bus is one open port with its dispatcher and poller.
type Bus struct {
	Spec   BusSpec
	Port   *serialport.Port
	Client *dynamixel.Client
	Sim    *simulator.Bus

	poller  *servo.Poller
	polling bool
}

type Manager struct {
	loader   *ProfileLoader
	catalog  *Catalog
	buses    map[string]*Bus
	servos   map[uuid.UUID]*servo.Servo
	sink     telemetry.Sink
	observer dynamixel.Observer
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewManager(searchPaths []string, sink telemetry.Sink, observer dynamixel.Observer, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	return &Manager{
		loader:   loader,
		catalog:  LoadCatalog(searchPaths, logger),
		buses:    make(map[string]*Bus),
		servos:   make(map[uuid.UUID]*servo.Servo),
		sink:     sink,
		observer: observer,
		logger:   logger,
	}, nil
}

func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

func (m *Manager) Loader() *ProfileLoader {
	return m.loader
}

// OpenBus opens the port of spec and binds a dispatcher to it.
func (m *Manager) OpenBus(spec BusSpec) (*Bus, error) {
	version, err := protocol.ParseVersion(spec.Protocol)
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", spec.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.buses[spec.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBusExists, spec.Name)
	}

	var opts []serialport.Option
	if spec.BaudRate > 0 {
		opts = append(opts, serialport.WithBaudRate(spec.BaudRate))
	}
	if spec.LatencyTimer > 0 {
		opts = append(opts, serialport.WithLatencyTimer(spec.LatencyTimer))
	}

	var sim *simulator.Bus
	if spec.Simulate {
		sim = simulator.NewBus(version)
		opts = append(opts, serialport.WithOpener(sim.Opener()))
	}

	port, err := serialport.Open(spec.Port, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus %s: %w", spec.Name, err)
	}

	// Devices join after open so they listen at the configured baud rate.
	for _, d := range spec.SimDevices {
		sim.AddDevice(d.ID, d.Model)
	}

	clientOpts := []dynamixel.Option{dynamixel.WithName(spec.Name)}
	if m.observer != nil {
		clientOpts = append(clientOpts, dynamixel.WithObserver(m.observer))
	}
	client, err := dynamixel.New(port, version, m.logger, clientOpts...)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("bus %s: %w", spec.Name, err)
	}

	bus := &Bus{Spec: spec, Port: port, Client: client, Sim: sim}
	m.buses[spec.Name] = bus

	m.logger.Info("Bus opened",
		zap.String("bus", spec.Name),
		zap.String("port", spec.Port),
		zap.Int("baud_rate", port.BaudRate()),
		zap.Stringer("protocol", version),
		zap.Bool("simulate", spec.Simulate))

	return bus, nil
}

func (m *Manager) GetBus(name string) (*Bus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bus, exists := m.buses[name]
	return bus, exists
}

func (m *Manager) ListBuses() []types.BusInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range m.servos {
		counts[s.Bus]++
	}

	out := make([]types.BusInfo, 0, len(m.buses))
	for name, bus := range m.buses {
		out = append(out, types.BusInfo{
			Name:     name,
			Port:     bus.Spec.Port,
			BaudRate: bus.Port.BaudRate(),
			Protocol: bus.Client.Version().String(),
			Simulate: bus.Spec.Simulate,
			Servos:   counts[name],
			Polling:  bus.polling,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetBaudRate switches an open bus to a new line rate, waiting for any
// exchange in flight. Devices still listening at the old rate go silent.
func (m *Manager) SetBaudRate(busName string, rate int) error {
	bus, ok := m.GetBus(busName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}
	err := bus.Client.Do(func(*dynamixel.Session) error {
		return bus.Port.SetBaudRate(rate)
	})
	if err != nil {
		return err
	}
	m.logger.Info("Bus baud rate changed",
		zap.String("bus", busName),
		zap.Int("baud_rate", rate))
	return nil
}

// BusNames lists the open buses in name order.
func (m *Manager) BusNames() []string {
	infos := m.ListBuses()
	names := make([]string, len(infos))
	for i, b := range infos {
		names[i] = b.Name
	}
	return names
}

// AddServo registers a servo on an open bus. Without an explicit profile the
// servo is pinged and its model number resolved through the catalog.
func (m *Manager) AddServo(ctx context.Context, spec ServoSpec) (*servo.Servo, error) {
	bus, ok := m.GetBus(spec.Bus)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusNotFound, spec.Bus)
	}
	m.mu.RLock()
	err := m.conflict(spec)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	profilePath := spec.Profile
	if profilePath == "" {
		d, err := bus.Client.Ping(spec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to identify servo %s: %w", spec.Name, err)
		}
		path, _, found := m.catalog.Lookup(d.ModelNumber, bus.Client.Version().String())
		if !found {
			return nil, fmt.Errorf("servo %s: %w %d", spec.Name, ErrNoProfile, d.ModelNumber)
		}
		profilePath = path
	}

	profile, err := m.loader.Load(profilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", profilePath, err)
	}

	s, err := servo.NewServo(spec.Name, spec.Bus, spec.ID, profile, spec.Aliases, spec.Poll, bus.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to create servo: %w", err)
	}

	if _, err := s.Ping(ctx); err != nil {
		m.logger.Warn("Servo not responding",
			zap.String("servo", spec.Name),
			zap.String("bus", spec.Bus),
			zap.Uint8("id", spec.ID),
			zap.Error(err))
	}

	// Another AddServo may have won the race while this one was probing.
	m.mu.Lock()
	if err := m.conflict(spec); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.servos[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("Servo loaded",
		zap.String("name", spec.Name),
		zap.String("bus", spec.Bus),
		zap.Uint8("id", spec.ID),
		zap.String("profile", profilePath))

	if err := m.restartPoller(spec.Bus); err != nil {
		return s, err
	}
	return s, nil
}

// conflict reports a servo already registered under the same name or at the
// same ID on the same bus. Callers hold m.mu.
func (m *Manager) conflict(spec ServoSpec) error {
	for _, s := range m.servos {
		if s.Name == spec.Name {
			return fmt.Errorf("%w: %s", ErrServoExists, spec.Name)
		}
		if s.Bus == spec.Bus && s.DeviceID == spec.ID {
			return fmt.Errorf("%w: id %d on bus %s is %s", ErrServoExists, spec.ID, spec.Bus, s.Name)
		}
	}
	return nil
}

// RemoveServo unregisters a servo and rebuilds its bus poller.
func (m *Manager) RemoveServo(id uuid.UUID) error {
	m.mu.Lock()
	s, exists := m.servos[id]
	if exists {
		delete(m.servos, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrServoNotFound, id)
	}

	m.logger.Info("Servo removed", zap.String("name", s.Name), zap.String("bus", s.Bus))
	return m.restartPoller(s.Bus)
}

// GetServo returns servo by ID
func (m *Manager) GetServo(id uuid.UUID) (*servo.Servo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.servos[id]
	return s, exists
}

// GetServoByName returns servo by name
func (m *Manager) GetServoByName(name string) (*servo.Servo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.servos {
		if s.Name == name {
			return s, true
		}
	}

	return nil, false
}

func (m *Manager) ListServos() []*servo.Servo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*servo.Servo, 0, len(m.servos))
	for _, s := range m.servos {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func (m *Manager) servosOn(bus string) []*servo.Servo {
	var out []*servo.Servo
	for _, s := range m.ListServos() {
		if s.Bus == bus {
			out = append(out, s)
		}
	}
	return out
}

// StartPoller starts polling a bus at its configured interval.
func (m *Manager) StartPoller(busName string) error {
	bus, ok := m.GetBus(busName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}
	if bus.Spec.PollInterval <= 0 {
		return nil
	}
	m.StopPoller(busName)

	poller, err := servo.NewPoller(busName, bus.Client, m.servosOn(busName), bus.Spec.PollInterval, m.sink, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	if err := poller.Start(); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	m.mu.Lock()
	bus.poller = poller
	bus.polling = true
	m.mu.Unlock()

	return nil
}

func (m *Manager) StopPoller(busName string) {
	m.mu.Lock()
	bus, ok := m.buses[busName]
	var poller *servo.Poller
	if ok {
		poller, bus.poller = bus.poller, nil
		bus.polling = false
	}
	m.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
}

// PollStats reports the poll counters of a bus, if it is polling.
func (m *Manager) PollStats(busName string) (servo.PollStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bus, ok := m.buses[busName]
	if !ok || bus.poller == nil {
		return servo.PollStats{}, false
	}
	return bus.poller.Stats(), true
}

func (m *Manager) restartPoller(busName string) error {
	m.mu.RLock()
	bus, ok := m.buses[busName]
	running := ok && bus.polling
	m.mu.RUnlock()

	if !running {
		return nil
	}
	m.StopPoller(busName)
	return m.StartPoller(busName)
}

// StopAll stops all pollers and closes all ports
func (m *Manager) StopAll(ctx context.Context) error {
	for _, name := range m.BusNames() {
		m.StopPoller(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, bus := range m.buses {
		if err := bus.Port.Close(); err != nil {
			m.logger.Error("Failed to close bus",
				zap.String("bus", name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("bus %s: %w", name, err))
		}
	}
	m.buses = make(map[string]*Bus)

	return errors.Join(errs...)
}
