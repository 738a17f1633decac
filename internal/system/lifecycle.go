package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/api/rest"
	"github.com/KevinKickass/OpenServoCore/internal/api/websocket"
	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/interfaces"
	"github.com/KevinKickass/OpenServoCore/internal/storage"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const statusInterval = 2 * time.Second

type LifecycleManager struct {
	config        *config.Config
	storage       *storage.PostgresClient
	deviceManager *devices.Manager
	metrics       *telemetry.Metrics
	wsHub         *websocket.Hub
	authService   *auth.AuthService
	logger        *zap.Logger

	redis *telemetry.RedisPublisher
	mqtt  *telemetry.MQTTPublisher

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	stateMu      sync.RWMutex
	currentState SystemState

	online map[string]bool // servo name -> last reported state

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewLifecycleManager connects the telemetry sinks and builds the device
// manager. db may be nil when the database is disabled.
func NewLifecycleManager(ctx context.Context, db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		metrics:      telemetry.NewMetrics(),
		logger:       logger,
		currentState: StateInitializing,
		online:       make(map[string]bool),
	}

	if cfg.Auth.Enabled {
		var users auth.UserStore = auth.NewStaticUserStore(cfg.Auth)
		if db != nil {
			for _, u := range cfg.Auth.Users {
				if err := db.UpsertUser(ctx, u.Username, u.PasswordHash, u.Role); err != nil {
					return nil, fmt.Errorf("failed to seed user %s: %w", u.Username, err)
				}
			}
			users = db
		}
		lm.authService = auth.NewAuthService(users, cfg.Auth, logger)
	}
	lm.wsHub = websocket.NewHub(logger, lm.authService)

	sinks := telemetry.NewFanout(logger)
	sinks.Add("metrics", lm.metrics)
	sinks.Add("websocket", lm.wsHub)

	if cfg.Telemetry.Redis.Enabled {
		r := cfg.Telemetry.Redis
		pub, err := telemetry.NewRedisPublisher(ctx, telemetry.RedisConfig{
			Addr:       r.Addr,
			Password:   r.Password,
			DB:         r.DB,
			PoolSize:   r.PoolSize,
			Channel:    r.Channel,
			HistoryLen: r.HistoryLen,
		}, logger)
		if err != nil {
			return nil, err
		}
		lm.redis = pub
		sinks.Add("redis", pub)
	}

	if cfg.Telemetry.MQTT.Enabled {
		m := cfg.Telemetry.MQTT
		pub, err := telemetry.NewMQTTPublisher(telemetry.MQTTConfig{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
			QoS:         m.QoS,
		}, logger)
		if err != nil {
			lm.closeSinks()
			return nil, err
		}
		lm.mqtt = pub
		sinks.Add("mqtt", pub)
	}

	if cfg.Telemetry.Postgres.Enabled && db != nil {
		sinks.Add("postgres", storage.NewSampleWriter(db))
	}

	deviceManager, err := devices.NewManager(cfg.Devices.SearchPaths, sinks, lm.metrics, logger)
	if err != nil {
		lm.closeSinks()
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}
	lm.deviceManager = deviceManager

	logger.Info("Telemetry sinks configured", zap.Int("sinks", sinks.Len()))
	return lm, nil
}

// Start opens the buses, registers servos and starts the API servers.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting OpenServoCore")

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		lm.wsHub.Run(ctx)
	}()

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	lm.openBuses()
	lm.loadServos(ctx)

	for _, name := range lm.deviceManager.BusNames() {
		if err := lm.deviceManager.StartPoller(name); err != nil {
			lm.logger.Error("Failed to start poller", zap.String("bus", name), zap.Error(err))
		}
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(err)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.wg.Add(1)
	go lm.watchServos(ctx)

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("buses", len(lm.deviceManager.BusNames())),
		zap.Int("servos", len(lm.deviceManager.ListServos())))

	return nil
}

// openBuses opens every configured bus. A bus that fails to open is logged
// and reported NOT_SERVING; the rest of the system still starts.
func (lm *LifecycleManager) openBuses() {
	for _, bc := range lm.config.Buses {
		spec := devices.BusSpec{
			Name:         bc.Name,
			Port:         bc.Port,
			BaudRate:     bc.BaudRate,
			Protocol:     bc.Protocol,
			LatencyTimer: bc.LatencyTimer,
			PollInterval: bc.PollInterval,
			Simulate:     bc.Simulate,
		}
		for _, d := range bc.SimDevices {
			spec.SimDevices = append(spec.SimDevices, devices.SimDevice{ID: d.ID, Model: d.Model})
		}

		if _, err := lm.deviceManager.OpenBus(spec); err != nil {
			lm.logger.Error("Failed to open bus",
				zap.String("bus", bc.Name),
				zap.String("port", bc.Port),
				zap.Error(err))
			lm.healthServer.SetServingStatus(bc.Name, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		lm.healthServer.SetServingStatus(bc.Name, healthpb.HealthCheckResponse_SERVING)
	}
}

// loadServos registers configured servos first, then the ones stored through
// the API. Stored servos never override a configured one of the same name.
func (lm *LifecycleManager) loadServos(ctx context.Context) {
	for _, sc := range lm.config.Servos {
		lm.addServo(ctx, devices.ServoSpec{
			Name:    sc.Name,
			Bus:     sc.Bus,
			ID:      sc.ID,
			Profile: sc.Profile,
			Aliases: sc.Aliases,
			Poll:    sc.Poll,
		})
	}

	if lm.storage == nil {
		return
	}

	records, err := lm.storage.LoadServos(ctx)
	if err != nil {
		lm.logger.Warn("Failed to load servos from database", zap.Error(err))
		return
	}
	lm.logger.Info("Loading servos from database", zap.Int("count", len(records)))

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		if _, exists := lm.deviceManager.GetServoByName(rec.Name); exists {
			lm.logger.Debug("Stored servo shadowed by configuration", zap.String("servo", rec.Name))
			continue
		}
		lm.addServo(ctx, devices.ServoSpec{
			Name:    rec.Name,
			Bus:     rec.Bus,
			ID:      rec.DeviceID,
			Profile: rec.Profile,
			Aliases: rec.Aliases,
			Poll:    rec.Poll,
		})
	}
}

func (lm *LifecycleManager) addServo(ctx context.Context, spec devices.ServoSpec) {
	if _, err := lm.deviceManager.AddServo(ctx, spec); err != nil {
		lm.logger.Error("Failed to add servo",
			zap.String("servo", spec.Name),
			zap.String("bus", spec.Bus),
			zap.Uint8("id", spec.ID),
			zap.Error(err))
	}
}

// watchServos pushes online/offline transitions to websocket clients.
func (lm *LifecycleManager) watchServos(ctx context.Context) {
	defer lm.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.reportServoChanges()
		}
	}
}

func (lm *LifecycleManager) reportServoChanges() {
	for _, sv := range lm.deviceManager.ListServos() {
		online := sv.Online()
		last, seen := lm.online[sv.Name]
		if seen && last == online {
			continue
		}
		lm.online[sv.Name] = online
		lm.wsHub.Broadcast(websocket.NewServoStatusMessage(sv.Bus, sv.Name, online))
	}
}

// Shutdown stops pollers, closes the ports and stops the servers.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setError(shutdownErr)
			return
		}
		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.healthServer != nil {
		lm.healthServer.Shutdown()
	}

	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	if err := lm.deviceManager.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("device manager stop failed: %w", err))
	}

	if lm.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
			lm.grpcServer.Stop()
		}
	}

	if lm.cancel != nil {
		lm.cancel()
	}
	lm.wg.Wait()
	lm.closeSinks()

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) closeSinks() {
	if lm.redis != nil {
		if err := lm.redis.Close(); err != nil {
			lm.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if lm.mqtt != nil {
		lm.mqtt.Close()
	}
}

// startGRPCServer serves the standard health service. Each bus is a service
// name; "" reports the whole system.
func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	previous := lm.currentState
	if err := ValidateTransition(previous, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	if lm.healthServer != nil && state == StateRunning {
		lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(state.String(), previous.String()))
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	servos := lm.deviceManager.ListServos()
	online := 0
	for _, sv := range servos {
		if sv.Online() {
			online++
		}
	}

	return interfaces.SystemStatus{
		State:        lm.State().String(),
		Buses:        lm.deviceManager.ListBuses(),
		ServoCount:   len(servos),
		OnlineServos: online,
	}
}

// DeviceManager returns the device manager
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// Storage returns the storage client
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Metrics() *telemetry.Metrics {
	return lm.metrics
}

// History prefers the Redis history list and falls back to the sample table.
func (lm *LifecycleManager) History() telemetry.HistoryReader {
	if lm.redis != nil {
		return lm.redis
	}
	if lm.storage != nil && lm.config.Telemetry.Postgres.Enabled {
		return lm.storage
	}
	return nil
}
