package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/storage"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"github.com/KevinKickass/OpenServoCore/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string          `json:"state"`
	Buses        []types.BusInfo `json:"buses"`
	ServoCount   int             `json:"servo_count"`
	OnlineServos int             `json:"online_servos"`
}

type LifecycleManager interface {
	Config() *config.Config
	// Storage is nil when the database is disabled.
	Storage() *storage.PostgresClient
	DeviceManager() *devices.Manager
	Metrics() *telemetry.Metrics
	// History is nil when no sink keeps sample history.
	History() telemetry.HistoryReader
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
