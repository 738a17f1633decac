package system

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{HTTPPort: 0, GRPCPort: 0},
		Devices: config.DevicesConfig{SearchPaths: []string{"../../device-profiles/vendors"}},
		Buses: []config.BusConfig{
			{
				Name:         "sim",
				Port:         "sim0",
				BaudRate:     1000000,
				Protocol:     "2.0",
				LatencyTimer: time.Millisecond,
				PollInterval: 20 * time.Millisecond,
				Simulate:     true,
				SimDevices:   []config.SimDeviceConfig{{ID: 1, Model: 1020}, {ID: 2, Model: 1060}},
			},
			{
				Name:     "missing",
				Port:     "/dev/does-not-exist",
				BaudRate: 57600,
				Protocol: "2.0",
			},
		},
		Servos: []config.ServoConfig{
			{Name: "pan", Bus: "sim", ID: 1},
			{Name: "tilt", Bus: "sim", ID: 2, Profile: "robotis/xl430-w250"},
			{Name: "ghost", Bus: "missing", ID: 3},
		},
	}
}

func TestLifecycleStartAndShutdown(t *testing.T) {
	ctx := context.Background()
	lm, err := NewLifecycleManager(ctx, nil, testConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, lm.State())

	require.NoError(t, lm.Start())
	assert.Equal(t, StateRunning, lm.State())

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Len(t, status.Buses, 1)
	assert.Equal(t, 2, status.ServoCount)
	assert.Equal(t, 2, status.OnlineServos)

	resp, err := lm.healthServer.Check(ctx, &healthpb.HealthCheckRequest{Service: "sim"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = lm.healthServer.Check(ctx, &healthpb.HealthCheckRequest{Service: "missing"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	assert.Eventually(t, func() bool {
		stats, ok := lm.DeviceManager().PollStats("sim")
		return ok && stats.Cycles > 0
	}, 2*time.Second, 20*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(shutdownCtx))
	assert.Equal(t, StateStopped, lm.State())
	assert.Empty(t, lm.DeviceManager().ListBuses())

	// second call is a no-op
	assert.NoError(t, lm.Shutdown(shutdownCtx))
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateInitializing, true},
		{StateError, StateStopping, true},
		{StateRunning, StateInitializing, false},
		{StateStopped, StateRunning, false},
		{SystemState(42), StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
