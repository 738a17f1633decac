package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/api/websocket"
	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/devices"
	"github.com/KevinKickass/OpenServoCore/internal/interfaces"
	"github.com/KevinKickass/OpenServoCore/internal/simulator"
	"github.com/KevinKickass/OpenServoCore/internal/storage"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLifecycle struct {
	cfg     *config.Config
	dm      *devices.Manager
	metrics *telemetry.Metrics
	history telemetry.HistoryReader
}

func (f *fakeLifecycle) Config() *config.Config             { return f.cfg }
func (f *fakeLifecycle) Storage() *storage.PostgresClient   { return nil }
func (f *fakeLifecycle) DeviceManager() *devices.Manager    { return f.dm }
func (f *fakeLifecycle) Metrics() *telemetry.Metrics        { return f.metrics }
func (f *fakeLifecycle) Shutdown(ctx context.Context) error { return nil }
func (f *fakeLifecycle) History() telemetry.HistoryReader   { return f.history }

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Buses: f.dm.ListBuses(), ServoCount: len(f.dm.ListServos())}
}

func newTestServer(t *testing.T, authService *auth.AuthService) *Server {
	t.Helper()
	return newTestServerWithHistory(t, authService, nil)
}

func newTestServerWithHistory(t *testing.T, authService *auth.AuthService, history telemetry.HistoryReader) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	metrics := telemetry.NewMetrics()
	dm, err := devices.NewManager([]string{"../../../device-profiles/vendors"}, metrics, metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.StopAll(context.Background()) })

	_, err = dm.OpenBus(devices.BusSpec{
		Name:         "arm",
		Port:         "/dev/sim-arm",
		BaudRate:     1000000,
		Protocol:     "2.0",
		LatencyTimer: time.Millisecond,
		Simulate:     true,
		SimDevices:   []devices.SimDevice{{ID: 1, Model: 1020}, {ID: 2, Model: 1060}},
	})
	require.NoError(t, err)

	cfg := &config.Config{Server: config.ServerConfig{HTTPPort: 0}}
	lm := &fakeLifecycle{cfg: cfg, dm: dm, metrics: metrics, history: history}
	return NewServer(cfg, lm, logger, websocket.NewHub(logger, authService), authService)
}

func do(t *testing.T, s *Server, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RUNNING", body["status"])

	w, body = do(t, s, http.MethodGet, "/api/v1/system/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["buses"], 1)

	w, _ = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListBuses(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/api/v1/buses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestPingAndScan(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1020, body["model_number"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/7", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/leg/ping/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, http.MethodPost, "/api/v1/buses/arm/scan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestRawReadWrite(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/buses/arm/read", gin.H{"id": 1, "address": 0, "length": 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1020, body["value"])
	assert.Equal(t, "communication success", body["result"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/write", gin.H{"id": 1, "address": 64, "size": 1, "value": 1})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodPost, "/api/v1/buses/arm/read", gin.H{"id": 1, "address": 64, "length": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["value"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/write", gin.H{"id": 254, "address": 64, "data": []int{0}})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/write", gin.H{"id": 1, "address": 64})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/read", gin.H{"address": 0, "length": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncWrite(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/buses/arm/sync-write", gin.H{
		"address": 64,
		"length":  1,
		"values":  gin.H{"1": []int{1}, "2": []int{1}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.EqualValues(t, 2, body["devices"])

	w, body = do(t, s, http.MethodPost, "/api/v1/buses/arm/read", gin.H{"id": 2, "address": 64, "length": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["value"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/sync-write", gin.H{
		"address": 64,
		"length":  1,
		"values":  gin.H{"1": []int{1, 0}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFactoryResetThenRecoverBaud(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/buses/arm/factory-reset/2", gin.H{"mode": "except_id"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["note"], "/api/v1/buses/arm/baud")
	assert.NotContains(t, body, "new_id")

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/2", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, "device moved to its factory baud")

	w, body = do(t, s, http.MethodPost, "/api/v1/buses/arm/baud", gin.H{"baud_rate": simulator.FactoryBaudRate})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, simulator.FactoryBaudRate, body["baud_rate"])

	w, body = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1060, body["model_number"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/1", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, "untouched device stays at the old baud")

	_, body = do(t, s, http.MethodGet, "/api/v1/buses", nil)
	buses := body["buses"].([]any)
	assert.EqualValues(t, simulator.FactoryBaudRate, buses[0].(map[string]any)["baud_rate"])
}

func TestFactoryResetKeepingBaudHasNoNote(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/buses/arm/factory-reset/1", gin.H{"mode": "except_id_baud"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, body, "note")

	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/ping/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetBusBaudValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing rate", "/api/v1/buses/arm/baud", gin.H{}, http.StatusBadRequest},
		{"zero rate", "/api/v1/buses/arm/baud", gin.H{"baud_rate": 0}, http.StatusBadRequest},
		{"negative rate", "/api/v1/buses/arm/baud", gin.H{"baud_rate": -9600}, http.StatusBadRequest},
		{"unknown bus", "/api/v1/buses/leg/baud", gin.H{"baud_rate": 57600}, http.StatusNotFound},
		{"accepted", "/api/v1/buses/arm/baud", gin.H{"baud_rate": 115200}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			w, _ := do(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestServoLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/servos", gin.H{
		"name":    "pan",
		"bus":     "arm",
		"id":      1,
		"aliases": gin.H{"position": "goal_position"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "robotis-xm430-w350", body["profile"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/servos", gin.H{"name": "pan", "bus": "arm", "id": 2})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/servos/pan/write", gin.H{"register": "position", "value": 90.0})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodPost, "/api/v1/servos/pan/read", gin.H{"register": "goal_position"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 90.0, body["value"], 0.1)
	assert.Equal(t, "deg", body["unit"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/servos/pan/write", gin.H{"register": "model_number", "value": 1.0})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/servos/pan/read", gin.H{"register": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/v1/servos", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = do(t, s, http.MethodGet, "/api/v1/servos/pan", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, s, http.MethodDelete, "/api/v1/servos/pan", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, s, http.MethodGet, "/api/v1/servos/pan", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModels(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = do(t, s, http.MethodGet, "/api/v1/models/robotis/xm430-w350", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "registers")

	w, _ = do(t, s, http.MethodGet, "/api/v1/models/robotis/mx-106", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthProtectedRoutes(t *testing.T) {
	hash, err := auth.NewPasswordHasherWithParams(1024, 1, 1).HashPassword("s3cret")
	require.NoError(t, err)

	cfg := config.AuthConfig{
		Enabled:                true,
		JWTSecretEnv:           "OSC_REST_TEST_SECRET",
		AccessTokenTTL:         time.Minute,
		MaxFailedLoginAttempts: 3,
		AccountLockDuration:    time.Minute,
		Users: []config.UserConfig{
			{Username: "op", PasswordHash: hash, Role: "operator"},
		},
	}
	svc := auth.NewAuthService(auth.NewStaticUserStore(cfg), cfg, zap.NewNop())
	s := newTestServer(t, svc)

	w, _ := do(t, s, http.MethodGet, "/api/v1/buses", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "op", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(t, s, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "op", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer", body["token_type"])
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)

	w, _ = do(t, s, http.MethodGet, "/api/v1/buses", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	// operators may read but not write
	w, _ = do(t, s, http.MethodPost, "/api/v1/buses/arm/reboot/1", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginDisabled(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "op", "password": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassify(t *testing.T) {
	status, code := classify(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)
}

type fakeHistory struct {
	gotBus, gotServo, gotRegister string
	gotN                          int64
}

func (f *fakeHistory) History(_ context.Context, bus, servo, register string, n int64) ([]telemetry.Sample, error) {
	f.gotBus, f.gotServo, f.gotRegister, f.gotN = bus, servo, register, n
	return []telemetry.Sample{{Bus: bus, Servo: servo, Register: register, Value: 1.5}}, nil
}

func TestServoHistory(t *testing.T) {
	history := &fakeHistory{}
	s := newTestServerWithHistory(t, nil, history)

	w, _ := do(t, s, http.MethodPost, "/api/v1/servos", gin.H{
		"name":    "pan",
		"bus":     "arm",
		"id":      1,
		"aliases": gin.H{"position": "present_position"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := do(t, s, http.MethodGet, "/api/v1/servos/pan/history?register=position&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "arm", history.gotBus)
	assert.Equal(t, "present_position", history.gotRegister)
	assert.EqualValues(t, 5, history.gotN)

	w, _ = do(t, s, http.MethodGet, "/api/v1/servos/pan/history", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodGet, "/api/v1/servos/pan/history?register=position&limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServoHistoryUnavailable(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPost, "/api/v1/servos", gin.H{"name": "pan", "bus": "arm", "id": 1})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = do(t, s, http.MethodGet, "/api/v1/servos/pan/history?register=present_position", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
