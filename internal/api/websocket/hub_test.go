package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/auth"
	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, authService *auth.AuthService) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop(), authService)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

type received struct {
	Type MessageType `json:"type"`
	Data struct {
		Samples []telemetry.Sample `json:"samples"`
		Reason  string             `json:"reason"`
	} `json:"data"`
}

func samples(servos ...string) []telemetry.Sample {
	out := make([]telemetry.Sample, len(servos))
	for i, s := range servos {
		out[i] = telemetry.Sample{Bus: "arm", Servo: s, Register: "present_position", Value: float64(i)}
	}
	return out
}

func TestHubBroadcastsTelemetry(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), samples("shoulder", "elbow")))

	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeTelemetry, msg.Type)
	assert.Len(t, msg.Data.Samples, 2)
}

func TestHubSubscriptionFiltersServos(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "servos": []string{"elbow"}}))
	var ack received
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, MessageTypeSubscribed, ack.Type)

	require.NoError(t, hub.Publish(context.Background(), samples("shoulder")))
	require.NoError(t, hub.Publish(context.Background(), samples("shoulder", "elbow")))

	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	require.Len(t, msg.Data.Samples, 1)
	assert.Equal(t, "elbow", msg.Data.Samples[0].Servo)
}

func TestHubRequiresAuth(t *testing.T) {
	token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
	require.NoError(t, err)
	cfg := config.AuthConfig{
		MachineTokens: []config.MachineTokenConfig{{Name: "hmi", TokenHash: hash, Permissions: []string{"operator"}}},
	}
	svc := auth.NewAuthService(auth.NewStaticUserStore(cfg), cfg, zap.NewNop())
	hub, url := startHub(t, svc)

	t.Run("rejects non-auth first message", func(t *testing.T) {
		conn := dial(t, url)
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageTypeAuthFailed, msg.Type)
		assert.Equal(t, "First message must be authentication", msg.Data.Reason)
	})

	t.Run("rejects bad token", func(t *testing.T) {
		conn := dial(t, url)
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "nope"}))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageTypeAuthFailed, msg.Type)
	})

	t.Run("accepts machine token", func(t *testing.T) {
		conn := dial(t, url)
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": token}))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageTypeAuthSuccess, msg.Type)

		require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, hub.Publish(context.Background(), samples("wrist")))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageTypeTelemetry, msg.Type)
	})
}

func TestPublishEmptyBatchIsNoop(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	require.NoError(t, hub.Publish(context.Background(), nil))
	assert.Empty(t, hub.broadcast)
}
