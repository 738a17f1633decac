package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	got []Sample
	err error
}

func (r *recordingSink) Publish(_ context.Context, samples []Sample) error {
	r.got = append(r.got, samples...)
	return r.err
}

func sample(register string, value float64) Sample {
	return Sample{
		Bus:       "arm",
		Servo:     "shoulder",
		DeviceID:  2,
		Register:  register,
		Value:     value,
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestFanoutContinuesPastFailingSink(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}

	f := NewFanout(zap.NewNop())
	f.Add("failing", failing)
	f.Add("healthy", healthy)

	samples := []Sample{sample("present_position", 90), sample("present_temperature", 41)}
	require.NoError(t, f.Publish(context.Background(), samples))

	assert.Equal(t, samples, failing.got)
	assert.Equal(t, samples, healthy.got)
	assert.Equal(t, 2, f.Len())
}

func TestFanoutSkipsEmptyBatch(t *testing.T) {
	s := &recordingSink{}
	f := NewFanout(zap.NewNop())
	f.Add("s", s)

	require.NoError(t, f.Publish(context.Background(), nil))
	assert.Empty(t, s.got)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.ObserveExchange("arm", protocol.InstRead, protocol.CommSuccess, 3*time.Millisecond)
	m.ObserveExchange("arm", protocol.InstRead, protocol.CommRxTimeout, 20*time.Millisecond)
	m.ObserveExchange("arm", protocol.InstRead, protocol.CommRxTimeout, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("arm", "READ", protocol.CommSuccess.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchanges.WithLabelValues("arm", "READ", protocol.CommRxTimeout.String())))

	s := sample("present_position", 12.5)
	s.DeviceError = 0x20
	require.NoError(t, m.Publish(context.Background(), []Sample{s}))

	assert.Equal(t, 12.5, testutil.ToFloat64(m.registers.WithLabelValues("arm", "shoulder", "present_position")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deviceErrors.WithLabelValues("arm", "shoulder", "0x20")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "servo_bus_exchanges_total")
}

func TestNaming(t *testing.T) {
	s := sample("goal_position", 0)
	assert.Equal(t, "servos/arm/shoulder/goal_position", Topic("servos", s))
	assert.Equal(t, "servo:arm:shoulder:goal_position", HistoryKey("arm", "shoulder", "goal_position"))
}
