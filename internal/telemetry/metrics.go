package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a Prometheus sink. It also observes every bus exchange.
type Metrics struct {
	registry *prometheus.Registry

	exchanges    *prometheus.CounterVec
	roundTrip    *prometheus.HistogramVec
	registers    *prometheus.GaugeVec
	deviceErrors *prometheus.CounterVec
	samples      prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servo_bus_exchanges_total",
				Help: "Instruction exchanges by bus, instruction and communication result",
			},
			[]string{"bus", "instruction", "result"},
		),
		roundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servo_bus_round_trip_seconds",
				Help:    "Time from instruction transmit to status receive",
				Buckets: []float64{.001, .002, .005, .01, .02, .05, .1, .25, .5, 1, 2},
			},
			[]string{"bus", "instruction"},
		),
		registers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "servo_register_value",
				Help: "Last polled register value in engineering units",
			},
			[]string{"bus", "servo", "register"},
		),
		deviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servo_device_errors_total",
				Help: "Samples carrying a non-zero device error byte",
			},
			[]string{"bus", "servo", "error"},
		),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servo_samples_total",
			Help: "Register samples published",
		}),
	}

	m.registry.MustRegister(
		m.exchanges,
		m.roundTrip,
		m.registers,
		m.deviceErrors,
		m.samples,
	)
	return m
}

func (m *Metrics) ObserveExchange(bus string, inst protocol.Instruction, result protocol.CommResult, elapsed time.Duration) {
	m.exchanges.WithLabelValues(bus, inst.String(), result.String()).Inc()
	if result == protocol.CommSuccess {
		m.roundTrip.WithLabelValues(bus, inst.String()).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Publish(_ context.Context, samples []Sample) error {
	for _, s := range samples {
		m.registers.WithLabelValues(s.Bus, s.Servo, s.Register).Set(s.Value)
		if s.DeviceError != 0 {
			m.deviceErrors.WithLabelValues(s.Bus, s.Servo, "0x"+strconv.FormatUint(uint64(s.DeviceError), 16)).Inc()
		}
	}
	m.samples.Add(float64(len(samples)))
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
