// Package telemetry fans poll samples out to metrics, brokers and storage.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sample is one polled register value.
type Sample struct {
	Bus         string    `json:"bus"`
	Servo       string    `json:"servo"`
	DeviceID    uint8     `json:"device_id"`
	Register    string    `json:"register"`
	Value       float64   `json:"value"`
	Raw         int64     `json:"raw"`
	Unit        string    `json:"unit,omitempty"`
	DeviceError byte      `json:"device_error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryReader returns the recent samples of one servo register, newest
// first.
type HistoryReader interface {
	History(ctx context.Context, bus, servo, register string, n int64) ([]Sample, error)
}

// Sink consumes samples. Publish must not block the poller for long.
type Sink interface {
	Publish(ctx context.Context, samples []Sample) error
}

// Fanout forwards samples to every sink. A failing sink is logged and does
// not stop the others.
type Fanout struct {
	sinks  []namedSink
	logger *zap.Logger
}

type namedSink struct {
	name string
	sink Sink
}

func NewFanout(logger *zap.Logger) *Fanout {
	return &Fanout{logger: logger}
}

func (f *Fanout) Add(name string, s Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, samples); err != nil {
			f.logger.Warn("Telemetry sink failed",
				zap.String("sink", s.name),
				zap.Int("samples", len(samples)),
				zap.Error(err))
		}
	}
	return nil
}
