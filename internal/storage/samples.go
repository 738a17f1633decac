package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
	"github.com/jackc/pgx/v5"
)

var sampleColumns = []string{"time", "bus", "servo", "device_id", "register", "value", "raw", "unit", "device_error"}

// SampleWriter persists poll samples. It implements telemetry.Sink.
type SampleWriter struct {
	db *PostgresClient
}

func NewSampleWriter(db *PostgresClient) *SampleWriter {
	return &SampleWriter{db: db}
}

func sampleRows(samples []telemetry.Sample) [][]any {
	rows := make([][]any, len(samples))
	for i, s := range samples {
		rows[i] = []any{
			s.Timestamp, s.Bus, s.Servo, int16(s.DeviceID), s.Register,
			s.Value, s.Raw, s.Unit, int16(s.DeviceError),
		}
	}
	return rows
}

func (w *SampleWriter) Publish(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := w.db.pool.CopyFrom(ctx,
		pgx.Identifier{"servo_samples"},
		sampleColumns,
		pgx.CopyFromRows(sampleRows(samples)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert samples: %w", err)
	}
	return nil
}

// QuerySamples returns the newest samples of one servo register, newest first.
func (p *PostgresClient) QuerySamples(ctx context.Context, servo, register string, since time.Time, limit int) ([]telemetry.Sample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT time, bus, servo, device_id, register, value, raw, unit, device_error
		FROM servo_samples
		WHERE servo = $1 AND register = $2 AND time >= $3
		ORDER BY time DESC
		LIMIT $4
	`, servo, register, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	out := make([]telemetry.Sample, 0)
	for rows.Next() {
		var s telemetry.Sample
		var deviceID, deviceError int16
		if err := rows.Scan(&s.Timestamp, &s.Bus, &s.Servo, &deviceID, &s.Register,
			&s.Value, &s.Raw, &s.Unit, &deviceError); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.DeviceID = uint8(deviceID)
		s.DeviceError = uint8(deviceError)
		out = append(out, s)
	}
	return out, rows.Err()
}

// History implements telemetry.HistoryReader over the sample table.
func (p *PostgresClient) History(ctx context.Context, _, servo, register string, n int64) ([]telemetry.Sample, error) {
	return p.QuerySamples(ctx, servo, register, time.Time{}, int(n))
}

var (
	_ telemetry.Sink          = (*SampleWriter)(nil)
	_ telemetry.HistoryReader = (*PostgresClient)(nil)
)
