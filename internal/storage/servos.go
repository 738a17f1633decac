package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServoRecord is a servo registered at runtime through the API. Servos from
// the configuration file are not stored.
type ServoRecord struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Bus       string            `json:"bus"`
	DeviceID  uint8             `json:"device_id"`
	Profile   string            `json:"profile"`
	Poll      []string          `json:"poll"`
	Aliases   map[string]string `json:"aliases"`
	Enabled   bool              `json:"enabled"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SaveOrUpdateServo upserts a servo by name.
func (p *PostgresClient) SaveOrUpdateServo(ctx context.Context, rec ServoRecord) (uuid.UUID, error) {
	pollJSON, err := json.Marshal(nonNilStrings(rec.Poll))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal poll list: %w", err)
	}
	aliasJSON, err := json.Marshal(nonNilMap(rec.Aliases))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal aliases: %w", err)
	}

	var id uuid.UUID
	err = p.pool.QueryRow(ctx, `
		INSERT INTO servos (name, bus, device_id, profile, poll, aliases, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (name)
		DO UPDATE SET
			bus = EXCLUDED.bus,
			device_id = EXCLUDED.device_id,
			profile = EXCLUDED.profile,
			poll = EXCLUDED.poll,
			aliases = EXCLUDED.aliases,
			enabled = TRUE,
			updated_at = NOW()
		RETURNING id
	`, rec.Name, rec.Bus, int16(rec.DeviceID), rec.Profile, pollJSON, aliasJSON).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert servo: %w", err)
	}

	return id, nil
}

// LoadServos loads all enabled servos
func (p *PostgresClient) LoadServos(ctx context.Context) ([]ServoRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, bus, device_id, profile, poll, aliases, enabled, updated_at
		FROM servos
		WHERE enabled = TRUE
		ORDER BY bus, device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query servos: %w", err)
	}
	defer rows.Close()

	records := make([]ServoRecord, 0)
	for rows.Next() {
		var rec ServoRecord
		var deviceID int16
		var pollJSON, aliasJSON []byte

		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Bus, &deviceID, &rec.Profile,
			&pollJSON, &aliasJSON, &rec.Enabled, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan servo: %w", err)
		}
		rec.DeviceID = uint8(deviceID)

		if err := json.Unmarshal(pollJSON, &rec.Poll); err != nil {
			return nil, fmt.Errorf("servo %s: failed to unmarshal poll list: %w", rec.Name, err)
		}
		if err := json.Unmarshal(aliasJSON, &rec.Aliases); err != nil {
			return nil, fmt.Errorf("servo %s: failed to unmarshal aliases: %w", rec.Name, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteServo removes a servo from database
func (p *PostgresClient) DeleteServo(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM servos WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete servo: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("servo %s: %w", name, ErrNotFound)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
