package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DiscoveryHash returns the content hash recorded for a device/sensor
// pair, or ErrNotFound if no discovery config was ever published for
// it.
func (s *Store) DiscoveryHash(ctx context.Context, deviceID, sensorKey string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash FROM discovery_records
		WHERE device_id = ? AND sensor_key = ?`, deviceID, sensorKey).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: discovery record %s/%s", ErrNotFound, deviceID, sensorKey)
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading discovery record: %w", ErrPersistence, err)
	}
	return hash, nil
}

// SetDiscoveryHash records the content hash of a published discovery
// config, replacing any prior record for the pair.
func (s *Store) SetDiscoveryHash(ctx context.Context, deviceID, sensorKey, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_records (device_id, sensor_key, content_hash, published_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, sensor_key) DO UPDATE SET
			content_hash = excluded.content_hash,
			published_at = excluded.published_at`,
		deviceID, sensorKey, hash, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("%w: recording discovery hash: %w", ErrPersistence, err)
	}
	return nil
}

// ClearDiscovery removes all discovery records, forcing the next
// ensure-discovered pass to republish every config unconditionally.
func (s *Store) ClearDiscovery(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM discovery_records`); err != nil {
		return fmt.Errorf("%w: clearing discovery records: %w", ErrPersistence, err)
	}
	return nil
}
