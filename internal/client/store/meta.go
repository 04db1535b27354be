package store

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"go.etcd.io/bbolt"
)

// Cursor returns the stored pull cursor, or "" before the first pull.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		cursor = string(tx.Bucket(bucketMeta).Get(keyCursor))
		return nil
	})
	return cursor, err
}

// ClockHighWater returns the largest timestamp issued or observed on this device.
func (s *Store) ClockHighWater(ctx context.Context) (entities.Timestamp, error) {
	var highWater entities.Timestamp
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		highWater = entities.Timestamp(decodeInt64(tx.Bucket(bucketMeta).Get(keyClockHighWater)))
		return nil
	})
	return highWater, err
}

// RaiseClockHighWater persists ts as the high-water mark when it is newer
// than the stored one.
func (s *Store) RaiseClockHighWater(ctx context.Context, ts entities.Timestamp) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return raiseHighWater(tx.Bucket(bucketMeta), ts)
	})
}

// DeviceID returns the persisted device identifier, or "" when none was saved.
func (s *Store) DeviceID(ctx context.Context) (entities.DeviceID, error) {
	var device entities.DeviceID
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		device = entities.DeviceID(tx.Bucket(bucketMeta).Get(keyDeviceID))
		return nil
	})
	return device, err
}

// SaveDeviceID persists the device identifier.
func (s *Store) SaveDeviceID(ctx context.Context, device entities.DeviceID) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Put(keyDeviceID, []byte(device.String())); err != nil {
			return fmt.Errorf("failed to save device id: %w", err)
		}
		return nil
	})
}

func raiseHighWater(bucket *bbolt.Bucket, ts entities.Timestamp) error {
	current := decodeInt64(bucket.Get(keyClockHighWater))
	if ts.Int64() <= current {
		return nil
	}
	if err := bucket.Put(keyClockHighWater, encodeInt64(ts.Int64())); err != nil {
		return fmt.Errorf("failed to save clock high-water mark: %w", err)
	}
	return nil
}
