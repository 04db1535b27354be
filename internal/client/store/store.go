// Package store persists a device's mutation log, entity projection and sync
// metadata in a single bbolt file. Every operation that must be atomic with
// respect to crashes runs in one bbolt transaction.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketMutationLog = []byte("mutation_log")
	bucketEntities    = []byte("entities")
	bucketMeta        = []byte("meta")

	keyCursor         = []byte("cursor")
	keyClockHighWater = []byte("clock_high_water")
	keyDeviceID       = []byte("device_id")
)

var (
	// ErrStorageClosed is returned by every operation after Close.
	ErrStorageClosed = errors.New("store: storage is closed")
	// ErrNotFound indicates a missing log entry or entity.
	ErrNotFound = errors.New("store: not found")
)

const openTimeout = 2 * time.Second

// Store is the bbolt-backed durable state of one device.
type Store struct {
	mu sync.RWMutex
	db *bbolt.DB
}

// Open opens or creates the store file at path and ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

// Close releases the file lock. Calling Close twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMutationLog, bucketEntities, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStorageClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStorageClosed
	}
	return s.db.Update(fn)
}

func sequenceKey(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}

func sequenceFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

func encodeInt64(value int64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, uint64(value))
	return encoded
}

func decodeInt64(encoded []byte) int64 {
	if len(encoded) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(encoded))
}
