package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"go.etcd.io/bbolt"
)

// Entry is one queued mutation. Sequence is assigned at append and gives the
// log its insertion order.
type Entry struct {
	Sequence     uint64            `json:"sequence"`
	Record       entities.Mutation `json:"record"`
	Rejected     bool              `json:"rejected,omitempty"`
	RejectReason string            `json:"rejectReason,omitempty"`
}

// AppendMutation stores record at the tail of the log and merges it into the
// projection in the same transaction. The clock high-water mark is raised to
// the record's timestamp.
func (s *Store) AppendMutation(ctx context.Context, record entities.Mutation) (Entry, resolve.Outcome, error) {
	var (
		entry   Entry
		outcome resolve.Outcome
	)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		logBucket := tx.Bucket(bucketMutationLog)
		sequence, err := logBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		entry = Entry{Sequence: sequence, Record: record.Clone()}
		if err := putEntry(logBucket, entry); err != nil {
			return err
		}

		outcome, err = mergeInto(tx.Bucket(bucketEntities), record)
		if err != nil {
			return err
		}
		return raiseHighWater(tx.Bucket(bucketMeta), record.UpdatedAt)
	})
	if err != nil {
		return Entry{}, resolve.Outcome{}, err
	}
	return entry, outcome, nil
}

// PendingEntries returns up to limit non-rejected entries in insertion order.
// A non-positive limit returns every pending entry.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]Entry, error) {
	var pending []Entry
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketMutationLog).Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			if entry.Rejected {
				continue
			}
			pending = append(pending, entry)
			if limit > 0 && len(pending) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Entries returns every entry, rejected ones included, in insertion order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	var all []Entry
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutationLog).ForEach(func(_, value []byte) error {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			all = append(all, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Entry returns the entry with the given sequence.
func (s *Store) Entry(ctx context.Context, sequence uint64) (Entry, error) {
	var entry Entry
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketMutationLog).Get(sequenceKey(sequence))
		if value == nil {
			return fmt.Errorf("%w: entry %d", ErrNotFound, sequence)
		}
		decoded, err := decodeEntry(value)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	return entry, err
}

// PendingCount reports how many entries await a push.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	count := 0
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutationLog).ForEach(func(_, value []byte) error {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			if !entry.Rejected {
				count++
			}
			return nil
		})
	})
	return count, err
}

// DeleteEntries removes the given sequences and returns how many existed.
func (s *Store) DeleteEntries(ctx context.Context, sequences []uint64) (int, error) {
	removed := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutationLog)
		for _, sequence := range sequences {
			key := sequenceKey(sequence)
			if bucket.Get(key) == nil {
				continue
			}
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete entry %d: %w", sequence, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// MarkRejected flags an entry so that it is skipped by PendingEntries.
func (s *Store) MarkRejected(ctx context.Context, sequence uint64, reason string) error {
	return s.updateEntry(ctx, sequence, func(entry *Entry) {
		entry.Rejected = true
		entry.RejectReason = reason
	})
}

// MarkPending clears the rejected flag of an entry.
func (s *Store) MarkPending(ctx context.Context, sequence uint64) error {
	return s.updateEntry(ctx, sequence, func(entry *Entry) {
		entry.Rejected = false
		entry.RejectReason = ""
	})
}

func (s *Store) updateEntry(ctx context.Context, sequence uint64, mutate func(entry *Entry)) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutationLog)
		value := bucket.Get(sequenceKey(sequence))
		if value == nil {
			return fmt.Errorf("%w: entry %d", ErrNotFound, sequence)
		}
		entry, err := decodeEntry(value)
		if err != nil {
			return err
		}
		mutate(&entry)
		return putEntry(bucket, entry)
	})
}

func putEntry(bucket *bbolt.Bucket, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := bucket.Put(sequenceKey(entry.Sequence), data); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// decodeEntry restores canonical field types; JSON numbers decode as float64.
func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	normalized, err := entry.Record.Normalized()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to normalize entry %d: %w", entry.Sequence, err)
	}
	entry.Record = normalized
	return entry, nil
}
