package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"go.etcd.io/bbolt"
)

// ApplyPulled merges a page of pulled records into the projection and stores
// cursor, all in one transaction. A crash mid-page leaves the old cursor in
// place and the page is pulled again.
func (s *Store) ApplyPulled(ctx context.Context, records []entities.Mutation, cursor string) ([]resolve.Outcome, error) {
	outcomes := make([]resolve.Outcome, 0, len(records))
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		entityBucket := tx.Bucket(bucketEntities)
		metaBucket := tx.Bucket(bucketMeta)
		for _, record := range records {
			outcome, err := mergeInto(entityBucket, record)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
			if err := raiseHighWater(metaBucket, record.UpdatedAt); err != nil {
				return err
			}
		}
		if err := metaBucket.Put(keyCursor, []byte(cursor)); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// ReplayPending re-applies every non-rejected log entry, in order, to the
// projection. Replaying twice yields the same projection.
func (s *Store) ReplayPending(ctx context.Context) (int, error) {
	replayed := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		entityBucket := tx.Bucket(bucketEntities)
		cursor := tx.Bucket(bucketMutationLog).Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			if entry.Rejected {
				continue
			}
			if _, err := mergeInto(entityBucket, entry.Record); err != nil {
				return err
			}
			replayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return replayed, nil
}

// ResetForResync drops the projection and the cursor. The mutation log and the
// clock high-water mark survive so local edits can be replayed afterwards.
func (s *Store) ResetForResync(ctx context.Context) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntities); err != nil {
			return fmt.Errorf("failed to drop entities bucket: %w", err)
		}
		if _, err := tx.CreateBucket(bucketEntities); err != nil {
			return fmt.Errorf("failed to recreate entities bucket: %w", err)
		}
		if err := tx.Bucket(bucketMeta).Delete(keyCursor); err != nil {
			return fmt.Errorf("failed to clear cursor: %w", err)
		}
		return nil
	})
}

// GetEntity returns the projected state of one entity, tombstones included.
func (s *Store) GetEntity(ctx context.Context, kind entities.Kind, id entities.EntityID) (entities.State, error) {
	var state entities.State
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketEntities).Get([]byte(entities.Key(kind, id)))
		if value == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, entities.Key(kind, id))
		}
		decoded, err := decodeState(value)
		if err != nil {
			return err
		}
		state = decoded
		return nil
	})
	return state, err
}

// ListEntities returns the projected entities of kind ordered by id.
func (s *Store) ListEntities(ctx context.Context, kind entities.Kind, includeDeleted bool) ([]entities.State, error) {
	var states []entities.State
	prefix := []byte(kind.String() + "/")
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntities).Cursor()
		for key, value := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, value = cursor.Next() {
			state, err := decodeState(value)
			if err != nil {
				return err
			}
			if state.Deleted() && !includeDeleted {
				continue
			}
			states = append(states, state)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// EntityHashes groups the state hash of every projected entity by kind.
func (s *Store) EntityHashes(ctx context.Context) (map[entities.Kind][]string, error) {
	hashes := make(map[entities.Kind][]string)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(_, value []byte) error {
			state, err := decodeState(value)
			if err != nil {
				return err
			}
			hashes[state.Kind] = append(hashes[state.Kind], state.Hash())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func mergeInto(bucket *bbolt.Bucket, record entities.Mutation) (resolve.Outcome, error) {
	key := []byte(record.Key())
	var current *entities.State
	if value := bucket.Get(key); value != nil {
		decoded, err := decodeState(value)
		if err != nil {
			return resolve.Outcome{}, err
		}
		current = &decoded
	}

	outcome := resolve.Merge(current, record, resolve.SideClient)
	if !outcome.Changed {
		return outcome, nil
	}
	data, err := json.Marshal(outcome.State)
	if err != nil {
		return resolve.Outcome{}, fmt.Errorf("failed to marshal entity: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return resolve.Outcome{}, fmt.Errorf("failed to save entity: %w", err)
	}
	return outcome, nil
}

func decodeState(data []byte) (entities.State, error) {
	var state entities.State
	if err := json.Unmarshal(data, &state); err != nil {
		return entities.State{}, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	fields, err := entities.NormalizeFields(state.Kind, state.Fields)
	if err != nil {
		return entities.State{}, fmt.Errorf("failed to normalize entity %s: %w", state.Key(), err)
	}
	state.Fields = fields
	return state, nil
}
