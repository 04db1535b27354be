// Package mutationlog is the device-side queue of local edits. Every edit is
// persisted at the tail of the log and applied to the local projection in one
// step, then drained in order by the sync engine until the server confirms it.
package mutationlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/momentum/internal/client/store"
	"github.com/MarcoPoloResearchLab/momentum/internal/clock"
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"go.uber.org/zap"
)

var (
	// ErrPersistence wraps any failure of the durable store. Nothing was queued.
	ErrPersistence = errors.New("mutationlog: persistence failure")

	errMissingStore  = errors.New("mutationlog: store is required")
	errMissingClock  = errors.New("mutationlog: clock is required")
	errMissingDevice = errors.New("mutationlog: device id is required")
)

// Config wires the log to its store and to the identity of this device.
type Config struct {
	Store      *store.Store
	Clock      *clock.Monotonic
	Device     entities.DeviceID
	IDProvider entities.IDProvider
	Logger     *zap.Logger
}

// Log is safe for concurrent use; ordering is delegated to the store.
type Log struct {
	store      *store.Store
	clock      *clock.Monotonic
	device     entities.DeviceID
	idProvider entities.IDProvider
	logger     *zap.Logger
}

// New validates cfg and returns a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Clock == nil {
		return nil, errMissingClock
	}
	device, err := entities.NewDeviceID(cfg.Device.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMissingDevice, err)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = entities.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:      cfg.Store,
		clock:      cfg.Clock,
		device:     device,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Device returns the origin device stamped on local edits.
func (log *Log) Device() entities.DeviceID {
	return log.device
}

// Append validates record, then durably queues it and applies it to the
// projection atomically.
func (log *Log) Append(ctx context.Context, record entities.Mutation) (store.Entry, resolve.Outcome, error) {
	normalized, err := record.Normalized()
	if err != nil {
		return store.Entry{}, resolve.Outcome{}, err
	}
	entry, outcome, err := log.store.AppendMutation(ctx, normalized)
	if err != nil {
		log.logger.Error("mutation append failed",
			zap.String("entity", normalized.Key()),
			zap.String("op", string(normalized.Op)),
			zap.Error(err))
		return store.Entry{}, resolve.Outcome{}, persistenceError(err)
	}
	log.logger.Debug("mutation queued",
		zap.Uint64("sequence", entry.Sequence),
		zap.String("entity", normalized.Key()),
		zap.String("op", string(normalized.Op)),
		zap.String("decision", outcome.Decision.String()))
	return entry, outcome, nil
}

// Upsert queues a partial update of id stamped with the device clock.
func (log *Log) Upsert(ctx context.Context, kind entities.Kind, id entities.EntityID, fields map[string]any) (store.Entry, error) {
	record, err := entities.NewMutation(entities.MutationConfig{
		Entity:       kind.String(),
		Op:           string(entities.OperationUpsert),
		ID:           id.String(),
		Fields:       fields,
		UpdatedAt:    log.clock.Next(),
		OriginDevice: log.device.String(),
	})
	if err != nil {
		return store.Entry{}, err
	}
	entry, _, err := log.Append(ctx, record)
	return entry, err
}

// Create mints a new entity identifier and queues its first upsert.
func (log *Log) Create(ctx context.Context, kind entities.Kind, fields map[string]any) (entities.EntityID, store.Entry, error) {
	id, err := entities.NewEntityIDFrom(log.idProvider)
	if err != nil {
		return "", store.Entry{}, err
	}
	entry, err := log.Upsert(ctx, kind, id, fields)
	if err != nil {
		return "", store.Entry{}, err
	}
	return id, entry, nil
}

// Delete queues a soft delete of id stamped with the device clock.
func (log *Log) Delete(ctx context.Context, kind entities.Kind, id entities.EntityID) (store.Entry, error) {
	record, err := entities.NewMutation(entities.MutationConfig{
		Entity:       kind.String(),
		Op:           string(entities.OperationDelete),
		ID:           id.String(),
		UpdatedAt:    log.clock.Next(),
		OriginDevice: log.device.String(),
	})
	if err != nil {
		return store.Entry{}, err
	}
	entry, _, err := log.Append(ctx, record)
	return entry, err
}

// Drain returns up to maxBatch pending entries in insertion order without
// removing them.
func (log *Log) Drain(ctx context.Context, maxBatch int) ([]store.Entry, error) {
	entries, err := log.store.PendingEntries(ctx, maxBatch)
	if err != nil {
		return nil, persistenceError(err)
	}
	return entries, nil
}

// Acknowledge removes confirmed entries. Unknown sequences are ignored.
func (log *Log) Acknowledge(ctx context.Context, sequences []uint64) (int, error) {
	if len(sequences) == 0 {
		return 0, nil
	}
	removed, err := log.store.DeleteEntries(ctx, sequences)
	if err != nil {
		return 0, persistenceError(err)
	}
	return removed, nil
}

// Reject keeps the entry but excludes it from future drains.
func (log *Log) Reject(ctx context.Context, sequence uint64, reason string) error {
	if err := log.store.MarkRejected(ctx, sequence, reason); err != nil {
		return persistenceError(err)
	}
	log.logger.Warn("mutation rejected",
		zap.Uint64("sequence", sequence),
		zap.String("reason", reason))
	return nil
}

// Rejected lists entries the server refused, in insertion order.
func (log *Log) Rejected(ctx context.Context) ([]store.Entry, error) {
	entries, err := log.store.Entries(ctx)
	if err != nil {
		return nil, persistenceError(err)
	}
	rejected := make([]store.Entry, 0)
	for _, entry := range entries {
		if entry.Rejected {
			rejected = append(rejected, entry)
		}
	}
	return rejected, nil
}

// Retry re-enables a rejected entry for the next drain.
func (log *Log) Retry(ctx context.Context, sequence uint64) error {
	if err := log.store.MarkPending(ctx, sequence); err != nil {
		return persistenceError(err)
	}
	return nil
}

// Replay re-applies every pending entry to the projection in order.
func (log *Log) Replay(ctx context.Context) (int, error) {
	replayed, err := log.store.ReplayPending(ctx)
	if err != nil {
		return 0, persistenceError(err)
	}
	return replayed, nil
}

// Pending counts entries awaiting a push.
func (log *Log) Pending(ctx context.Context) (int, error) {
	count, err := log.store.PendingCount(ctx)
	if err != nil {
		return 0, persistenceError(err)
	}
	return count, nil
}

// Get reads one entity from the projection.
func (log *Log) Get(ctx context.Context, kind entities.Kind, id entities.EntityID) (entities.State, error) {
	state, err := log.store.GetEntity(ctx, kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return entities.State{}, err
	}
	if err != nil {
		return entities.State{}, persistenceError(err)
	}
	return state, nil
}

// List reads the projected entities of one kind.
func (log *Log) List(ctx context.Context, kind entities.Kind, includeDeleted bool) ([]entities.State, error) {
	states, err := log.store.ListEntities(ctx, kind, includeDeleted)
	if err != nil {
		return nil, persistenceError(err)
	}
	return states, nil
}

// ReplayRecords folds records over initial the way the projection does.
func ReplayRecords(initial map[string]entities.State, records []entities.Mutation) map[string]entities.State {
	return resolve.Replay(initial, records, resolve.SideClient)
}

func persistenceError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
