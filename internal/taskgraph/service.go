package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingEpoch    = errors.New("sync epoch is not initialized")
	noOpLogger         = zap.NewNop()

	// ErrCursorDivergence indicates a pull cursor from another feed epoch or beyond the feed head.
	ErrCursorDivergence = errors.New("taskgraph: cursor divergence")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opApplyPush      = "taskgraph.apply_push"
	opMutationsSince = "taskgraph.mutations_since"
	opListEntities   = "taskgraph.list_entities"
	opDigest         = "taskgraph.digest"
	opCurrentEpoch   = "taskgraph.current_epoch"

	fieldUserID   = "user_id"
	fieldKind     = "kind"
	fieldEntityID = "entity_id"

	queryUserID          = "user_id = ?"
	queryUserKind        = "user_id = ? AND kind = ?"
	queryUserKindEntity  = "user_id = ? AND kind = ? AND entity_id = ?"
	queryUserSequenceGT  = "user_id = ? AND sequence > ?"
	orderSequenceAsc     = "sequence ASC"
	orderEntityIDAsc     = "entity_id ASC"
	defaultPullPageLimit = 500

	reasonMissingDatabase   = "missing_database"
	reasonMissingUserID     = "missing_user_id"
	reasonMissingEpoch      = "missing_epoch"
	reasonEpochLookupFailed = "epoch_lookup_failed"
	reasonEntitySelectFail  = "entity_select_failed"
	reasonEntityDecodeFail  = "entity_decode_failed"
	reasonEntitySaveFailed  = "entity_save_failed"
	reasonFeedInsertFailed  = "feed_insert_failed"
	reasonFeedDecodeFailed  = "feed_decode_failed"
	reasonQueryFailed       = "query_failed"
	reasonCursorDivergence  = "cursor_divergence"

	// RejectReasonValidation prefixes push rejections caused by invalid records.
	RejectReasonValidation = "validation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the task graph service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	PullPageLimit int
}

// Service owns the durable server copy of every user's task graph.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	pullPageLimit int
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError("taskgraph.service.new", reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	pageLimit := cfg.PullPageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPullPageLimit
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		logger:        logger,
		pullPageLimit: pageLimit,
	}, nil
}

// PushOutcome reports the decision for one pushed record. Applied is true
// whenever the server durably recorded a decision, including stale discards.
type PushOutcome struct {
	EntityID           string
	Applied            bool
	Decision           resolve.Decision
	ResultingUpdatedAt entities.Timestamp
	Reason             string
}

// PushResult aggregates outcomes in batch order.
type PushResult struct {
	Outcomes []PushOutcome
	// Changed lists the entities whose state changed, for change notifications.
	Changed []string
}

// PushRecord is a pushed record before validation. Err is set when the wire
// payload could not be decoded; the record is then rejected.
type PushRecord struct {
	EntityID string
	Mutation entities.Mutation
	Err      error
}

// ApplyPush merges records into the user's store in batch order within one
// transaction. Each entity row is read under an update lock so that concurrent
// pushes for the same entity serialize their read-modify-write.
func (service *Service) ApplyPush(ctx context.Context, userID string, records []PushRecord) (PushResult, error) {
	if service.db == nil {
		service.logError(opApplyPush, reasonMissingDatabase, errMissingDatabase)
		return PushResult{}, newServiceError(opApplyPush, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		service.logError(opApplyPush, reasonMissingUserID, errMissingUserID)
		return PushResult{}, newServiceError(opApplyPush, reasonMissingUserID, errMissingUserID)
	}

	result := PushResult{Outcomes: make([]PushOutcome, 0, len(records))}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, record := range records {
			if record.Err != nil {
				result.Outcomes = append(result.Outcomes, PushOutcome{
					EntityID: record.EntityID,
					Applied:  false,
					Reason:   fmt.Sprintf("%s: %v", RejectReasonValidation, record.Err),
				})
				continue
			}
			mutation, validationErr := record.Mutation.Normalized()
			if validationErr != nil {
				result.Outcomes = append(result.Outcomes, PushOutcome{
					EntityID: record.EntityID,
					Applied:  false,
					Reason:   fmt.Sprintf("%s: %v", RejectReasonValidation, validationErr),
				})
				continue
			}

			outcome, changed, applyErr := service.applyOne(transaction, userID, mutation)
			if applyErr != nil {
				return applyErr
			}
			result.Outcomes = append(result.Outcomes, outcome)
			if changed {
				result.Changed = append(result.Changed, mutation.Key())
			}
		}
		return nil
	})

	if transactionError != nil {
		return PushResult{}, transactionError
	}

	service.logger.Debug("push applied",
		zap.String(fieldUserID, userID),
		zap.Int("records", len(records)),
		zap.Int("changed", len(result.Changed)))
	return result, nil
}

func (service *Service) applyOne(transaction *gorm.DB, userID string, mutation entities.Mutation) (PushOutcome, bool, error) {
	logFields := []zap.Field{
		zap.String(fieldUserID, userID),
		zap.String(fieldKind, mutation.Entity.String()),
		zap.String(fieldEntityID, mutation.ID.String()),
	}

	var existing EntityRow
	var currentPtr *entities.State
	version := int64(0)
	err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryUserKindEntity, userID, mutation.Entity.String(), mutation.ID.String()).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		currentPtr = nil
	case err != nil:
		service.logError(opApplyPush, reasonEntitySelectFail, err, logFields...)
		return PushOutcome{}, false, newServiceError(opApplyPush, reasonEntitySelectFail, err)
	default:
		current, decodeErr := rowToState(existing)
		if decodeErr != nil {
			service.logError(opApplyPush, reasonEntityDecodeFail, decodeErr, logFields...)
			return PushOutcome{}, false, newServiceError(opApplyPush, reasonEntityDecodeFail, decodeErr)
		}
		currentPtr = &current
		version = existing.Version
	}

	merged := resolve.Merge(currentPtr, mutation, resolve.SideServer)
	outcome := PushOutcome{
		EntityID:           mutation.ID.String(),
		Applied:            true,
		Decision:           merged.Decision,
		ResultingUpdatedAt: merged.State.UpdatedAt,
	}
	if !merged.Changed {
		return outcome, false, nil
	}

	row := stateToRow(userID, merged.State, version+1)
	if err := transaction.Save(&row).Error; err != nil {
		service.logError(opApplyPush, reasonEntitySaveFailed, err, logFields...)
		return PushOutcome{}, false, newServiceError(opApplyPush, reasonEntitySaveFailed, err)
	}

	feed := FeedMutation{
		UserID:          userID,
		Kind:            mutation.Entity.String(),
		EntityID:        mutation.ID.String(),
		Operation:       string(mutation.Op),
		UpdatedAtMillis: mutation.UpdatedAt.Int64(),
		OriginDevice:    mutation.OriginDevice.String(),
		RecordedAtMs:    service.clock().UTC().UnixMilli(),
	}
	if mutation.Op == entities.OperationUpsert {
		feed.Data = datatypes.JSONMap(mutation.Fields.Clone())
	}
	if err := transaction.Create(&feed).Error; err != nil {
		service.logError(opApplyPush, reasonFeedInsertFailed, err, logFields...)
		return PushOutcome{}, false, newServiceError(opApplyPush, reasonFeedInsertFailed, err)
	}
	return outcome, true, nil
}

// PullResult is one page of the user's feed.
type PullResult struct {
	Mutations []entities.Mutation
	Cursor    wire.Cursor
}

// MutationsSince returns feed entries after cursor in increasing sequence
// order. A cursor from another epoch, or beyond the feed head, is divergent.
func (service *Service) MutationsSince(ctx context.Context, userID string, cursor wire.Cursor) (PullResult, error) {
	if service.db == nil {
		service.logError(opMutationsSince, reasonMissingDatabase, errMissingDatabase)
		return PullResult{}, newServiceError(opMutationsSince, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		service.logError(opMutationsSince, reasonMissingUserID, errMissingUserID)
		return PullResult{}, newServiceError(opMutationsSince, reasonMissingUserID, errMissingUserID)
	}

	database := service.db.WithContext(ctx)
	epoch, err := service.currentEpoch(database)
	if err != nil {
		return PullResult{}, err
	}

	since := cursor.Sequence
	if !cursor.IsZero() {
		if cursor.Epoch != epoch {
			return PullResult{}, newServiceError(opMutationsSince, reasonCursorDivergence, ErrCursorDivergence)
		}
		var head FeedMutation
		headErr := database.Select("sequence").Where(queryUserID, userID).Order("sequence DESC").Take(&head).Error
		if headErr != nil && !errors.Is(headErr, gorm.ErrRecordNotFound) {
			service.logError(opMutationsSince, reasonQueryFailed, headErr, zap.String(fieldUserID, userID))
			return PullResult{}, newServiceError(opMutationsSince, reasonQueryFailed, headErr)
		}
		if since > head.Sequence {
			return PullResult{}, newServiceError(opMutationsSince, reasonCursorDivergence, ErrCursorDivergence)
		}
	}

	var feed []FeedMutation
	if err := database.
		Where(queryUserSequenceGT, userID, since).
		Order(orderSequenceAsc).
		Limit(service.pullPageLimit).
		Find(&feed).Error; err != nil {
		service.logError(opMutationsSince, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return PullResult{}, newServiceError(opMutationsSince, reasonQueryFailed, err)
	}

	result := PullResult{
		Mutations: make([]entities.Mutation, 0, len(feed)),
		Cursor:    wire.Cursor{Epoch: epoch, Sequence: since},
	}
	for _, entry := range feed {
		mutation, decodeErr := feedToMutation(entry)
		if decodeErr != nil {
			service.logError(opMutationsSince, reasonFeedDecodeFailed, decodeErr,
				zap.String(fieldUserID, userID),
				zap.Int64("sequence", entry.Sequence))
			return PullResult{}, newServiceError(opMutationsSince, reasonFeedDecodeFailed, decodeErr)
		}
		result.Mutations = append(result.Mutations, mutation)
		result.Cursor.Sequence = entry.Sequence
	}
	return result, nil
}

// ListEntities returns the user's entities of one kind, including soft-deleted ones.
func (service *Service) ListEntities(ctx context.Context, userID string, kind entities.Kind) ([]entities.State, error) {
	if service.db == nil {
		service.logError(opListEntities, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListEntities, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		service.logError(opListEntities, reasonMissingUserID, errMissingUserID)
		return nil, newServiceError(opListEntities, reasonMissingUserID, errMissingUserID)
	}

	var rows []EntityRow
	if err := service.db.WithContext(ctx).
		Where(queryUserKind, userID, kind.String()).
		Order(orderEntityIDAsc).
		Find(&rows).Error; err != nil {
		service.logError(opListEntities, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListEntities, reasonQueryFailed, err)
	}

	states := make([]entities.State, 0, len(rows))
	for _, row := range rows {
		state, err := rowToState(row)
		if err != nil {
			service.logError(opListEntities, reasonEntityDecodeFail, err, zap.String(fieldUserID, userID))
			return nil, newServiceError(opListEntities, reasonEntityDecodeFail, err)
		}
		states = append(states, state)
	}
	return states, nil
}

// DigestResult holds a per-kind digest of state hashes and the feed head it reflects.
type DigestResult struct {
	Cursor wire.Cursor
	Kinds  map[entities.Kind]string
}

// Digest summarizes the user's store for drift detection. Every kind is
// present; kinds without entities digest the empty set.
func (service *Service) Digest(ctx context.Context, userID string) (DigestResult, error) {
	if service.db == nil {
		service.logError(opDigest, reasonMissingDatabase, errMissingDatabase)
		return DigestResult{}, newServiceError(opDigest, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		service.logError(opDigest, reasonMissingUserID, errMissingUserID)
		return DigestResult{}, newServiceError(opDigest, reasonMissingUserID, errMissingUserID)
	}

	result := DigestResult{Kinds: make(map[entities.Kind]string, len(entities.Kinds()))}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		epoch, err := service.currentEpoch(transaction)
		if err != nil {
			return err
		}
		var head FeedMutation
		headErr := transaction.Select("sequence").Where(queryUserID, userID).Order("sequence DESC").Take(&head).Error
		if headErr != nil && !errors.Is(headErr, gorm.ErrRecordNotFound) {
			service.logError(opDigest, reasonQueryFailed, headErr, zap.String(fieldUserID, userID))
			return newServiceError(opDigest, reasonQueryFailed, headErr)
		}
		result.Cursor = wire.Cursor{Epoch: epoch, Sequence: head.Sequence}

		var rows []EntityRow
		if err := transaction.Select("kind", "state_hash").Where(queryUserID, userID).Find(&rows).Error; err != nil {
			service.logError(opDigest, reasonQueryFailed, err, zap.String(fieldUserID, userID))
			return newServiceError(opDigest, reasonQueryFailed, err)
		}
		hashesByKind := make(map[entities.Kind][]string)
		for _, row := range rows {
			kind := entities.Kind(row.Kind)
			hashesByKind[kind] = append(hashesByKind[kind], row.StateHash)
		}
		for _, kind := range entities.Kinds() {
			result.Kinds[kind] = entities.Digest(hashesByKind[kind])
		}
		return nil
	})
	if transactionError != nil {
		return DigestResult{}, transactionError
	}
	return result, nil
}

// CurrentEpoch returns the identifier of the active feed generation.
func (service *Service) CurrentEpoch(ctx context.Context) (string, error) {
	if service.db == nil {
		service.logError(opCurrentEpoch, reasonMissingDatabase, errMissingDatabase)
		return "", newServiceError(opCurrentEpoch, reasonMissingDatabase, errMissingDatabase)
	}
	return service.currentEpoch(service.db.WithContext(ctx))
}

func (service *Service) currentEpoch(database *gorm.DB) (string, error) {
	var epoch SyncEpoch
	err := database.Order("id DESC").Take(&epoch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		service.logError(opCurrentEpoch, reasonMissingEpoch, errMissingEpoch)
		return "", newServiceError(opCurrentEpoch, reasonMissingEpoch, errMissingEpoch)
	}
	if err != nil {
		service.logError(opCurrentEpoch, reasonEpochLookupFailed, err)
		return "", newServiceError(opCurrentEpoch, reasonEpochLookupFailed, err)
	}
	return epoch.Epoch, nil
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("taskgraph service error", attrs...)
}
