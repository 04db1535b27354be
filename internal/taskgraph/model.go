package taskgraph

import (
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"gorm.io/datatypes"
)

// EntityRow models the durable server copy of one entity with its LWW metadata.
type EntityRow struct {
	UserID           string            `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_entities_user_kind,priority:1"`
	Kind             string            `gorm:"column:kind;primaryKey;size:32;not null;index:idx_entities_user_kind,priority:2"`
	EntityID         string            `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Fields           datatypes.JSONMap `gorm:"column:fields;not null"`
	UpdatedAtMillis  int64             `gorm:"column:updated_at_ms;not null"`
	DeletedAtMillis  *int64            `gorm:"column:deleted_at_ms"`
	LastWriterDevice string            `gorm:"column:last_writer_device;size:190;not null;default:''"`
	StateHash        string            `gorm:"column:state_hash;size:64;not null"`
	Version          int64             `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRow) TableName() string {
	return "entities"
}

// FeedMutation is the append-only server feed devices pull from. Sequence
// order is the pull order.
type FeedMutation struct {
	Sequence        int64             `gorm:"column:sequence;primaryKey;autoIncrement"`
	UserID          string            `gorm:"column:user_id;size:190;not null;index:idx_feed_user_sequence,priority:1"`
	Kind            string            `gorm:"column:kind;size:32;not null"`
	EntityID        string            `gorm:"column:entity_id;size:190;not null"`
	Operation       string            `gorm:"column:op;size:16;not null"`
	Data            datatypes.JSONMap `gorm:"column:data"`
	UpdatedAtMillis int64             `gorm:"column:updated_at_ms;not null"`
	OriginDevice    string            `gorm:"column:origin_device;size:190;not null"`
	RecordedAtMs    int64             `gorm:"column:recorded_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedMutation) TableName() string {
	return "feed_mutations"
}

// SyncEpoch identifies the current generation of the feed. Cursors minted
// under another epoch are rejected as divergent.
type SyncEpoch struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	Epoch       string `gorm:"column:epoch;size:64;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEpoch) TableName() string {
	return "sync_epochs"
}

func rowToState(row EntityRow) (entities.State, error) {
	kind, err := entities.ParseKind(row.Kind)
	if err != nil {
		return entities.State{}, err
	}
	fields, err := entities.NormalizeFields(kind, map[string]any(row.Fields))
	if err != nil {
		return entities.State{}, err
	}
	state := entities.State{
		Kind:       kind,
		ID:         entities.EntityID(row.EntityID),
		Fields:     fields,
		UpdatedAt:  entities.Timestamp(row.UpdatedAtMillis),
		LastWriter: entities.DeviceID(row.LastWriterDevice),
	}
	if row.DeletedAtMillis != nil {
		deletedAt := entities.Timestamp(*row.DeletedAtMillis)
		state.DeletedAt = &deletedAt
	}
	return state, nil
}

func stateToRow(userID string, state entities.State, version int64) EntityRow {
	row := EntityRow{
		UserID:           userID,
		Kind:             state.Kind.String(),
		EntityID:         state.ID.String(),
		Fields:           datatypes.JSONMap(state.Fields.Clone()),
		UpdatedAtMillis:  state.UpdatedAt.Int64(),
		LastWriterDevice: state.LastWriter.String(),
		StateHash:        state.Hash(),
		Version:          version,
	}
	if state.DeletedAt != nil {
		deletedAt := state.DeletedAt.Int64()
		row.DeletedAtMillis = &deletedAt
	}
	return row
}

func feedToMutation(feed FeedMutation) (entities.Mutation, error) {
	return entities.NewMutation(entities.MutationConfig{
		Entity:       feed.Kind,
		Op:           feed.Operation,
		ID:           feed.EntityID,
		Fields:       map[string]any(feed.Data),
		UpdatedAt:    entities.Timestamp(feed.UpdatedAtMillis),
		OriginDevice: feed.OriginDevice,
	})
}

// RowHash recomputes the state hash of a stored row.
func RowHash(row EntityRow) (string, error) {
	state, err := rowToState(row)
	if err != nil {
		return "", err
	}
	return state.Hash(), nil
}
