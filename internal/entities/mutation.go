package entities

import (
	"errors"
	"fmt"
)

// ErrInvalidMutation indicates a mutation record that cannot be applied by any replica.
var ErrInvalidMutation = errors.New("entities: invalid mutation")

// Mutation is the immutable unit of change exchanged between devices and the server.
type Mutation struct {
	Entity       Kind      `json:"entity"`
	Op           Operation `json:"op"`
	ID           EntityID  `json:"id"`
	Fields       Fields    `json:"fields,omitempty"`
	UpdatedAt    Timestamp `json:"updatedAt"`
	OriginDevice DeviceID  `json:"originDevice"`
}

// MutationConfig carries raw inputs for NewMutation.
type MutationConfig struct {
	Entity       string
	Op           string
	ID           string
	Fields       map[string]any
	UpdatedAt    Timestamp
	OriginDevice string
}

// NewMutation validates raw inputs and returns a normalized Mutation.
func NewMutation(cfg MutationConfig) (Mutation, error) {
	kind, err := ParseKind(cfg.Entity)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	op, err := ParseOperation(cfg.Op)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	id, err := NewEntityID(cfg.ID)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	device, err := NewDeviceID(cfg.OriginDevice)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	mutation := Mutation{
		Entity:       kind,
		Op:           op,
		ID:           id,
		UpdatedAt:    cfg.UpdatedAt,
		OriginDevice: device,
	}
	if op == OperationUpsert {
		mutation.Fields = Fields(cfg.Fields)
	}
	return mutation.Normalized()
}

// Normalized validates the record and returns a copy with coerced fields.
// Delete records drop any supplied fields.
func (mutation Mutation) Normalized() (Mutation, error) {
	if _, ok := schemas[mutation.Entity]; !ok {
		return Mutation{}, fmt.Errorf("%w: %v: %q", ErrInvalidMutation, ErrInvalidKind, mutation.Entity)
	}
	if _, err := ParseOperation(string(mutation.Op)); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if _, err := NewEntityID(mutation.ID.String()); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if _, err := NewDeviceID(mutation.OriginDevice.String()); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if _, err := NewTimestamp(mutation.UpdatedAt.Int64()); err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	normalized := mutation
	if mutation.Op == OperationDelete {
		normalized.Fields = nil
		return normalized, nil
	}
	fields, err := NormalizeFields(mutation.Entity, mutation.Fields)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	normalized.Fields = fields
	return normalized, nil
}

// Key identifies the target entity of the mutation.
func (mutation Mutation) Key() string {
	return Key(mutation.Entity, mutation.ID)
}

// Clone returns a copy that shares no mutable state with the receiver.
func (mutation Mutation) Clone() Mutation {
	cloned := mutation
	if mutation.Fields != nil {
		cloned.Fields = mutation.Fields.Clone()
	}
	return cloned
}
