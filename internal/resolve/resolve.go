// Package resolve merges mutation records into entity state using
// last-write-wins at the granularity of one mutation's updatedAt.
//
// The same algorithm runs on the server (merging pushes into the durable
// store) and on devices (merging pulls and optimistic local edits). Only the
// tie-break differs, and it is chosen by Side.
package resolve

import (
	"reflect"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
)

// Side selects the tie-break applied when timestamps are equal.
type Side int

const (
	// SideServer keeps the stored server value on ties.
	SideServer Side = iota
	// SideClient accepts the incoming value on ties. Pulled records carry the
	// server's value, so the server wins on the device.
	SideClient
	// SideReplica orders ties by origin device so that two server-originated
	// records converge regardless of delivery order. It is meant for merging
	// one server store into another; neither the push handler nor a device
	// uses it.
	SideReplica
)

// Decision describes what the resolver did with a record.
type Decision int

const (
	// DecisionCreated means the entity did not exist and was created.
	DecisionCreated Decision = iota
	// DecisionApplied means the record was newer and its values were applied.
	DecisionApplied
	// DecisionStale means the record was older than the entity and was discarded.
	DecisionStale
	// DecisionTieKept means timestamps matched and the current value was kept.
	DecisionTieKept
)

// String returns a stable name for logs and wire reasons.
func (decision Decision) String() string {
	switch decision {
	case DecisionCreated:
		return "created"
	case DecisionApplied:
		return "applied"
	case DecisionStale:
		return "stale"
	case DecisionTieKept:
		return "tie_kept"
	default:
		return "unknown"
	}
}

// Discarded reports whether the record lost to the current state.
func (decision Decision) Discarded() bool {
	return decision == DecisionStale || decision == DecisionTieKept
}

// Outcome captures the decision from Merge.
type Outcome struct {
	Decision Decision
	// Changed reports whether State differs from the state passed in.
	Changed bool
	State   entities.State
}

// Won reports whether the record's values are reflected in State.
func (outcome Outcome) Won() bool {
	return outcome.Decision == DecisionCreated || outcome.Decision == DecisionApplied
}

// Merge applies record to current and returns the resulting state. current is
// nil when the entity is unknown. Neither argument is modified.
func Merge(current *entities.State, record entities.Mutation, side Side) Outcome {
	if current == nil {
		created := entities.State{
			Kind:       record.Entity,
			ID:         record.ID,
			Fields:     entities.Fields{},
			UpdatedAt:  record.UpdatedAt,
			LastWriter: record.OriginDevice,
		}
		applyValues(&created, record)
		return Outcome{Decision: DecisionCreated, Changed: true, State: created}
	}

	stored := current.Clone()
	acceptRecord := false
	switch {
	case record.UpdatedAt > stored.UpdatedAt:
		acceptRecord = true
	case record.UpdatedAt < stored.UpdatedAt:
		return Outcome{Decision: DecisionStale, Changed: false, State: stored}
	default:
		acceptRecord = winsTie(stored, record, side)
	}

	if !acceptRecord {
		return Outcome{Decision: DecisionTieKept, Changed: false, State: stored}
	}

	updated := stored.Clone()
	updated.UpdatedAt = record.UpdatedAt
	updated.LastWriter = record.OriginDevice
	applyValues(&updated, record)

	return Outcome{
		Decision: DecisionApplied,
		Changed:  !equalStates(stored, updated),
		State:    updated,
	}
}

func winsTie(stored entities.State, record entities.Mutation, side Side) bool {
	switch side {
	case SideClient:
		return true
	case SideReplica:
		return record.OriginDevice >= stored.LastWriter
	default:
		return false
	}
}

// applyValues writes the record's supplied fields, or its deletion marker,
// onto state. An upsert clears deletedAt: a newer upsert undoes a delete.
func applyValues(state *entities.State, record entities.Mutation) {
	if state.Fields == nil {
		state.Fields = entities.Fields{}
	}
	if record.Op == entities.OperationDelete {
		deletedAt := record.UpdatedAt
		state.DeletedAt = &deletedAt
		return
	}
	state.DeletedAt = nil
	for name, value := range record.Fields {
		if value == nil {
			delete(state.Fields, name)
			continue
		}
		state.Fields[name] = value
	}
}

func equalStates(left, right entities.State) bool {
	if left.UpdatedAt != right.UpdatedAt || left.LastWriter != right.LastWriter {
		return false
	}
	if (left.DeletedAt == nil) != (right.DeletedAt == nil) {
		return false
	}
	if left.DeletedAt != nil && *left.DeletedAt != *right.DeletedAt {
		return false
	}
	if len(left.Fields) != len(right.Fields) {
		return false
	}
	return reflect.DeepEqual(left.Fields, right.Fields)
}

// Replay folds records, in order, into a copy of initial keyed by entities.Key.
func Replay(initial map[string]entities.State, records []entities.Mutation, side Side) map[string]entities.State {
	projection := make(map[string]entities.State, len(initial)+len(records))
	for key, state := range initial {
		projection[key] = state.Clone()
	}
	for _, record := range records {
		var currentPtr *entities.State
		if current, ok := projection[record.Key()]; ok {
			currentPtr = &current
		}
		outcome := Merge(currentPtr, record, side)
		projection[record.Key()] = outcome.State
	}
	return projection
}
