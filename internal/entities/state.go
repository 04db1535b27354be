package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// State is the persisted form of one entity on either side of the sync boundary.
type State struct {
	Kind       Kind       `json:"entity"`
	ID         EntityID   `json:"id"`
	Fields     Fields     `json:"fields"`
	UpdatedAt  Timestamp  `json:"updatedAt"`
	DeletedAt  *Timestamp `json:"deletedAt,omitempty"`
	LastWriter DeviceID   `json:"lastWriter,omitempty"`
}

// Key identifies the entity across kinds.
func (state State) Key() string {
	return Key(state.Kind, state.ID)
}

// Key joins a kind and identifier into a storage key.
func Key(kind Kind, id EntityID) string {
	return string(kind) + "/" + string(id)
}

// Deleted reports whether the entity carries a soft-delete marker.
func (state State) Deleted() bool {
	return state.DeletedAt != nil
}

// Clone returns a copy that shares no mutable state with the receiver.
func (state State) Clone() State {
	cloned := state
	cloned.Fields = state.Fields.Clone()
	if state.DeletedAt != nil {
		deletedAt := *state.DeletedAt
		cloned.DeletedAt = &deletedAt
	}
	return cloned
}

type hashedState struct {
	Kind      Kind       `json:"entity"`
	ID        EntityID   `json:"id"`
	Fields    Fields     `json:"fields"`
	UpdatedAt Timestamp  `json:"updatedAt"`
	DeletedAt *Timestamp `json:"deletedAt"`
}

// Hash returns a hex SHA-256 over the canonical JSON of the replicated attributes.
// The last writer is excluded because it only orders ties.
func (state State) Hash() string {
	fields := state.Fields
	if fields == nil {
		fields = Fields{}
	}
	encoded, err := json.Marshal(hashedState{
		Kind:      state.Kind,
		ID:        state.ID,
		Fields:    fields,
		UpdatedAt: state.UpdatedAt,
		DeletedAt: state.DeletedAt,
	})
	if err != nil {
		// normalized fields only hold JSON scalars
		panic(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Digest folds per-entity hashes into one order-independent value.
func Digest(hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	hasher := sha256.New()
	for _, hash := range sorted {
		hasher.Write([]byte(hash))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
