// Package wire defines the JSON bodies exchanged on /sync/push and /sync/pull
// and their conversion to mutation records.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
)

const (
	// HeaderDeviceID names the request header that carries the origin device.
	HeaderDeviceID = "X-Device-ID"
	// QuerySince names the pull cursor query parameter.
	QuerySince = "since"
	// ErrorCursorDivergence is the error code returned for an unknown pull cursor.
	ErrorCursorDivergence = "cursor_divergence"
)

// ErrInvalidCursor indicates a cursor string that does not parse.
var ErrInvalidCursor = errors.New("wire: invalid cursor")

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Mutations []PushMutation `json:"mutations"`
}

// PushMutation is one queued record as sent by a device.
type PushMutation struct {
	Entity    string         `json:"entity"`
	Op        string         `json:"op"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt string         `json:"updatedAt"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	OK      bool         `json:"ok"`
	Results []PushResult `json:"results"`
}

// PushResult reports the server decision for the record at the same position.
type PushResult struct {
	ID                 string  `json:"id"`
	Applied            bool    `json:"applied"`
	ResultingUpdatedAt *string `json:"resultingUpdatedAt,omitempty"`
	Reason             string  `json:"reason,omitempty"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	Mutations []PulledMutation `json:"mutations"`
	Cursor    string           `json:"cursor"`
}

// PulledMutation is one server feed entry.
type PulledMutation struct {
	Entity    string         `json:"entity"`
	Op        string         `json:"op"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	UpdatedAt string         `json:"updatedAt"`
}

// DigestResponse is the body returned by GET /sync/digest.
type DigestResponse struct {
	Cursor string            `json:"cursor"`
	Kinds  map[string]string `json:"kinds"`
}

// ErrorResponse is the body returned for non-2xx answers.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EncodePush converts a record to its push form.
func EncodePush(record entities.Mutation) PushMutation {
	payload := PushMutation{
		Entity:    record.Entity.String(),
		Op:        string(record.Op),
		ID:        record.ID.String(),
		UpdatedAt: record.UpdatedAt.String(),
	}
	if record.Op == entities.OperationUpsert {
		payload.Data = map[string]any(record.Fields.Clone())
	}
	return payload
}

// DecodePush validates a pushed record on behalf of origin.
func DecodePush(payload PushMutation, origin entities.DeviceID) (entities.Mutation, error) {
	return decode(payload.Entity, payload.Op, payload.ID, payload.Data, payload.UpdatedAt, origin.String())
}

// EncodePulled converts a feed record to its pull form.
func EncodePulled(record entities.Mutation) PulledMutation {
	payload := PulledMutation{
		Entity:    record.Entity.String(),
		Op:        string(record.Op),
		ID:        record.ID.String(),
		UpdatedAt: record.UpdatedAt.String(),
	}
	if record.Op == entities.OperationUpsert {
		payload.Data = map[string]any(record.Fields.Clone())
	}
	return payload
}

// DecodePulled validates a pulled record. Pulled records are attributed to
// origin, the server pseudo-device.
func DecodePulled(payload PulledMutation, origin entities.DeviceID) (entities.Mutation, error) {
	return decode(payload.Entity, payload.Op, payload.ID, payload.Data, payload.UpdatedAt, origin.String())
}

func decode(entity, op, id string, data map[string]any, updatedAt, origin string) (entities.Mutation, error) {
	timestamp, err := entities.ParseTimestamp(updatedAt)
	if err != nil {
		return entities.Mutation{}, fmt.Errorf("%w: %v", entities.ErrInvalidMutation, err)
	}
	return entities.NewMutation(entities.MutationConfig{
		Entity:       entity,
		Op:           op,
		ID:           id,
		Fields:       data,
		UpdatedAt:    timestamp,
		OriginDevice: origin,
	})
}

// Cursor marks a position in a server mutation feed. Epoch identifies the
// feed generation; a new epoch means the server store was reset.
type Cursor struct {
	Epoch    string
	Sequence int64
}

// IsZero reports whether the cursor points at the start of any feed.
func (cursor Cursor) IsZero() bool {
	return cursor.Epoch == "" && cursor.Sequence == 0
}

// String renders the opaque wire form.
func (cursor Cursor) String() string {
	if cursor.IsZero() {
		return ""
	}
	return cursor.Epoch + "." + strconv.FormatInt(cursor.Sequence, 10)
}

// ParseCursor parses the opaque wire form. The empty string is the zero cursor.
func ParseCursor(rawInput string) (Cursor, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Cursor{}, nil
	}
	separator := strings.LastIndex(trimmed, ".")
	if separator <= 0 || separator == len(trimmed)-1 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, rawInput)
	}
	sequence, err := strconv.ParseInt(trimmed[separator+1:], 10, 64)
	if err != nil || sequence < 0 {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, rawInput)
	}
	return Cursor{Epoch: trimmed[:separator], Sequence: sequence}, nil
}
