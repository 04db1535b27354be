package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the entity types that participate in sync.
type Kind string

const (
	KindTask          Kind = "Task"
	KindProject       Kind = "Project"
	KindGroup         Kind = "Group"
	KindCheckIn       Kind = "CheckIn"
	KindTimeEntry     Kind = "TimeEntry"
	KindSprintSession Kind = "SprintSession"
	KindHabit         Kind = "Habit"
	KindHabitLog      Kind = "HabitLog"
)

var allKinds = []Kind{
	KindTask,
	KindProject,
	KindGroup,
	KindCheckIn,
	KindTimeEntry,
	KindSprintSession,
	KindHabit,
	KindHabitLog,
}

// Operation enumerates supported mutation operations.
type Operation string

const (
	// OperationUpsert represents an insert or partial update payload.
	OperationUpsert Operation = "upsert"
	// OperationDelete marks an entity as soft-deleted.
	OperationDelete Operation = "delete"
)

const (
	maxIdentifierLength = 190
	isoLayout           = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrInvalidKind indicates an unknown entity kind.
	ErrInvalidKind = errors.New("entities: invalid entity kind")
	// ErrInvalidOperation indicates an unknown mutation operation.
	ErrInvalidOperation = errors.New("entities: invalid operation")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("entities: invalid device id")
	// ErrInvalidTimestamp indicates that a timestamp is missing, malformed or not positive.
	ErrInvalidTimestamp = errors.New("entities: invalid timestamp")
)

// Kinds returns every syncable entity kind in a stable order.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	trimmed := strings.TrimSpace(rawInput)
	for _, kind := range allKinds {
		if strings.EqualFold(trimmed, string(kind)) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
}

// String returns the wire name of the kind.
func (kind Kind) String() string {
	return string(kind)
}

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(OperationUpsert):
		return OperationUpsert, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// EntityID represents a validated, client-mintable entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidEntityID)
	if err != nil {
		return "", err
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// DeviceID identifies the device that originated a mutation.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	if err != nil {
		return "", err
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Timestamp is a wall-clock instant in milliseconds since the unix epoch.
type Timestamp int64

// NewTimestamp validates the value and returns a Timestamp.
func NewTimestamp(milliseconds int64) (Timestamp, error) {
	if milliseconds <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, milliseconds)
	}
	return Timestamp(milliseconds), nil
}

// TimestampFromTime truncates t to millisecond precision.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// ParseTimestamp parses an ISO-8601 timestamp string.
func ParseTimestamp(rawInput string) (Timestamp, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
	}
	return NewTimestamp(parsed.UnixMilli())
}

// Int64 exposes the raw millisecond value.
func (ts Timestamp) Int64() int64 {
	return int64(ts)
}

// Time converts the timestamp to a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// String renders the timestamp in the ISO-8601 wire format.
func (ts Timestamp) String() string {
	return ts.Time().Format(isoLayout)
}

// Fields holds entity-specific attribute values keyed by field name.
type Fields map[string]any

// Clone returns a shallow copy; values are scalars after normalization.
func (fields Fields) Clone() Fields {
	if fields == nil {
		return Fields{}
	}
	cloned := make(Fields, len(fields))
	for name, value := range fields {
		cloned[name] = value
	}
	return cloned
}
