package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// FieldType describes how a field value is validated and coerced.
type FieldType int

const (
	FieldString FieldType = iota
	FieldText
	FieldInt
	FieldBool
	FieldTimestamp
	FieldReference
	FieldEnum
)

const (
	maxStringLength = 200
	maxTextLength   = 10000
	maxSafeInteger  = 1<<53 - 1
)

var (
	// ErrInvalidField indicates that a field failed whitelisting or coercion.
	ErrInvalidField = errors.New("entities: invalid field")
	// ErrUnknownField indicates a field that is not part of the kind's schema.
	ErrUnknownField = fmt.Errorf("%w: unknown", ErrInvalidField)
	// ErrReservedField indicates an attempt to write sync metadata through fields.
	ErrReservedField = fmt.Errorf("%w: reserved", ErrInvalidField)
)

var reservedFields = map[string]struct{}{
	"id":        {},
	"entity":    {},
	"updatedAt": {},
	"deletedAt": {},
}

// FieldSpec declares one whitelisted field.
type FieldSpec struct {
	Type    FieldType
	Allowed []string
}

var (
	taskStatuses   = []string{"todo", "doing", "done", "archived"}
	sprintStatuses = []string{"planned", "running", "completed", "abandoned"}
	habitCadences  = []string{"daily", "weekly", "monthly"}
)

var schemas = map[Kind]map[string]FieldSpec{
	KindTask: {
		"title":           {Type: FieldString},
		"notes":           {Type: FieldText},
		"projectId":       {Type: FieldReference},
		"groupId":         {Type: FieldReference},
		"status":          {Type: FieldEnum, Allowed: taskStatuses},
		"priority":        {Type: FieldInt},
		"estimateMinutes": {Type: FieldInt},
		"dueAt":           {Type: FieldTimestamp},
		"completedAt":     {Type: FieldTimestamp},
		"pinned":          {Type: FieldBool},
	},
	KindProject: {
		"name":     {Type: FieldString},
		"color":    {Type: FieldString},
		"archived": {Type: FieldBool},
		"position": {Type: FieldInt},
	},
	KindGroup: {
		"name":      {Type: FieldString},
		"projectId": {Type: FieldReference},
		"position":  {Type: FieldInt},
		"collapsed": {Type: FieldBool},
	},
	KindCheckIn: {
		"taskId":      {Type: FieldReference},
		"mood":        {Type: FieldInt},
		"energy":      {Type: FieldInt},
		"note":        {Type: FieldText},
		"checkedInAt": {Type: FieldTimestamp},
	},
	KindTimeEntry: {
		"taskId":          {Type: FieldReference},
		"startedAt":       {Type: FieldTimestamp},
		"endedAt":         {Type: FieldTimestamp},
		"durationMinutes": {Type: FieldInt},
		"note":            {Type: FieldText},
	},
	KindSprintSession: {
		"taskId":         {Type: FieldReference},
		"startedAt":      {Type: FieldTimestamp},
		"endedAt":        {Type: FieldTimestamp},
		"plannedMinutes": {Type: FieldInt},
		"status":         {Type: FieldEnum, Allowed: sprintStatuses},
	},
	KindHabit: {
		"name":            {Type: FieldString},
		"cadence":         {Type: FieldEnum, Allowed: habitCadences},
		"targetPerPeriod": {Type: FieldInt},
		"archived":        {Type: FieldBool},
	},
	KindHabitLog: {
		"habitId":  {Type: FieldReference},
		"loggedAt": {Type: FieldTimestamp},
		"count":    {Type: FieldInt},
		"note":     {Type: FieldText},
	},
}

// FieldNames lists the whitelisted fields of a kind in sorted order.
func FieldNames(kind Kind) []string {
	schema := schemas[kind]
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeFields whitelists and coerces raw field values for the kind.
// A nil value is preserved and clears the field when merged.
func NormalizeFields(kind Kind, raw map[string]any) (Fields, error) {
	schema, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	normalized := make(Fields, len(raw))
	for name, value := range raw {
		if _, reserved := reservedFields[name]; reserved {
			return nil, fmt.Errorf("%w: %s", ErrReservedField, name)
		}
		spec, known := schema[name]
		if !known {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, kind, name)
		}
		coerced, err := coerce(spec, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidField, kind, name, err)
		}
		normalized[name] = coerced
	}
	return normalized, nil
}

func coerce(spec FieldSpec, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch spec.Type {
	case FieldString:
		return coerceString(value, maxStringLength)
	case FieldText:
		return coerceString(value, maxTextLength)
	case FieldInt:
		return coerceInt(value)
	case FieldBool:
		flag, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return flag, nil
	case FieldTimestamp:
		return coerceTimestamp(value)
	case FieldReference:
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected reference string, got %T", value)
		}
		id, err := NewEntityID(text)
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case FieldEnum:
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		normalized := strings.ToLower(strings.TrimSpace(text))
		for _, allowed := range spec.Allowed {
			if normalized == allowed {
				return normalized, nil
			}
		}
		return nil, fmt.Errorf("value %q not in %v", text, spec.Allowed)
	default:
		return nil, fmt.Errorf("unsupported field type %d", spec.Type)
	}
}

func coerceString(value any, maxLength int) (any, error) {
	text, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", value)
	}
	if utf8.RuneCountInString(text) > maxLength {
		return nil, fmt.Errorf("exceeds %d characters", maxLength)
	}
	return text, nil
}

func coerceInt(value any) (any, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case float64:
		if math.Trunc(typed) != typed || math.Abs(typed) > maxSafeInteger {
			return nil, fmt.Errorf("expected integer, got %v", typed)
		}
		return int64(typed), nil
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", typed)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", value)
	}
}

func coerceTimestamp(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		ts, err := ParseTimestamp(typed)
		if err != nil {
			return nil, err
		}
		return ts.String(), nil
	default:
		milliseconds, err := coerceInt(value)
		if err != nil {
			return nil, fmt.Errorf("expected ISO-8601 string or epoch milliseconds, got %T", value)
		}
		ts, err := NewTimestamp(milliseconds.(int64))
		if err != nil {
			return nil, err
		}
		return ts.String(), nil
	}
}
