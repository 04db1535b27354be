package taskgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/resolve"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
)

const (
	testUser = "user-1"
	t1       = int64(1_700_000_000_000)
	t2       = int64(1_700_000_001_000)
	t3       = int64(1_700_000_002_000)
)

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "taskgraph.service.new.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestApplyPushCreatesEntityAndAppendsFeed(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	result, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "draft", "priority": float64(2)}),
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if len(result.Outcomes) != 1 || !result.Outcomes[0].Applied {
		t.Fatalf("expected one applied outcome, got %#v", result.Outcomes)
	}
	if result.Outcomes[0].Decision != resolve.DecisionCreated {
		t.Fatalf("expected created decision, got %s", result.Outcomes[0].Decision)
	}
	if len(result.Changed) != 1 || result.Changed[0] != "Task/task-1" {
		t.Fatalf("unexpected changed keys %v", result.Changed)
	}

	states, err := service.ListEntities(ctx, testUser, entities.KindTask)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected one entity, got %d", len(states))
	}
	if states[0].Fields["title"] != "draft" || states[0].Fields["priority"] != int64(2) {
		t.Fatalf("unexpected fields %#v", states[0].Fields)
	}
	if states[0].LastWriter != "phone" {
		t.Fatalf("expected last writer phone, got %q", states[0].LastWriter)
	}

	page, err := service.MutationsSince(ctx, testUser, wire.Cursor{})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(page.Mutations) != 1 {
		t.Fatalf("expected one feed entry, got %d", len(page.Mutations))
	}
	if page.Cursor.Epoch != testEpoch || page.Cursor.Sequence == 0 {
		t.Fatalf("unexpected cursor %#v", page.Cursor)
	}
}

func TestApplyPushDiscardsStaleRecord(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	if _, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t2, "laptop", map[string]any{"title": "newer"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	result, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "older"}),
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	outcome := result.Outcomes[0]
	if !outcome.Applied {
		t.Fatalf("stale records are still acknowledged")
	}
	if outcome.Decision != resolve.DecisionStale {
		t.Fatalf("expected stale decision, got %s", outcome.Decision)
	}
	if outcome.ResultingUpdatedAt != entities.Timestamp(t2) {
		t.Fatalf("expected resulting updatedAt %d, got %d", t2, outcome.ResultingUpdatedAt)
	}
	if len(result.Changed) != 0 {
		t.Fatalf("stale record must not change state")
	}

	page, err := service.MutationsSince(ctx, testUser, wire.Cursor{})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(page.Mutations) != 1 {
		t.Fatalf("stale record must not reach the feed, got %d entries", len(page.Mutations))
	}
}

func TestApplyPushKeepsStoredValueOnTie(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	if _, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "laptop", map[string]any{"title": "first"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	result, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "second"}),
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if result.Outcomes[0].Decision != resolve.DecisionTieKept {
		t.Fatalf("expected tie to keep stored value, got %s", result.Outcomes[0].Decision)
	}

	states, err := service.ListEntities(ctx, testUser, entities.KindTask)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if states[0].Fields["title"] != "first" {
		t.Fatalf("expected stored title to survive, got %v", states[0].Fields["title"])
	}
}

func TestApplyPushDeleteOutranksOlderUpsert(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	result, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "laptop", map[string]any{"title": "draft"}),
		deleteTask(t, "task-1", t3, "laptop"),
		upsertTask(t, "task-1", t2, "phone", map[string]any{"title": "edited offline"}),
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("expected three outcomes, got %d", len(result.Outcomes))
	}
	if result.Outcomes[2].Decision != resolve.DecisionStale {
		t.Fatalf("older upsert must be stale, got %s", result.Outcomes[2].Decision)
	}

	states, err := service.ListEntities(ctx, testUser, entities.KindTask)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if !states[0].Deleted() {
		t.Fatalf("expected entity to stay deleted")
	}
	if states[0].Fields["title"] != "draft" {
		t.Fatalf("tombstone keeps last fields, got %v", states[0].Fields["title"])
	}
}

func TestApplyPushRejectsInvalidRecordWithoutAbortingBatch(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	invalid := PushRecord{EntityID: "bad-1", Err: entities.ErrInvalidMutation}
	unknownField := upsertTask(t, "task-2", t1, "phone", nil)
	unknownField.Mutation.Fields = entities.Fields{"colour": "red"}

	result, err := service.ApplyPush(ctx, testUser, []PushRecord{
		invalid,
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "ok"}),
		unknownField,
	})
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if result.Outcomes[0].Applied || result.Outcomes[0].Reason == "" {
		t.Fatalf("expected first record to be rejected with reason, got %#v", result.Outcomes[0])
	}
	if result.Outcomes[0].EntityID != "bad-1" {
		t.Fatalf("rejection keeps entity id, got %q", result.Outcomes[0].EntityID)
	}
	if !result.Outcomes[1].Applied {
		t.Fatalf("expected valid record to be applied")
	}
	if result.Outcomes[2].Applied {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestApplyPushRequiresUser(t *testing.T) {
	service, _ := newTestService(t, 0)
	_, err := service.ApplyPush(context.Background(), "", nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "taskgraph.apply_push.missing_user_id" {
		t.Fatalf("expected missing user error, got %v", err)
	}
}

func TestApplyPushIsolatesUsers(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	if _, err := service.ApplyPush(ctx, "user-a", []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "a"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	states, err := service.ListEntities(ctx, "user-b", entities.KindTask)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no entities for other user, got %d", len(states))
	}
	page, err := service.MutationsSince(ctx, "user-b", wire.Cursor{})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(page.Mutations) != 0 {
		t.Fatalf("expected empty feed for other user")
	}
}

func TestMutationsSincePagesInSequenceOrder(t *testing.T) {
	service, _ := newTestService(t, 2)
	ctx := context.Background()

	if _, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "one"}),
		upsertTask(t, "task-2", t2, "phone", map[string]any{"title": "two"}),
		upsertTask(t, "task-3", t3, "phone", map[string]any{"title": "three"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	first, err := service.MutationsSince(ctx, testUser, wire.Cursor{})
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(first.Mutations) != 2 {
		t.Fatalf("expected page of two, got %d", len(first.Mutations))
	}
	if first.Mutations[0].ID != "task-1" || first.Mutations[1].ID != "task-2" {
		t.Fatalf("unexpected order %v, %v", first.Mutations[0].ID, first.Mutations[1].ID)
	}

	second, err := service.MutationsSince(ctx, testUser, first.Cursor)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(second.Mutations) != 1 || second.Mutations[0].ID != "task-3" {
		t.Fatalf("unexpected second page %#v", second.Mutations)
	}

	drained, err := service.MutationsSince(ctx, testUser, second.Cursor)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(drained.Mutations) != 0 || drained.Cursor != second.Cursor {
		t.Fatalf("expected empty page that keeps the cursor, got %#v", drained)
	}
}

func TestMutationsSinceRejectsDivergentCursor(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	if _, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "one"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	testCases := []struct {
		name   string
		cursor wire.Cursor
	}{
		{name: "foreign epoch", cursor: wire.Cursor{Epoch: "other", Sequence: 1}},
		{name: "beyond head", cursor: wire.Cursor{Epoch: testEpoch, Sequence: 99}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.MutationsSince(ctx, testUser, testCase.cursor)
			if !errors.Is(err, ErrCursorDivergence) {
				t.Fatalf("expected cursor divergence, got %v", err)
			}
		})
	}
}

func TestDigestTracksStateChanges(t *testing.T) {
	service, _ := newTestService(t, 0)
	ctx := context.Background()

	empty, err := service.Digest(ctx, testUser)
	if err != nil {
		t.Fatalf("unexpected digest error: %v", err)
	}
	if len(empty.Kinds) != len(entities.Kinds()) {
		t.Fatalf("expected every kind in digest, got %d", len(empty.Kinds))
	}

	if _, err := service.ApplyPush(ctx, testUser, []PushRecord{
		upsertTask(t, "task-1", t1, "phone", map[string]any{"title": "one"}),
	}); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	updated, err := service.Digest(ctx, testUser)
	if err != nil {
		t.Fatalf("unexpected digest error: %v", err)
	}
	if updated.Kinds[entities.KindTask] == empty.Kinds[entities.KindTask] {
		t.Fatalf("expected task digest to change")
	}
	if updated.Kinds[entities.KindProject] != empty.Kinds[entities.KindProject] {
		t.Fatalf("expected project digest to stay constant")
	}
	if updated.Cursor.Sequence == 0 || updated.Cursor.Epoch != testEpoch {
		t.Fatalf("unexpected digest cursor %#v", updated.Cursor)
	}

	state := entities.State{
		Kind:      entities.KindTask,
		ID:        "task-1",
		Fields:    entities.Fields{"title": "one"},
		UpdatedAt: entities.Timestamp(t1),
	}
	if updated.Kinds[entities.KindTask] != entities.Digest([]string{state.Hash()}) {
		t.Fatalf("server digest must match a replica computing the same state")
	}
}

func TestCurrentEpochReportsSeededEpoch(t *testing.T) {
	service, _ := newTestService(t, 0)
	epoch, err := service.CurrentEpoch(context.Background())
	if err != nil {
		t.Fatalf("unexpected epoch error: %v", err)
	}
	if epoch != testEpoch {
		t.Fatalf("expected %q, got %q", testEpoch, epoch)
	}
}
