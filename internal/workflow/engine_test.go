package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/pkg/models"
)

const testWorkflow = "TEST_APPROVAL"

var (
	starter  = models.Actor{UserID: 100, Username: "clerk"}
	reviewer = models.Actor{UserID: 200, Username: "reviewer"}
)

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store  *repository.MemoryStore
	engine *Engine
	def    *models.WorkflowDefinition
}

func seedDefinition(t *testing.T, store *repository.MemoryStore, code string, stages ...*models.WorkflowStage) *models.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	def := &models.WorkflowDefinition{Code: code, Name: "Test Approval", Category: "test", Active: true}
	require.NoError(t, store.UpsertDefinition(ctx, def))
	for _, st := range stages {
		st.WorkflowID = def.ID
		st.Active = true
		require.NoError(t, store.UpsertStage(ctx, st))
	}
	return def
}

func testStages() []*models.WorkflowStage {
	return []*models.WorkflowStage{
		{
			Code: "submitted", Name: "Submitted", Sequence: 1,
			AllowedTransitions: []models.Transition{{Action: "submit", Target: "review", Label: "Submit for review"}},
		},
		{
			Code: "review", Name: "Review", Sequence: 2, RequiredRole: "reviewer",
			AllowedTransitions: []models.Transition{
				{Action: "approve", Target: "final", Label: "Approve"},
				{Action: "reject", Target: "rejected", Label: "Reject", RequiresData: true},
			},
			ActionConfig: models.ActionConfig{Procedures: []string{"stamp"}, Triggers: []string{"trg_review"}},
		},
		{
			Code: "final", Name: "Final", Sequence: 3,
			AllowedTransitions: []models.Transition{
				{Action: "approve", Target: "completed"},
				{Action: "archive", Target: "archived"},
			},
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	def := seedDefinition(t, store, testWorkflow, testStages()...)
	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &models.User{Username: "rev1", Email: "rev1@school.test", Role: "reviewer"}))
	require.NoError(t, store.UpsertUser(ctx, &models.User{Username: "rev2", Email: "rev2@school.test", Role: "reviewer"}))
	require.NoError(t, store.UpsertUser(ctx, &models.User{Username: "rev3", Email: "rev3@school.test", Role: "reviewer", Status: "inactive"}))

	opts = append([]Option{WithClock(newStepClock().Now)}, opts...)
	return &fixture{store: store, engine: New(store, store, opts...), def: def}
}

func (f *fixture) start(t *testing.T, referenceID int64) string {
	t.Helper()
	id, err := f.engine.Start(context.Background(), testWorkflow, "thing", referenceID, models.Payload{}, starter)
	require.NoError(t, err)
	return id
}

func (f *fixture) notificationsFor(t *testing.T, userID int64) []*models.Notification {
	t.Helper()
	list, err := f.store.ListNotifications(context.Background(), userID, 0)
	require.NoError(t, err)
	return list
}

func TestStartCreatesInstanceAtFirstStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.start(t, 42)

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "submitted", inst.CurrentStage)
	assert.Equal(t, models.StatusInProgress, inst.Status)
	assert.Equal(t, testWorkflow, inst.WorkflowCode)
	assert.Equal(t, int64(100), inst.StartedBy)
	assert.Equal(t, models.PayloadVersion, inst.Data.Version)
	assert.Nil(t, inst.CompletedAt)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryEntered, history[0].ActionTaken)
	assert.Equal(t, "submitted", history[0].StageCode)

	started := f.notificationsFor(t, starter.UserID)
	require.Len(t, started, 1)
	assert.Equal(t, models.NotificationStarted, started[0].Type)
}

func TestStartRejectsSecondActiveInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.start(t, 7)

	_, err := f.engine.Start(ctx, testWorkflow, "thing", 7, models.Payload{}, starter)
	assert.ErrorIs(t, err, ErrConflict)

	// a different entity is unaffected
	f.start(t, 8)

	require.NoError(t, f.engine.Cancel(ctx, first, "withdrawn", starter))
	second := f.start(t, 7)
	assert.NotEqual(t, first, second)
}

func TestStartUnknownOrInactiveDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "NOPE", "thing", 1, models.Payload{}, starter)
	assert.ErrorIs(t, err, ErrNotFound)

	f.def.Active = false
	require.NoError(t, f.store.UpsertDefinition(ctx, f.def))
	_, err = f.engine.Start(ctx, testWorkflow, "thing", 1, models.Payload{}, starter)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartWithoutStagesIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedDefinition(t, f.store, "EMPTY")

	_, err := f.engine.Start(ctx, "EMPTY", "thing", 1, models.Payload{}, starter)
	assert.ErrorIs(t, err, ErrConfiguration)

	list, err := f.engine.ListInstances(ctx, models.InstanceFilter{ReferenceType: "thing"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartRejectsMismatchedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Start(context.Background(), testWorkflow, "thing", 1,
		models.Payload{Budget: &models.BudgetData{BudgetID: 1}}, starter)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdvanceRunsStageEntry(t *testing.T) {
	var stamped []string
	procs := NewProcedureRegistry()
	procs.Register("stamp", func(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) error {
		stamped = append(stamped, inst.ID+"@"+stage.Code)
		return nil
	})
	f := newFixture(t, WithProcedures(procs))
	ctx := context.Background()
	id := f.start(t, 1)

	err := f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{
		Notes:  "please review",
		Fields: map[string]string{"priority": "high"},
	})
	require.NoError(t, err)

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentStage)
	require.Len(t, inst.Data.Annotations, 1)
	assert.Equal(t, "submit", inst.Data.Annotations[0].Action)
	assert.Equal(t, "high", inst.Data.Annotations[0].Fields["priority"])
	assert.Equal(t, []string{id + "@review"}, stamped)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryTransitioned, history[0].ActionTaken)
	assert.Equal(t, "submitted", history[0].FromStage)
	assert.Equal(t, "submit", history[0].Action)
	assert.Equal(t, "please review", history[0].Notes)

	for email, want := range map[string]int{"rev1@school.test": 1, "rev2@school.test": 1, "rev3@school.test": 0} {
		u, err := f.store.GetUserByEmail(ctx, email)
		require.NoError(t, err)
		got := f.notificationsFor(t, u.ID)
		require.Len(t, got, want, email)
		if want > 0 {
			assert.Equal(t, "Action Required: Test Approval", got[0].Title)
			assert.Equal(t, "Stage 'Review' requires your attention.", got[0].Message)
			assert.Equal(t, models.NotificationStageEntry, got[0].Type)
		}
	}
}

func TestAdvanceIllegalTransitionChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	err := f.engine.Advance(ctx, id, "final", "approve", reviewer, ActionData{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "submitted", inst.CurrentStage)
	assert.Empty(t, inst.Data.Annotations)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAdvanceUnknownOrFinishedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.Advance(ctx, "missing", "review", "submit", starter, ActionData{})
	assert.ErrorIs(t, err, ErrNotFound)

	id := f.start(t, 1)
	require.NoError(t, f.engine.Cancel(ctx, id, "duplicate request", starter))
	err = f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAdvanceToCompletedFinishesInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))
	require.NoError(t, f.engine.Advance(ctx, id, "final", "approve", reviewer, ActionData{}))

	require.NoError(t, f.engine.Advance(ctx, id, models.StageCompleted, "approve", reviewer, ActionData{Notes: "done"}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	require.NotNil(t, inst.Data.Completion)
	assert.Equal(t, int64(200), inst.Data.Completion.CompletedBy)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryCompleted, history[0].ActionTaken)

	var completed bool
	for _, n := range f.notificationsFor(t, starter.UserID) {
		if n.Type == models.NotificationStageComplete {
			completed = true
		}
	}
	assert.True(t, completed)
}

func TestAdvanceToRejectedCancelsFromAnyStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	require.NoError(t, f.engine.Advance(ctx, id, models.StageRejected, "reject", reviewer, ActionData{Notes: "incomplete"}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, inst.Status)
	assert.Equal(t, "incomplete", inst.Data.CancellationReason)
	require.NotNil(t, inst.CompletedAt)
}

func TestAdvanceToUnconfiguredStageSkipsSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))
	require.NoError(t, f.engine.Advance(ctx, id, "final", "approve", reviewer, ActionData{}))

	require.NoError(t, f.engine.Advance(ctx, id, "archived", "archive", reviewer, ActionData{}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "archived", inst.CurrentStage)
	assert.Equal(t, models.StatusInProgress, inst.Status)

	actions, err := f.engine.AvailableActions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestAdvanceInvalidPayloadUpdateRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	err := f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{
		Update: func(p *models.Payload) { p.Version = 9 },
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "submitted", inst.CurrentStage)
	assert.Equal(t, models.PayloadVersion, inst.Data.Version)
}

func TestCompleteAndCancelRequireRunningInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	require.NoError(t, f.engine.Complete(ctx, id, models.Completion{Outcome: "approved"}, reviewer))
	assert.ErrorIs(t, f.engine.Complete(ctx, id, models.Completion{}, reviewer), ErrInvalidState)
	assert.ErrorIs(t, f.engine.Cancel(ctx, id, "late", reviewer), ErrInvalidState)

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.Data.Completion.Outcome)
}

func TestCancelTwiceWritesOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	require.NoError(t, f.engine.Cancel(ctx, id, "withdrawn", starter))
	assert.ErrorIs(t, f.engine.Cancel(ctx, id, "withdrawn", starter), ErrInvalidState)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	var cancelled int
	for _, h := range history {
		if h.ActionTaken == models.HistoryCancelled {
			cancelled++
			assert.Equal(t, "Cancelled: withdrawn", h.Notes)
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestHistoryIsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))
	require.NoError(t, f.engine.Advance(ctx, id, "final", "approve", reviewer, ActionData{}))

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"final", "review", "submitted"},
		[]string{history[0].StageCode, history[1].StageCode, history[2].StageCode})
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].EnteredAt.After(history[i].EnteredAt))
	}

	_, err = f.engine.GetHistory(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAvailableActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))

	actions, err := f.engine.AvailableActions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []models.Action{
		{Action: "approve", TargetStage: "final", Label: "Approve"},
		{Action: "reject", TargetStage: "rejected", Label: "Reject", RequiresData: true},
	}, actions)

	require.NoError(t, f.engine.Cancel(ctx, id, "stop", starter))
	actions, err = f.engine.AvailableActions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestFindActiveAndLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.FindActive(ctx, testWorkflow, "thing", 5)
	assert.ErrorIs(t, err, ErrNotFound)

	id := f.start(t, 5)
	inst, err := f.engine.FindActive(ctx, testWorkflow, "thing", 5)
	require.NoError(t, err)
	assert.Equal(t, id, inst.ID)

	require.NoError(t, f.engine.Cancel(ctx, id, "stop", starter))
	_, err = f.engine.FindActive(ctx, testWorkflow, "thing", 5)
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := f.engine.Latest(ctx, testWorkflow, "thing", 5)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
	assert.Equal(t, models.StatusCancelled, latest.Status)
}

type recordingPolicy struct {
	table   TransitionTable
	entered []string
	fail    bool
}

func (p *recordingPolicy) IsTransitionAllowed(from, to string) bool { return p.table.Allows(from, to) }

func (p *recordingPolicy) OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error {
	p.entered = append(p.entered, stage.Code)
	if p.fail {
		return errors.New("status column unavailable")
	}
	return nil
}

func TestRegisteredPolicyOverridesConfiguredTransitions(t *testing.T) {
	policy := &recordingPolicy{table: TransitionTable{"submitted": {"final"}}}
	policies := NewPolicySet()
	policies.Register(testWorkflow, policy)
	f := newFixture(t, WithPolicies(policies))
	ctx := context.Background()
	id := f.start(t, 1)

	assert.ErrorIs(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}), ErrIllegalTransition)
	require.NoError(t, f.engine.Advance(ctx, id, "final", "fast_track", starter, ActionData{}))
	require.NoError(t, f.engine.Complete(ctx, id, models.Completion{}, reviewer))

	assert.Equal(t, []string{"submitted", "final", models.StageCompleted}, policy.entered)
}

func TestTerminalMovesRunPolicyHook(t *testing.T) {
	policy := &recordingPolicy{table: TransitionTable{"submitted": {"review"}}}
	policies := NewPolicySet()
	policies.Register(testWorkflow, policy)
	f := newFixture(t, WithPolicies(policies))
	ctx := context.Background()

	rejected := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, rejected, models.StageRejected, "reject", reviewer, ActionData{Notes: "no"}))
	cancelled := f.start(t, 2)
	require.NoError(t, f.engine.Cancel(ctx, cancelled, "withdrawn", starter))

	assert.Equal(t, []string{"submitted", models.StageRejected, "submitted", models.StageCancelled}, policy.entered)
}

// staleReads hides running instances, as a concurrent transaction that has
// not committed yet would.
type staleReads struct {
	*repository.MemoryStore
}

func (staleReads) FindActiveInstance(context.Context, int64, string, int64) (*models.WorkflowInstance, error) {
	return nil, repository.ErrNotFound
}

func TestStartMapsDuplicateActiveToConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, 9)

	engine := New(f.store, staleReads{f.store})
	_, err := engine.Start(ctx, testWorkflow, "thing", 9, models.Payload{}, starter)
	assert.ErrorIs(t, err, ErrConflict)

	list, err := f.store.ListInstances(ctx, models.InstanceFilter{ReferenceType: "thing", ReferenceID: 9})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFailingHookDoesNotFailTransition(t *testing.T) {
	policy := &recordingPolicy{table: TransitionTable{"submitted": {"review"}}, fail: true}
	policies := NewPolicySet()
	policies.Register(testWorkflow, policy)
	f := newFixture(t, WithPolicies(policies))
	ctx := context.Background()

	id := f.start(t, 1)
	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentStage)
}

func TestFailingProcedureDoesNotFailTransition(t *testing.T) {
	procs := NewProcedureRegistry()
	procs.Register("stamp", func(context.Context, *models.WorkflowInstance, *models.WorkflowStage) error {
		return errors.New("ledger offline")
	})
	f := newFixture(t, WithProcedures(procs))
	ctx := context.Background()
	id := f.start(t, 1)

	require.NoError(t, f.engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentStage)
}

// failingNotifications rejects every notification write.
type failingNotifications struct {
	*repository.MemoryStore
}

func (failingNotifications) CreateNotification(context.Context, *models.Notification) error {
	return errors.New("notifications table locked")
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	mem := repository.NewMemoryStore()
	seedDefinition(t, mem, testWorkflow, testStages()...)
	require.NoError(t, mem.UpsertUser(context.Background(), &models.User{Username: "rev1", Role: "reviewer"}))
	store := failingNotifications{MemoryStore: mem}
	engine := New(mem, store, WithClock(newStepClock().Now))
	ctx := context.Background()

	id, err := engine.Start(ctx, testWorkflow, "thing", 1, models.Payload{}, starter)
	require.NoError(t, err)
	require.NoError(t, engine.Advance(ctx, id, "review", "submit", starter, ActionData{}))

	inst, err := engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentStage)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCode(ErrNotFound))
	assert.Equal(t, CodeConflict, ErrorCode(errors.Join(errors.New("x"), ErrConflict)))
	assert.Equal(t, CodeIllegalTransition, ErrorCode(ErrIllegalTransition))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, "", ErrorCode(nil))
}

func TestAnnotateKeepsStageAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.start(t, 1)

	require.NoError(t, f.engine.Annotate(ctx, id, "comment", reviewer, ActionData{Notes: "looks fine"}))

	inst, err := f.engine.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "submitted", inst.CurrentStage)
	require.Len(t, inst.Data.Annotations, 1)
	assert.Equal(t, "submitted", inst.Data.Annotations[0].Stage)
	assert.Equal(t, "looks fine", inst.Data.Annotations[0].Notes)

	history, err := f.engine.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
