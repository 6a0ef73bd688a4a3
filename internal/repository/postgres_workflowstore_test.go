package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"schoolerp/backend/pkg/models"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// applying twice is harmless
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func newTestInstance(def *models.WorkflowDefinition, refID int64) *models.WorkflowInstance {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.WorkflowInstance{
		ID:            uuid.NewString(),
		WorkflowID:    def.ID,
		ReferenceType: "budget",
		ReferenceID:   refID,
		CurrentStage:  "draft",
		Status:        models.StatusInProgress,
		StartedBy:     7,
		StartedAt:     now,
		UpdatedAt:     now,
		Data: models.Payload{
			Version: models.PayloadVersion,
			Kind:    models.WorkflowBudgetApproval,
			Budget:  &models.BudgetData{BudgetID: refID, Name: "Library", TotalAmount: 1200},
		},
	}
}

func TestPostgresWorkflowStore(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := NewPostgresWorkflowStore(pool)
	txm := NewTxManager(pool)

	require.NoError(t, store.Ping(ctx))

	def := &models.WorkflowDefinition{Code: models.WorkflowBudgetApproval, Name: "Budget Approval", Active: true}
	require.NoError(t, store.UpsertDefinition(ctx, def))
	require.NotZero(t, def.ID)
	for i, code := range []string{"draft", "review"} {
		st := &models.WorkflowStage{
			WorkflowID: def.ID, Code: code, Name: code, Sequence: i + 1, Active: true,
			AllowedTransitions: []models.Transition{{Action: "approve", Target: "completed"}},
			RequiredRole:       "director",
		}
		require.NoError(t, store.UpsertStage(ctx, st))
	}

	t.Run("Definitions and stages", func(t *testing.T) {
		got, err := store.GetDefinitionByCode(ctx, models.WorkflowBudgetApproval)
		require.NoError(t, err)
		assert.Equal(t, def.ID, got.ID)

		_, err = store.GetDefinitionByCode(ctx, "MISSING")
		assert.ErrorIs(t, err, ErrNotFound)

		stages, err := store.ListStages(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, stages, 2)
		assert.Equal(t, "draft", stages[0].Code)
		assert.Equal(t, "completed", stages[0].AllowedTransitions[0].Target)

		// upsert again keeps the id
		again := &models.WorkflowDefinition{Code: def.Code, Name: "Renamed", Active: true}
		require.NoError(t, store.UpsertDefinition(ctx, again))
		assert.Equal(t, def.ID, again.ID)
	})

	t.Run("Instance lifecycle", func(t *testing.T) {
		inst := newTestInstance(def, 42)
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowBudgetApproval, got.WorkflowCode)
		assert.Equal(t, "Library", got.Data.Budget.Name)

		active, err := store.FindActiveInstance(ctx, def.ID, "budget", 42)
		require.NoError(t, err)
		assert.Equal(t, inst.ID, active.ID)

		err = store.CreateInstance(ctx, newTestInstance(def, 42))
		assert.ErrorIs(t, err, ErrDuplicate)

		err = txm.WithinTx(ctx, func(ctx context.Context) error {
			locked, err := store.LockInstance(ctx, inst.ID)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			locked.CurrentStage = "review"
			locked.Status = models.StatusCompleted
			locked.CompletedAt = &now
			return store.UpdateInstance(ctx, locked)
		})
		require.NoError(t, err)

		_, err = store.FindActiveInstance(ctx, def.ID, "budget", 42)
		assert.ErrorIs(t, err, ErrNotFound)
		latest, err := store.LatestInstance(ctx, def.ID, "budget", 42)
		require.NoError(t, err)
		assert.Equal(t, "review", latest.CurrentStage)
		assert.NotNil(t, latest.CompletedAt)

		// the finished instance no longer blocks a new one
		require.NoError(t, store.CreateInstance(ctx, newTestInstance(def, 42)))

		list, err := store.ListInstances(ctx, models.InstanceFilter{ReferenceType: "budget", ReferenceID: 42})
		require.NoError(t, err)
		assert.Len(t, list, 2)
		list, err = store.ListInstances(ctx, models.InstanceFilter{Status: models.StatusCompleted})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("History and notifications", func(t *testing.T) {
		inst := newTestInstance(def, 43)
		require.NoError(t, store.CreateInstance(ctx, inst))

		base := time.Now().UTC()
		for i, stage := range []string{"draft", "review"} {
			require.NoError(t, store.AppendHistory(ctx, &models.StageHistoryEntry{
				InstanceID: inst.ID, StageCode: stage, ActionTaken: models.HistoryEntered,
				ProcessedBy: 7, EnteredAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		history, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "review", history[0].StageCode)

		user := &models.User{Username: "dh", Email: "dh@school.test", Role: "department_head"}
		require.NoError(t, store.UpsertUser(ctx, user))
		inactive := &models.User{Username: "old", Email: "old@school.test", Role: "department_head", Status: "inactive"}
		require.NoError(t, store.UpsertUser(ctx, inactive))

		users, err := store.ListActiveUsersByRole(ctx, "department_head")
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, user.ID, users[0].ID)

		byEmail, err := store.GetUserByEmail(ctx, "dh@school.test")
		require.NoError(t, err)
		assert.Equal(t, "dh", byEmail.Username)

		for i := 0; i < 3; i++ {
			require.NoError(t, store.CreateNotification(ctx, &models.Notification{
				InstanceID: inst.ID, UserID: user.ID, Title: "Action Required", Message: "review",
				Type: models.NotificationStageEntry, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		notes, err := store.ListNotifications(ctx, user.ID, 2)
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.True(t, notes[0].CreatedAt.After(notes[1].CreatedAt))
	})

	t.Run("Rollback and savepoint", func(t *testing.T) {
		inst := newTestInstance(def, 44)
		boom := errors.New("boom")
		err := txm.WithinTx(ctx, func(ctx context.Context) error {
			if err := store.CreateInstance(ctx, inst); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = store.GetInstance(ctx, inst.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		err = txm.WithinTx(ctx, func(ctx context.Context) error {
			if err := store.CreateInstance(ctx, inst); err != nil {
				return err
			}
			spErr := txm.Savepoint(ctx, func(ctx context.Context) error {
				return store.AppendHistory(ctx, &models.StageHistoryEntry{
					InstanceID: uuid.NewString(), StageCode: "orphan", ActionTaken: models.HistoryEntered,
					EnteredAt: time.Now().UTC(),
				})
			})
			assert.Error(t, spErr)
			return store.AppendHistory(ctx, &models.StageHistoryEntry{
				InstanceID: inst.ID, StageCode: "draft", ActionTaken: models.HistoryEntered,
				EnteredAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)
		history, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestPostgresEntityStore(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := NewPostgresEntityStore(pool)

	_, err := pool.Exec(ctx, `
		INSERT INTO budgets (id, name, total_amount, fiscal_year, department) VALUES (1, 'Science', 5000, '2026', 'Science');
		INSERT INTO budget_line_items (id, budget_id, category, amount, available_balance) VALUES (1, 1, 'supplies', 2000, 800);
		INSERT INTO expenses (id, description, amount, budget_line_item_id) VALUES (1, 'Reagents', 500, 1);
		INSERT INTO fee_structures (id, name, amount, academic_year) VALUES (1, 'Tuition', 45000, '2026/2027');
		INSERT INTO staff (id, staff_no, first_name, last_name, department_id, basic_salary, allowances, deductions)
		VALUES (1, 'T-1', 'Ada', 'Byron', 1, 50000, 5000, 8000),
		       (2, 'T-2', 'Alan', 'Turing', 2, 30000, 0, 1000);
		INSERT INTO staff (id, staff_no, first_name, last_name, status) VALUES (3, 'T-3', 'Gone', 'Away', 'inactive');`)
	require.NoError(t, err)

	t.Run("Budgets", func(t *testing.T) {
		b, err := store.GetBudget(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 5000.0, b.TotalAmount)
		assert.Equal(t, 1, b.LineItemsCount)

		require.NoError(t, store.SetBudgetStatus(ctx, 1, "pending_approval"))
		require.NoError(t, store.ApproveBudget(ctx, 1, 9))
		b, err = store.GetBudget(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "approved", b.Status)

		assert.ErrorIs(t, store.SetBudgetStatus(ctx, 99, "draft"), ErrNotFound)
		_, err = store.GetBudget(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Expenses", func(t *testing.T) {
		e, err := store.GetExpense(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "supplies", e.Category)
		require.NotNil(t, e.AvailableBalance)
		assert.Equal(t, 800.0, *e.AvailableBalance)

		require.NoError(t, store.RecordExpensePayment(ctx, 1, 9, "cheque", "CHQ-1"))
		e, err = store.GetExpense(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "paid", e.Status)
	})

	t.Run("Fee structures", func(t *testing.T) {
		require.NoError(t, store.ActivateFeeStructure(ctx, 1, 9))
		fee, err := store.GetFeeStructure(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "active", fee.Status)
	})

	t.Run("Payroll", func(t *testing.T) {
		staff, err := store.ListActiveStaff(ctx, models.StaffFilter{})
		require.NoError(t, err)
		assert.Len(t, staff, 2)

		dept := int64(1)
		staff, err = store.ListActiveStaff(ctx, models.StaffFilter{DepartmentID: &dept})
		require.NoError(t, err)
		require.Len(t, staff, 1)

		rec, err := store.CreatePayrollRecord(ctx, staff[0], 3, 2026)
		require.NoError(t, err)
		assert.Equal(t, 55000.0, rec.GrossSalary)
		assert.Equal(t, 47000.0, rec.NetSalary)

		require.NoError(t, store.RecordPayrollPayment(ctx, rec.ID, "bank", "REF"))
		assert.ErrorIs(t, store.RecordPayrollPayment(ctx, rec.ID, "bank", "REF"), ErrNotFound)
		paid, err := store.GetPayrollRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "paid", paid.Status)
		assert.NotNil(t, paid.PaidAt)

		pending, err := store.CreatePayrollRecord(ctx, staff[0], 4, 2026)
		require.NoError(t, err)
		require.NoError(t, store.DeletePendingPayroll(ctx, []int64{rec.ID, pending.ID}))
		_, err = store.GetPayrollRecord(ctx, pending.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetPayrollRecord(ctx, rec.ID)
		assert.NoError(t, err)
	})
}
