package services

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

var (
	clerk    = models.Actor{UserID: 11, Username: "clerk"}
	approver = models.Actor{UserID: 22, Username: "approver"}
)

// fakeEntities is an in-memory entity store. Its state is rolled back
// together with the memory store by entityTx.
type fakeEntities struct {
	mu         sync.Mutex
	nextID     int64
	budgets    map[int64]models.Budget
	approvedBy map[int64]int64
	expenses   map[int64]models.Expense
	rejections map[int64]string
	payments   map[int64]string
	fees       map[int64]models.FeeStructure
	staff      []models.Staff
	payroll    map[int64]models.PayrollRecord

	// failStatus makes status updates to these values fail
	failStatus map[string]bool
	// failPayroll makes paying these payroll rows fail
	failPayroll map[int64]bool
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{
		nextID:      1000,
		budgets:     map[int64]models.Budget{},
		approvedBy:  map[int64]int64{},
		expenses:    map[int64]models.Expense{},
		rejections:  map[int64]string{},
		payments:    map[int64]string{},
		fees:        map[int64]models.FeeStructure{},
		payroll:     map[int64]models.PayrollRecord{},
		failStatus:  map[string]bool{},
		failPayroll: map[int64]bool{},
	}
}

type entitySnapshot struct {
	nextID     int64
	budgets    map[int64]models.Budget
	approvedBy map[int64]int64
	expenses   map[int64]models.Expense
	rejections map[int64]string
	payments   map[int64]string
	fees       map[int64]models.FeeStructure
	payroll    map[int64]models.PayrollRecord
}

func (f *fakeEntities) snapshot() entitySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entitySnapshot{
		nextID:     f.nextID,
		budgets:    maps.Clone(f.budgets),
		approvedBy: maps.Clone(f.approvedBy),
		expenses:   maps.Clone(f.expenses),
		rejections: maps.Clone(f.rejections),
		payments:   maps.Clone(f.payments),
		fees:       maps.Clone(f.fees),
		payroll:    maps.Clone(f.payroll),
	}
}

func (f *fakeEntities) restore(s entitySnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = s.nextID
	f.budgets = s.budgets
	f.approvedBy = s.approvedBy
	f.expenses = s.expenses
	f.rejections = s.rejections
	f.payments = s.payments
	f.fees = s.fees
	f.payroll = s.payroll
}

func (f *fakeEntities) GetBudget(ctx context.Context, id int64) (*models.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (f *fakeEntities) SetBudgetStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus[status] {
		return errors.New("status update failed")
	}
	b, ok := f.budgets[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = status
	f.budgets[id] = b
	return nil
}

func (f *fakeEntities) ApproveBudget(ctx context.Context, id, approvedBy int64) error {
	if err := f.SetBudgetStatus(ctx, id, "approved"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvedBy[id] = approvedBy
	return nil
}

func (f *fakeEntities) GetExpense(ctx context.Context, id int64) (*models.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.expenses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEntities) SetExpenseStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus[status] {
		return errors.New("status update failed")
	}
	e, ok := f.expenses[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = status
	f.expenses[id] = e
	return nil
}

func (f *fakeEntities) RejectExpense(ctx context.Context, id, rejectedBy int64, reason string) error {
	if err := f.SetExpenseStatus(ctx, id, "rejected"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections[id] = reason
	return nil
}

func (f *fakeEntities) RecordExpensePayment(ctx context.Context, id, paidBy int64, method, reference string) error {
	if err := f.SetExpenseStatus(ctx, id, "paid"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[id] = method + ":" + reference
	return nil
}

func (f *fakeEntities) GetFeeStructure(ctx context.Context, id int64) (*models.FeeStructure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fee, ok := f.fees[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &fee, nil
}

func (f *fakeEntities) SetFeeStructureStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus[status] {
		return errors.New("status update failed")
	}
	fee, ok := f.fees[id]
	if !ok {
		return repository.ErrNotFound
	}
	fee.Status = status
	f.fees[id] = fee
	return nil
}

func (f *fakeEntities) ActivateFeeStructure(ctx context.Context, id, approvedBy int64) error {
	if err := f.SetFeeStructureStatus(ctx, id, "active"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvedBy[id] = approvedBy
	return nil
}

func (f *fakeEntities) ListActiveStaff(ctx context.Context, filter models.StaffFilter) ([]*models.Staff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Staff
	for _, s := range f.staff {
		if filter.DepartmentID != nil && (s.DepartmentID == nil || *s.DepartmentID != *filter.DepartmentID) {
			continue
		}
		if filter.StaffTypeID != nil && (s.StaffTypeID == nil || *s.StaffTypeID != *filter.StaffTypeID) {
			continue
		}
		cp := s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeEntities) CreatePayrollRecord(ctx context.Context, staff *models.Staff, month, year int) (*models.PayrollRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	gross := staff.BasicSalary + staff.Allowances
	rec := models.PayrollRecord{
		ID:          f.nextID,
		StaffID:     staff.ID,
		Month:       month,
		Year:        year,
		GrossSalary: gross,
		NetSalary:   gross - staff.Deductions,
		Status:      "pending",
	}
	f.payroll[rec.ID] = rec
	return &rec, nil
}

func (f *fakeEntities) GetPayrollRecord(ctx context.Context, id int64) (*models.PayrollRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.payroll[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeEntities) RecordPayrollPayment(ctx context.Context, id int64, method, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPayroll[id] {
		return errors.New("bank rejected transfer")
	}
	rec, ok := f.payroll[id]
	if !ok || rec.Status != "pending" {
		return repository.ErrNotFound
	}
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	rec.Status = "paid"
	rec.PaidAt = &now
	f.payroll[id] = rec
	return nil
}

func (f *fakeEntities) DeletePendingPayroll(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if rec, ok := f.payroll[id]; ok && rec.Status == "pending" {
			delete(f.payroll, id)
		}
	}
	return nil
}

type entityTxKey struct{}

// entityTx extends the memory store's transactions to the fake entities.
type entityTx struct {
	mem  *repository.MemoryStore
	ents *fakeEntities
}

func (t entityTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(entityTxKey{}) != nil {
		return t.mem.WithinTx(ctx, fn)
	}
	return t.mem.WithinTx(ctx, func(ctx context.Context) error {
		snap := t.ents.snapshot()
		if err := fn(context.WithValue(ctx, entityTxKey{}, true)); err != nil {
			t.ents.restore(snap)
			return err
		}
		return nil
	})
}

func (t entityTx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.mem.Savepoint(ctx, func(ctx context.Context) error {
		snap := t.ents.snapshot()
		if err := fn(ctx); err != nil {
			t.ents.restore(snap)
			return err
		}
		return nil
	})
}

type harness struct {
	mem      *repository.MemoryStore
	ents     *fakeEntities
	engine   *workflow.Engine
	budget   *BudgetWorkflow
	expense  *ExpenseWorkflow
	fee      *FeeWorkflow
	payroll  *PayrollWorkflow
	policies *workflow.PolicySet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	require.NoError(t, SeedDefinitions(ctx, mem))

	ents := newFakeEntities()
	tx := entityTx{mem: mem, ents: ents}
	engine := workflow.New(tx, mem)

	h := &harness{mem: mem, ents: ents, engine: engine, policies: engine.Policies()}
	h.budget = NewBudgetWorkflow(engine, tx, ents, nil)
	h.expense = NewExpenseWorkflow(engine, tx, ents, nil)
	h.fee = NewFeeWorkflow(engine, tx, ents, nil)
	h.payroll = NewPayrollWorkflow(engine, tx, ents, nil)
	RegisterPolicies(engine.Policies(), h.budget, h.expense, h.fee, h.payroll)
	h.payroll.RegisterProcedures(engine.Procedures())
	return h
}

func (h *harness) history(t *testing.T, instanceID string) []*models.StageHistoryEntry {
	t.Helper()
	history, err := h.engine.GetHistory(context.Background(), instanceID)
	require.NoError(t, err)
	return history
}

func (h *harness) instance(t *testing.T, instanceID string) *models.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.GetInstance(context.Background(), instanceID)
	require.NoError(t, err)
	return inst
}

func instanceID(t *testing.T, res *Result) string {
	t.Helper()
	require.True(t, res.Success, res.Message)
	data, ok := res.Data.(map[string]any)
	require.True(t, ok)
	id, ok := data["instance_id"].(string)
	require.True(t, ok)
	return id
}
