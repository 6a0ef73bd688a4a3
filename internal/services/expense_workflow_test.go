package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

func seedExpense(h *harness, id int64, amount float64, balance *float64) {
	var line *int64
	if balance != nil {
		l := int64(7)
		line = &l
	}
	h.ents.expenses[id] = models.Expense{
		ID: id, Description: "Lab reagents", Amount: amount, Vendor: "ChemCo", Category: "supplies",
		BudgetLineItemID: line, AvailableBalance: balance, Status: "draft",
	}
}

func ptr[T any](v T) *T { return &v }

func TestExpenseBudgetCheck(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		balance *float64
		want    string
	}{
		{"within", 500, ptr(800.0), BudgetWithinLimit},
		{"exact", 800, ptr(800.0), BudgetWithinLimit},
		{"exceeds", 900, ptr(800.0), BudgetExceeded},
		{"no line", 100, nil, BudgetUnallocated},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := int64(100 + i)
			seedExpense(h, id, tt.amount, tt.balance)

			res, err := h.expense.SubmitForApproval(context.Background(), id, "", clerk)
			require.NoError(t, err)
			inst := h.instance(t, instanceID(t, res))
			assert.Equal(t, tt.want, inst.Data.Expense.BudgetValidation)
			assert.Equal(t, tt.want, res.Data.(map[string]any)["budget_validation"])
		})
	}
}

func TestExpenseFullPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedExpense(h, 7, 500, ptr(800.0))

	res, err := h.expense.SubmitForApproval(ctx, 7, "urgent", clerk)
	require.NoError(t, err)
	id := instanceID(t, res)
	assert.Equal(t, ExpenseStageValidation, h.instance(t, id).CurrentStage)
	assert.Equal(t, "pending_approval", h.ents.expenses[7].Status)

	res, err = h.expense.Validate(ctx, 7, Review{Action: ReviewApprove, Notes: "receipts attached"}, approver)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "receipts attached", h.instance(t, id).Data.Expense.ValidationNotes)

	res, err = h.expense.Approve(ctx, 7, Review{Action: ReviewApprove}, approver)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "approved", h.ents.expenses[7].Status)
	assert.Equal(t, ExpenseStagePayment, h.instance(t, id).CurrentStage)

	res, err = h.expense.ProcessPayment(ctx, 7, Payment{}, approver)
	require.NoError(t, err)
	assert.Equal(t, workflow.CodeInvalidInput, res.Code)

	res, err = h.expense.ProcessPayment(ctx, 7, Payment{Method: "bank_transfer", Reference: "TRX-991"}, approver)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	inst := h.instance(t, id)
	assert.Equal(t, models.StatusCompleted, inst.Status)
	require.NotNil(t, inst.Data.Expense.Payment)
	assert.Equal(t, "bank_transfer", inst.Data.Expense.Payment.Method)
	assert.Equal(t, approver.UserID, inst.Data.Expense.Payment.ProcessedBy)
	require.NotNil(t, inst.Data.Completion)
	assert.Equal(t, "pay", inst.Data.Completion.Outcome)
	assert.Equal(t, "paid", h.ents.expenses[7].Status)
	assert.Equal(t, "bank_transfer:TRX-991", h.ents.payments[7])
}

func TestExpenseRejectedDuringValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedExpense(h, 7, 900, ptr(800.0))
	res, err := h.expense.SubmitForApproval(ctx, 7, "", clerk)
	require.NoError(t, err)
	id := instanceID(t, res)

	res, err = h.expense.Validate(ctx, 7, Review{Action: ReviewReject, Notes: "exceeds budget line"}, approver)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Expense rejected during validation", res.Message)

	assert.Equal(t, models.StatusCancelled, h.instance(t, id).Status)
	assert.Equal(t, "rejected", h.ents.expenses[7].Status)
	assert.Equal(t, "exceeds budget line", h.ents.rejections[7])

	res, err = h.expense.Approve(ctx, 7, Review{Action: ReviewApprove}, approver)
	require.NoError(t, err)
	assert.Equal(t, workflow.CodeNotFound, res.Code)
}

func TestExpensePaymentBeforeApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedExpense(h, 7, 100, nil)
	_, err := h.expense.SubmitForApproval(ctx, 7, "", clerk)
	require.NoError(t, err)

	res, err := h.expense.ProcessPayment(ctx, 7, Payment{Method: "cash"}, approver)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, workflow.CodeInvalidState, res.Code)
	assert.Equal(t, "Workflow not in payment stage (current stage: validation)", res.Message)
	assert.Empty(t, h.ents.payments)
}

func TestExpenseReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedExpense(h, 7, 100, nil)
	res, err := h.expense.SubmitForApproval(ctx, 7, "", clerk)
	require.NoError(t, err)
	id := instanceID(t, res)

	res, err = h.expense.Reject(ctx, 7, "duplicate claim", approver)
	require.NoError(t, err)
	require.True(t, res.Success)
	inst := h.instance(t, id)
	assert.Equal(t, models.StatusCancelled, inst.Status)
	assert.Equal(t, "duplicate claim", inst.Data.CancellationReason)
	assert.Equal(t, "rejected", h.ents.expenses[7].Status)

	res, err = h.expense.Status(ctx, 7)
	require.NoError(t, err)
	require.True(t, res.Success)
	report := res.Data.(*StatusReport)
	assert.Equal(t, models.StageCancelled, report.History[0].StageCode)
}
