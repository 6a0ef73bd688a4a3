package services

import (
	"context"
	"time"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Expense workflow stages.
const (
	ExpenseStageSubmission = "submission"
	ExpenseStageValidation = "validation"
	ExpenseStageApproval   = "approval"
	ExpenseStagePayment    = "payment"
)

// Budget line checks recorded on submission.
const (
	BudgetWithinLimit = "within_budget"
	BudgetExceeded    = "exceeds_budget"
	BudgetUnallocated = "no_budget_line"
)

var expenseTransitions = workflow.TransitionTable{
	ExpenseStageSubmission: {ExpenseStageValidation},
	ExpenseStageValidation: {ExpenseStageApproval, models.StageRejected},
	ExpenseStageApproval:   {ExpenseStagePayment, models.StageRejected},
	ExpenseStagePayment:    {models.StageCompleted},
}

var expenseStatusByStage = map[string]string{
	ExpenseStageValidation: "pending_validation",
	ExpenseStageApproval:   "pending_approval",
	ExpenseStagePayment:    "approved_for_payment",
	models.StageCompleted:  "paid",
	models.StageRejected:   "rejected",
	models.StageCancelled:  "rejected",
}

// Payment describes how an approved item was paid.
type Payment struct {
	Method    string `json:"payment_method"`
	Reference string `json:"payment_reference,omitempty"`
}

// ExpenseWorkflow runs expense approval: validation against the budget line,
// approval, then payment.
type ExpenseWorkflow struct {
	program
	store ExpenseStore
	now   func() time.Time
}

// NewExpenseWorkflow creates an ExpenseWorkflow.
func NewExpenseWorkflow(engine WorkflowEngine, tx repository.Transactor, store ExpenseStore, logger workflow.Logger) *ExpenseWorkflow {
	return &ExpenseWorkflow{
		program: newProgram(engine, tx, logger, models.WorkflowExpenseApproval, "expense", "expense"),
		store:   store,
		now:     time.Now,
	}
}

// IsTransitionAllowed implements workflow.DomainPolicy.
func (w *ExpenseWorkflow) IsTransitionAllowed(from, to string) bool {
	return expenseTransitions.Allows(from, to)
}

// OnStageEntered mirrors the stage into the expense's status column.
func (w *ExpenseWorkflow) OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error {
	status, ok := expenseStatusByStage[stage.Code]
	if !ok {
		return nil
	}
	if err := w.store.SetExpenseStatus(ctx, inst.ReferenceID, status); err != nil {
		return w.mirrorFailed(stage.Code, inst, err)
	}
	return nil
}

// SubmitForApproval starts approval of an expense after checking it against
// its budget line.
func (w *ExpenseWorkflow) SubmitForApproval(ctx context.Context, expenseID int64, notes string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "submit expense", func(ctx context.Context) (*Result, error) {
		expense, err := w.store.GetExpense(ctx, expenseID)
		if notFound(err) {
			return nil, abort(workflow.CodeNotFound, "Expense not found")
		}
		if err != nil {
			return nil, err
		}

		check := budgetCheck(expense)
		payload := models.Payload{
			Kind: models.WorkflowExpenseApproval,
			Expense: &models.ExpenseData{
				ExpenseID:        expense.ID,
				Description:      expense.Description,
				Amount:           expense.Amount,
				Category:         expense.Category,
				Vendor:           expense.Vendor,
				BudgetValidation: check,
				InitiatedBy:      actor.UserID,
				InitiatedAt:      w.now().UTC(),
			},
		}
		instanceID, err := w.engine.Start(ctx, w.workflowCode, w.referenceType, expenseID, payload, actor)
		if err != nil {
			return nil, err
		}
		if err := w.engine.Advance(ctx, instanceID, ExpenseStageValidation, "submit", actor,
			workflow.ActionData{Notes: notes}); err != nil {
			return nil, err
		}
		if err := w.store.SetExpenseStatus(ctx, expenseID, "pending_approval"); err != nil {
			return nil, err
		}

		return succeed("Expense approval workflow initiated successfully", map[string]any{
			"instance_id":       instanceID,
			"current_stage":     ExpenseStageValidation,
			"budget_validation": check,
		}), nil
	})
}

// Validate records the finance team's validation decision.
func (w *ExpenseWorkflow) Validate(ctx context.Context, expenseID int64, review Review, actor models.Actor) (*Result, error) {
	if !review.valid() {
		return failed(workflow.CodeInvalidInput, `Invalid action. Use "approve" or "reject"`), nil
	}
	return w.run(ctx, "validate expense", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, expenseID, ExpenseStageValidation)
		if err != nil {
			return nil, err
		}
		if review.Action == ReviewReject {
			return w.rejectAt(ctx, inst, review.Notes, actor, "Expense rejected during validation")
		}

		err = w.engine.Advance(ctx, inst.ID, ExpenseStageApproval, ReviewApprove, actor, workflow.ActionData{
			Notes: review.Notes,
			Update: func(p *models.Payload) {
				p.Expense.ValidationNotes = review.Notes
			},
		})
		if err != nil {
			return nil, err
		}
		return succeed("Expense validated by finance team", map[string]any{
			"instance_id":   inst.ID,
			"current_stage": ExpenseStageApproval,
		}), nil
	})
}

// Approve records the approver's decision. Approved expenses wait for payment.
func (w *ExpenseWorkflow) Approve(ctx context.Context, expenseID int64, review Review, actor models.Actor) (*Result, error) {
	if !review.valid() {
		return failed(workflow.CodeInvalidInput, `Invalid action. Use "approve" or "reject"`), nil
	}
	return w.run(ctx, "approve expense", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, expenseID, ExpenseStageApproval)
		if err != nil {
			return nil, err
		}
		if review.Action == ReviewReject {
			return w.rejectAt(ctx, inst, review.Notes, actor, "Expense rejected")
		}

		if err := w.engine.Advance(ctx, inst.ID, ExpenseStagePayment, ReviewApprove, actor,
			workflow.ActionData{Notes: review.Notes}); err != nil {
			return nil, err
		}
		if err := w.store.SetExpenseStatus(ctx, expenseID, "approved"); err != nil {
			return nil, err
		}
		return succeed("Expense approved, ready for payment", map[string]any{
			"instance_id":   inst.ID,
			"current_stage": ExpenseStagePayment,
		}), nil
	})
}

// ProcessPayment records the payment of an approved expense and completes
// its workflow.
func (w *ExpenseWorkflow) ProcessPayment(ctx context.Context, expenseID int64, payment Payment, actor models.Actor) (*Result, error) {
	if payment.Method == "" {
		return failed(workflow.CodeInvalidInput, "Missing required fields: payment_method"), nil
	}
	return w.run(ctx, "pay expense", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, expenseID, ExpenseStagePayment)
		if err != nil {
			return nil, err
		}
		if err := w.store.RecordExpensePayment(ctx, expenseID, actor.UserID, payment.Method, payment.Reference); err != nil {
			return nil, err
		}

		paidAt := w.now().UTC()
		err = w.engine.Advance(ctx, inst.ID, models.StageCompleted, "pay", actor, workflow.ActionData{
			Fields: map[string]string{"payment_method": payment.Method, "payment_reference": payment.Reference},
			Update: func(p *models.Payload) {
				p.Expense.Payment = &models.PaymentInfo{
					Method:      payment.Method,
					Reference:   payment.Reference,
					ProcessedBy: actor.UserID,
					ProcessedAt: paidAt,
				}
			},
		})
		if err != nil {
			return nil, err
		}
		return succeed("Payment recorded successfully", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Reject withdraws an expense from approval.
func (w *ExpenseWorkflow) Reject(ctx context.Context, expenseID int64, reason string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "reject expense", func(ctx context.Context) (*Result, error) {
		inst, err := w.active(ctx, expenseID)
		if err != nil {
			return nil, err
		}
		if err := w.engine.Cancel(ctx, inst.ID, reason, actor); err != nil {
			return nil, err
		}
		if err := w.store.RejectExpense(ctx, expenseID, actor.UserID, reason); err != nil {
			return nil, err
		}
		return succeed("Expense rejected", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Status returns the expense's latest workflow and its history.
func (w *ExpenseWorkflow) Status(ctx context.Context, expenseID int64) (*Result, error) {
	return w.status(ctx, expenseID)
}

func (w *ExpenseWorkflow) rejectAt(ctx context.Context, inst *models.WorkflowInstance, notes string,
	actor models.Actor, message string) (*Result, error) {
	if err := w.engine.Advance(ctx, inst.ID, models.StageRejected, ReviewReject, actor,
		workflow.ActionData{Notes: notes}); err != nil {
		return nil, err
	}
	if err := w.store.RejectExpense(ctx, inst.ReferenceID, actor.UserID, notes); err != nil {
		return nil, err
	}
	return succeed(message, map[string]any{"instance_id": inst.ID}), nil
}

func budgetCheck(e *models.Expense) string {
	switch {
	case e.BudgetLineItemID == nil || e.AvailableBalance == nil:
		return BudgetUnallocated
	case e.Amount > *e.AvailableBalance:
		return BudgetExceeded
	default:
		return BudgetWithinLimit
	}
}
