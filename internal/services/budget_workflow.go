package services

import (
	"context"
	"time"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Budget workflow stages.
const (
	BudgetStageDraft        = "draft"
	BudgetStageDepartmental = "departmental_review"
	BudgetStageFinance      = "finance_review"
	BudgetStageDirector     = "director_approval"
)

var budgetTransitions = workflow.TransitionTable{
	BudgetStageDraft:        {BudgetStageDepartmental, BudgetStageFinance},
	BudgetStageDepartmental: {BudgetStageFinance, models.StageRejected},
	BudgetStageFinance:      {BudgetStageDirector, models.StageRejected},
	BudgetStageDirector:     {models.StageCompleted, models.StageRejected},
}

var budgetStatusByStage = map[string]string{
	BudgetStageDepartmental: "pending_departmental_review",
	BudgetStageFinance:      "pending_finance_review",
	BudgetStageDirector:     "pending_director_approval",
	models.StageCompleted:   "approved",
	models.StageRejected:    "rejected",
	models.StageCancelled:   "draft",
}

// BudgetWorkflow runs budget approval: departmental review, finance review
// and director approval.
type BudgetWorkflow struct {
	program
	store BudgetStore
	now   func() time.Time
}

// NewBudgetWorkflow creates a BudgetWorkflow.
func NewBudgetWorkflow(engine WorkflowEngine, tx repository.Transactor, store BudgetStore, logger workflow.Logger) *BudgetWorkflow {
	return &BudgetWorkflow{
		program: newProgram(engine, tx, logger, models.WorkflowBudgetApproval, "budget", "budget"),
		store:   store,
		now:     time.Now,
	}
}

// IsTransitionAllowed implements workflow.DomainPolicy.
func (w *BudgetWorkflow) IsTransitionAllowed(from, to string) bool {
	return budgetTransitions.Allows(from, to)
}

// OnStageEntered mirrors the stage into the budget's status column.
func (w *BudgetWorkflow) OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error {
	status, ok := budgetStatusByStage[stage.Code]
	if !ok {
		return nil
	}
	if err := w.store.SetBudgetStatus(ctx, inst.ReferenceID, status); err != nil {
		return w.mirrorFailed(stage.Code, inst, err)
	}
	return nil
}

// SubmitForReview starts approval of a budget. Budgets with a department go
// to departmental review, the rest straight to finance review.
func (w *BudgetWorkflow) SubmitForReview(ctx context.Context, budgetID int64, notes string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "submit budget", func(ctx context.Context) (*Result, error) {
		budget, err := w.store.GetBudget(ctx, budgetID)
		if notFound(err) {
			return nil, abort(workflow.CodeNotFound, "Budget not found")
		}
		if err != nil {
			return nil, err
		}

		payload := models.Payload{
			Kind: models.WorkflowBudgetApproval,
			Budget: &models.BudgetData{
				BudgetID:       budget.ID,
				Name:           budget.Name,
				TotalAmount:    budget.TotalAmount,
				FiscalYear:     budget.FiscalYear,
				Department:     budget.Department,
				LineItemsCount: budget.LineItemsCount,
				InitiatedBy:    actor.UserID,
				InitiatedAt:    w.now().UTC(),
			},
		}
		instanceID, err := w.engine.Start(ctx, w.workflowCode, w.referenceType, budgetID, payload, actor)
		if err != nil {
			return nil, err
		}

		target := BudgetStageDepartmental
		if budget.Department == "" {
			target = BudgetStageFinance
		}
		if err := w.engine.Advance(ctx, instanceID, target, "submit", actor, workflow.ActionData{Notes: notes}); err != nil {
			return nil, err
		}
		if err := w.store.SetBudgetStatus(ctx, budgetID, "pending_approval"); err != nil {
			return nil, err
		}

		return succeed("Budget approval workflow initiated successfully", map[string]any{
			"instance_id":   instanceID,
			"current_stage": target,
		}), nil
	})
}

// ApproveDepartmental records the department head's decision.
func (w *BudgetWorkflow) ApproveDepartmental(ctx context.Context, budgetID int64, review Review, actor models.Actor) (*Result, error) {
	return w.decide(ctx, budgetID, review, actor, BudgetStageDepartmental, BudgetStageFinance,
		"Budget approved by department head", "Budget rejected by department head", nil)
}

// ApproveFinance records the finance team's decision.
func (w *BudgetWorkflow) ApproveFinance(ctx context.Context, budgetID int64, review Review, actor models.Actor) (*Result, error) {
	return w.decide(ctx, budgetID, review, actor, BudgetStageFinance, BudgetStageDirector,
		"Budget approved by finance team", "Budget rejected by finance team", nil)
}

// ApproveDirector records the director's decision. Approval marks the budget
// approved and completes the workflow.
func (w *BudgetWorkflow) ApproveDirector(ctx context.Context, budgetID int64, review Review, actor models.Actor) (*Result, error) {
	return w.decide(ctx, budgetID, review, actor, BudgetStageDirector, models.StageCompleted,
		"Budget approved by director", "Budget rejected by director",
		func(ctx context.Context) error {
			return w.store.ApproveBudget(ctx, budgetID, actor.UserID)
		})
}

// Reject withdraws a budget from approval and returns it to draft.
func (w *BudgetWorkflow) Reject(ctx context.Context, budgetID int64, remarks string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "reject budget", func(ctx context.Context) (*Result, error) {
		inst, err := w.active(ctx, budgetID)
		if err != nil {
			return nil, err
		}
		if err := w.engine.Cancel(ctx, inst.ID, remarks, actor); err != nil {
			return nil, err
		}
		if err := w.store.SetBudgetStatus(ctx, budgetID, "draft"); err != nil {
			return nil, err
		}
		return succeed("Budget rejected", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Status returns the budget's latest workflow and its history.
func (w *BudgetWorkflow) Status(ctx context.Context, budgetID int64) (*Result, error) {
	return w.status(ctx, budgetID)
}

func (w *BudgetWorkflow) decide(ctx context.Context, budgetID int64, review Review, actor models.Actor,
	stage, next, approved, rejected string, onApprove func(ctx context.Context) error) (*Result, error) {
	if !review.valid() {
		return failed(workflow.CodeInvalidInput, `Invalid action. Use "approve" or "reject"`), nil
	}
	return w.run(ctx, "review budget", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, budgetID, stage)
		if err != nil {
			return nil, err
		}
		data := workflow.ActionData{Notes: review.Notes}

		if review.Action == ReviewReject {
			if err := w.engine.Advance(ctx, inst.ID, models.StageRejected, ReviewReject, actor, data); err != nil {
				return nil, err
			}
			if err := w.store.SetBudgetStatus(ctx, budgetID, "rejected"); err != nil {
				return nil, err
			}
			return succeed(rejected, map[string]any{"instance_id": inst.ID}), nil
		}

		if err := w.engine.Advance(ctx, inst.ID, next, ReviewApprove, actor, data); err != nil {
			return nil, err
		}
		if onApprove != nil {
			if err := onApprove(ctx); err != nil {
				return nil, err
			}
		}
		return succeed(approved, map[string]any{"instance_id": inst.ID, "current_stage": next}), nil
	})
}
