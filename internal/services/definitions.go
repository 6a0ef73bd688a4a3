package services

import (
	"context"
	"fmt"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Program is an approval program that plugs its policy into the engine.
type Program interface {
	workflow.DomainPolicy
	WorkflowCode() string
}

// RegisterPolicies registers each program as the policy of its workflow.
func RegisterPolicies(set *workflow.PolicySet, programs ...Program) {
	for _, p := range programs {
		set.Register(p.WorkflowCode(), p)
	}
}

// Blueprint is a workflow definition together with its stages.
type Blueprint struct {
	Definition models.WorkflowDefinition
	Stages     []models.WorkflowStage
}

func tr(action, target, label string) models.Transition {
	return models.Transition{Action: action, Target: target, Label: label}
}

func reviewTransitions(next string) []models.Transition {
	return []models.Transition{
		tr(ReviewApprove, next, "Approve"),
		{Action: ReviewReject, Target: models.StageRejected, Label: "Reject", RequiresData: true},
	}
}

// Blueprints returns the definitions of the built-in approval programs.
func Blueprints() []Blueprint {
	return []Blueprint{
		{
			Definition: models.WorkflowDefinition{
				Code: models.WorkflowBudgetApproval, Name: "Budget Approval", Category: "finance", Active: true,
				Description: "Departmental, finance and director sign-off of annual budgets",
			},
			Stages: []models.WorkflowStage{
				{Code: BudgetStageDraft, Name: "Draft", Sequence: 1, AllowedTransitions: []models.Transition{
					tr("submit", BudgetStageDepartmental, "Submit for departmental review"),
					tr("submit", BudgetStageFinance, "Submit for finance review"),
				}},
				{Code: BudgetStageDepartmental, Name: "Departmental Review", Sequence: 2, RequiredRole: "department_head",
					AllowedTransitions: reviewTransitions(BudgetStageFinance)},
				{Code: BudgetStageFinance, Name: "Finance Review", Sequence: 3, RequiredRole: "finance_officer",
					AllowedTransitions: reviewTransitions(BudgetStageDirector)},
				{Code: BudgetStageDirector, Name: "Director Approval", Sequence: 4, RequiredRole: "director",
					AllowedTransitions: reviewTransitions(models.StageCompleted),
					ActionConfig:       models.ActionConfig{Triggers: []string{"trg_budget_approval_audit"}}},
			},
		},
		{
			Definition: models.WorkflowDefinition{
				Code: models.WorkflowExpenseApproval, Name: "Expense Approval", Category: "finance", Active: true,
				Description: "Validation, approval and payment of expense claims",
			},
			Stages: []models.WorkflowStage{
				{Code: ExpenseStageSubmission, Name: "Submission", Sequence: 1, AllowedTransitions: []models.Transition{
					tr("submit", ExpenseStageValidation, "Submit for validation"),
				}},
				{Code: ExpenseStageValidation, Name: "Validation", Sequence: 2, RequiredRole: "accountant",
					AllowedTransitions: reviewTransitions(ExpenseStageApproval)},
				{Code: ExpenseStageApproval, Name: "Approval", Sequence: 3, RequiredRole: "bursar",
					AllowedTransitions: reviewTransitions(ExpenseStagePayment)},
				{Code: ExpenseStagePayment, Name: "Payment", Sequence: 4, RequiredRole: "accountant",
					AllowedTransitions: []models.Transition{
						{Action: "pay", Target: models.StageCompleted, Label: "Record payment", RequiresData: true},
					},
					ActionConfig: models.ActionConfig{Events: []string{"evt_expense_payment_reminder"}}},
			},
		},
		{
			Definition: models.WorkflowDefinition{
				Code: models.WorkflowFeeApproval, Name: "Fee Structure Approval", Category: "finance", Active: true,
				Description: "Finance review and director approval of fee structures",
			},
			Stages: []models.WorkflowStage{
				{Code: FeeStageDraft, Name: "Draft", Sequence: 1, AllowedTransitions: []models.Transition{
					tr("submit", FeeStageReview, "Submit for review"),
				}},
				{Code: FeeStageReview, Name: "Finance Review", Sequence: 2, RequiredRole: "finance_officer",
					AllowedTransitions: reviewTransitions(FeeStageApproval)},
				{Code: FeeStageApproval, Name: "Director Approval", Sequence: 3, RequiredRole: "director",
					AllowedTransitions: reviewTransitions(FeeStageActivation)},
				{Code: FeeStageActivation, Name: "Activation", Sequence: 4, AllowedTransitions: []models.Transition{
					tr("activate", models.StageCompleted, "Activate"),
				}},
			},
		},
		{
			Definition: models.WorkflowDefinition{
				Code: models.WorkflowPayrollProcessing, Name: "Payroll Processing", Category: "hr", Active: true,
				Description: "Monthly payroll calculation, verification, approval and payment",
			},
			Stages: []models.WorkflowStage{
				{Code: PayrollStageCalculation, Name: "Calculation", Sequence: 1, AllowedTransitions: []models.Transition{
					tr("verify", PayrollStageVerification, "Verify"),
				}},
				{Code: PayrollStageVerification, Name: "Verification", Sequence: 2, RequiredRole: "hr_officer",
					AllowedTransitions: []models.Transition{tr("verification_completed", PayrollStageApproval, "Complete verification")}},
				{Code: PayrollStageApproval, Name: "Approval", Sequence: 3, RequiredRole: "director",
					AllowedTransitions: []models.Transition{tr(ReviewApprove, PayrollStagePayment, "Approve")},
					ActionConfig:       models.ActionConfig{Procedures: []string{ProcReconcilePayrollTotals}}},
				{Code: PayrollStagePayment, Name: "Payment", Sequence: 4, RequiredRole: "bursar",
					AllowedTransitions: []models.Transition{
						{Action: "pay", Target: models.StageCompleted, Label: "Process payment", RequiresData: true},
					}},
			},
		},
	}
}

// SeedDefinitions writes the built-in definitions and their stages. It can be
// run repeatedly.
func SeedDefinitions(ctx context.Context, w repository.DefinitionWriter) error {
	for _, bp := range Blueprints() {
		def := bp.Definition
		if err := w.UpsertDefinition(ctx, &def); err != nil {
			return fmt.Errorf("seed definition %s: %w", def.Code, err)
		}
		for _, st := range bp.Stages {
			st.WorkflowID = def.ID
			st.Active = true
			if err := w.UpsertStage(ctx, &st); err != nil {
				return fmt.Errorf("seed stage %s/%s: %w", def.Code, st.Code, err)
			}
		}
	}
	return nil
}
