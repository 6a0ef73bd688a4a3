package services

import (
	"context"

	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// WorkflowEngine is the part of the engine the approval programs drive.
type WorkflowEngine interface {
	Start(ctx context.Context, workflowCode, referenceType string, referenceID int64, payload models.Payload, actor models.Actor) (string, error)
	Advance(ctx context.Context, instanceID, toStage, action string, actor models.Actor, data workflow.ActionData) error
	Annotate(ctx context.Context, instanceID, action string, actor models.Actor, data workflow.ActionData) error
	Complete(ctx context.Context, instanceID string, completion models.Completion, actor models.Actor) error
	Cancel(ctx context.Context, instanceID, reason string, actor models.Actor) error
	FindActive(ctx context.Context, workflowCode, referenceType string, referenceID int64) (*models.WorkflowInstance, error)
	Latest(ctx context.Context, workflowCode, referenceType string, referenceID int64) (*models.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error)
}

// BudgetStore manages budget status columns.
type BudgetStore interface {
	GetBudget(ctx context.Context, id int64) (*models.Budget, error)
	SetBudgetStatus(ctx context.Context, id int64, status string) error
	ApproveBudget(ctx context.Context, id, approvedBy int64) error
}

// ExpenseStore manages expense status columns and payments.
type ExpenseStore interface {
	GetExpense(ctx context.Context, id int64) (*models.Expense, error)
	SetExpenseStatus(ctx context.Context, id int64, status string) error
	RejectExpense(ctx context.Context, id, rejectedBy int64, reason string) error
	RecordExpensePayment(ctx context.Context, id, paidBy int64, method, reference string) error
}

// FeeStore manages fee structure status columns.
type FeeStore interface {
	GetFeeStructure(ctx context.Context, id int64) (*models.FeeStructure, error)
	SetFeeStructureStatus(ctx context.Context, id int64, status string) error
	ActivateFeeStructure(ctx context.Context, id, approvedBy int64) error
}

// PayrollStore manages staff payroll rows.
type PayrollStore interface {
	ListActiveStaff(ctx context.Context, filter models.StaffFilter) ([]*models.Staff, error)
	CreatePayrollRecord(ctx context.Context, staff *models.Staff, month, year int) (*models.PayrollRecord, error)
	GetPayrollRecord(ctx context.Context, id int64) (*models.PayrollRecord, error)
	RecordPayrollPayment(ctx context.Context, id int64, method, reference string) error
	DeletePendingPayroll(ctx context.Context, ids []int64) error
}
