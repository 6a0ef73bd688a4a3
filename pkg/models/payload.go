package models

import (
	"errors"
	"fmt"
	"time"
)

// PayloadVersion is the current schema version of Payload.
const PayloadVersion = 1

// Workflow codes of the built-in approval programs.
const (
	WorkflowBudgetApproval    = "BUDGET_APPROVAL"
	WorkflowExpenseApproval   = "EXPENSE_APPROVAL"
	WorkflowFeeApproval       = "FEE_APPROVAL"
	WorkflowPayrollProcessing = "PAYROLL_PROCESSING"
)

// Payload is the data accumulated by an instance across its stages. Kind holds
// the workflow code and selects which domain section is populated.
type Payload struct {
	Version            int          `json:"version"`
	Kind               string       `json:"kind"`
	Budget             *BudgetData  `json:"budget,omitempty"`
	Expense            *ExpenseData `json:"expense,omitempty"`
	Fee                *FeeData     `json:"fee,omitempty"`
	Payroll            *PayrollData `json:"payroll,omitempty"`
	Annotations        []Annotation `json:"annotations,omitempty"`
	Completion         *Completion  `json:"completion,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
}

// Annotation records the data supplied with one transition.
type Annotation struct {
	Stage  string            `json:"stage"`
	Action string            `json:"action"`
	By     int64             `json:"by"`
	At     time.Time         `json:"at"`
	Notes  string            `json:"notes,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Completion is merged into the payload when an instance completes.
type Completion struct {
	Outcome     string            `json:"outcome"`
	CompletedBy int64             `json:"completed_by"`
	CompletedAt time.Time         `json:"completed_at"`
	Notes       string            `json:"notes,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// BudgetData is the budget approval section.
type BudgetData struct {
	BudgetID       int64     `json:"budget_id"`
	Name           string    `json:"budget_name"`
	TotalAmount    float64   `json:"total_amount"`
	FiscalYear     string    `json:"fiscal_year"`
	Department     string    `json:"department,omitempty"`
	LineItemsCount int       `json:"line_items_count"`
	InitiatedBy    int64     `json:"initiated_by"`
	InitiatedAt    time.Time `json:"initiated_at"`
}

// ExpenseData is the expense approval section.
type ExpenseData struct {
	ExpenseID        int64        `json:"expense_id"`
	Description      string       `json:"description"`
	Amount           float64      `json:"amount"`
	Category         string       `json:"category"`
	Vendor           string       `json:"vendor,omitempty"`
	BudgetValidation string       `json:"budget_validation"`
	ValidationNotes  string       `json:"validation_notes,omitempty"`
	InitiatedBy      int64        `json:"initiated_by"`
	InitiatedAt      time.Time    `json:"initiated_at"`
	Payment          *PaymentInfo `json:"payment,omitempty"`
}

// FeeData is the fee-structure approval section.
type FeeData struct {
	FeeStructureID int64     `json:"fee_structure_id"`
	Name           string    `json:"fee_name"`
	Amount         float64   `json:"amount"`
	AcademicYear   string    `json:"academic_year"`
	InitiatedBy    int64     `json:"initiated_by"`
	InitiatedAt    time.Time `json:"initiated_at"`
}

// PayrollData is the payroll processing section.
type PayrollData struct {
	Month            int                  `json:"payroll_month"`
	Year             int                  `json:"payroll_year"`
	DepartmentFilter *int64               `json:"department_filter,omitempty"`
	StaffTypeFilter  *int64               `json:"staff_type_filter,omitempty"`
	TotalStaff       int                  `json:"total_staff"`
	TotalGross       float64              `json:"total_gross_salary"`
	TotalNet         float64              `json:"total_net_salary"`
	PayrollRecords   []int64              `json:"payroll_records"`
	InitiatedBy      int64                `json:"initiated_by"`
	InitiatedAt      time.Time            `json:"initiated_at"`
	Verification     *PayrollVerification `json:"verification,omitempty"`
	Approval         *PayrollApproval     `json:"approval,omitempty"`
	Payment          *PaymentInfo         `json:"payment,omitempty"`
}

// PayrollVerification is the outcome of the last verification run.
type PayrollVerification struct {
	VerifiedBy      int64     `json:"verified_by"`
	VerifiedAt      time.Time `json:"verified_at"`
	Issues          []string  `json:"issues"`
	VerifiedRecords int       `json:"verified_records"`
	Notes           string    `json:"verification_notes,omitempty"`
}

// PayrollApproval records who approved the payroll run.
type PayrollApproval struct {
	ApprovedBy int64     `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Notes      string    `json:"approval_notes,omitempty"`
}

// PaymentInfo records how an expense or payroll run was paid.
type PaymentInfo struct {
	Method           string    `json:"payment_method"`
	Reference        string    `json:"payment_reference,omitempty"`
	ProcessedBy      int64     `json:"processed_by"`
	ProcessedAt      time.Time `json:"processed_at"`
	RecordsProcessed int       `json:"records_processed,omitempty"`
}

// ErrInvalidPayload is returned by Payload.Validate.
var ErrInvalidPayload = errors.New("invalid workflow payload")

// Validate checks the version and that the populated section matches Kind.
func (p *Payload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	}
	sections := map[string]bool{
		WorkflowBudgetApproval:    p.Budget != nil,
		WorkflowExpenseApproval:   p.Expense != nil,
		WorkflowFeeApproval:       p.Fee != nil,
		WorkflowPayrollProcessing: p.Payroll != nil,
	}
	for kind, set := range sections {
		if set && kind != p.Kind {
			return fmt.Errorf("%w: %s section set on %q payload", ErrInvalidPayload, kind, p.Kind)
		}
	}
	if set, known := sections[p.Kind]; known && !set {
		return fmt.Errorf("%w: missing %s section", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// Annotate appends a transition annotation.
func (p *Payload) Annotate(a Annotation) {
	p.Annotations = append(p.Annotations, a)
}
