package models

import "time"

// Budget is a departmental or school-wide budget awaiting or holding approval
type Budget struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	TotalAmount    float64 `json:"total_amount"`
	FiscalYear     string  `json:"fiscal_year"`
	Department     string  `json:"department,omitempty"`
	Status         string  `json:"status"`
	LineItemsCount int     `json:"line_items_count"`
}

// Expense is a spending request, optionally drawn against a budget line item
type Expense struct {
	ID               int64    `json:"id"`
	Description      string   `json:"description"`
	Amount           float64  `json:"amount"`
	Vendor           string   `json:"vendor,omitempty"`
	Category         string   `json:"category,omitempty"`
	BudgetLineItemID *int64   `json:"budget_line_item_id,omitempty"`
	AvailableBalance *float64 `json:"available_balance,omitempty"`
	Status           string   `json:"status"`
}

// FeeStructure is a fee schedule for an academic year
type FeeStructure struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Amount       float64 `json:"amount"`
	AcademicYear string  `json:"academic_year"`
	Status       string  `json:"status"`
}

// Staff is an employee on the payroll
type Staff struct {
	ID           int64   `json:"id"`
	StaffNo      string  `json:"staff_no"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	DepartmentID *int64  `json:"department_id,omitempty"`
	StaffTypeID  *int64  `json:"staff_type_id,omitempty"`
	BasicSalary  float64 `json:"basic_salary"`
	Allowances   float64 `json:"allowances"`
	Deductions   float64 `json:"deductions"`
}

// PayrollRecord is one staff member's pay for a period
type PayrollRecord struct {
	ID          int64      `json:"id"`
	StaffID     int64      `json:"staff_id"`
	Month       int        `json:"payroll_month"`
	Year        int        `json:"payroll_year"`
	GrossSalary float64    `json:"gross_salary"`
	NetSalary   float64    `json:"net_salary"`
	Status      string     `json:"status"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// StaffFilter narrows the staff selected for a payroll run
type StaffFilter struct {
	DepartmentID *int64 `json:"department_id,omitempty"`
	StaffTypeID  *int64 `json:"staff_type_id,omitempty"`
}
