package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"schoolerp/backend/pkg/models"
)

// PostgresEntityStore is the data access for the business entities the
// approval workflows act on: budgets, expenses, fee structures and payroll.
type PostgresEntityStore struct {
	db *pgxpool.Pool
}

// NewPostgresEntityStore creates a new PostgresEntityStore.
func NewPostgresEntityStore(db *pgxpool.Pool) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

// GetBudget returns a budget with its line item count.
func (s *PostgresEntityStore) GetBudget(ctx context.Context, id int64) (*models.Budget, error) {
	var b models.Budget
	err := conn(ctx, s.db).QueryRow(ctx, `
		SELECT b.id, b.name, b.total_amount::float8, b.fiscal_year, b.department, b.status,
		       (SELECT COUNT(*) FROM budget_line_items li WHERE li.budget_id = b.id)
		FROM budgets b WHERE b.id = $1`, id).
		Scan(&b.ID, &b.Name, &b.TotalAmount, &b.FiscalYear, &b.Department, &b.Status, &b.LineItemsCount)
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

// SetBudgetStatus updates a budget's status column.
func (s *PostgresEntityStore) SetBudgetStatus(ctx context.Context, id int64, status string) error {
	return s.exec(ctx, "UPDATE budgets SET status = $1 WHERE id = $2", status, id)
}

// ApproveBudget marks a budget approved by the user.
func (s *PostgresEntityStore) ApproveBudget(ctx context.Context, id, approvedBy int64) error {
	return s.exec(ctx,
		"UPDATE budgets SET status = 'approved', approved_by = $1, approved_at = now() WHERE id = $2",
		approvedBy, id)
}

// GetExpense returns an expense joined with its budget line item.
func (s *PostgresEntityStore) GetExpense(ctx context.Context, id int64) (*models.Expense, error) {
	var e models.Expense
	var category *string
	err := conn(ctx, s.db).QueryRow(ctx, `
		SELECT e.id, e.description, e.amount::float8, e.vendor, e.budget_line_item_id, e.status,
		       li.category, li.available_balance::float8
		FROM expenses e
		LEFT JOIN budget_line_items li ON li.id = e.budget_line_item_id
		WHERE e.id = $1`, id).
		Scan(&e.ID, &e.Description, &e.Amount, &e.Vendor, &e.BudgetLineItemID, &e.Status, &category, &e.AvailableBalance)
	if err != nil {
		return nil, mapError(err)
	}
	if category != nil {
		e.Category = *category
	}
	return &e, nil
}

// SetExpenseStatus updates an expense's status column.
func (s *PostgresEntityStore) SetExpenseStatus(ctx context.Context, id int64, status string) error {
	return s.exec(ctx, "UPDATE expenses SET status = $1 WHERE id = $2", status, id)
}

// RejectExpense marks an expense rejected with the reason.
func (s *PostgresEntityStore) RejectExpense(ctx context.Context, id, rejectedBy int64, reason string) error {
	return s.exec(ctx,
		"UPDATE expenses SET status = 'rejected', rejected_by = $1, rejection_reason = $2 WHERE id = $3",
		rejectedBy, reason, id)
}

// RecordExpensePayment marks an expense paid.
func (s *PostgresEntityStore) RecordExpensePayment(ctx context.Context, id, paidBy int64, method, reference string) error {
	return s.exec(ctx, `
		UPDATE expenses
		SET status = 'paid', payment_method = $1, payment_reference = $2, paid_by = $3, paid_at = now()
		WHERE id = $4`, method, reference, paidBy, id)
}

// GetFeeStructure returns a fee structure.
func (s *PostgresEntityStore) GetFeeStructure(ctx context.Context, id int64) (*models.FeeStructure, error) {
	var f models.FeeStructure
	err := conn(ctx, s.db).QueryRow(ctx, `
		SELECT id, name, amount::float8, academic_year, status FROM fee_structures WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Amount, &f.AcademicYear, &f.Status)
	if err != nil {
		return nil, mapError(err)
	}
	return &f, nil
}

// SetFeeStructureStatus updates a fee structure's status column.
func (s *PostgresEntityStore) SetFeeStructureStatus(ctx context.Context, id int64, status string) error {
	return s.exec(ctx, "UPDATE fee_structures SET status = $1 WHERE id = $2", status, id)
}

// ActivateFeeStructure marks a fee structure active and approved by the user.
func (s *PostgresEntityStore) ActivateFeeStructure(ctx context.Context, id, approvedBy int64) error {
	return s.exec(ctx,
		"UPDATE fee_structures SET status = 'active', approved_by = $1, approved_at = now() WHERE id = $2",
		approvedBy, id)
}

// ListActiveStaff returns active staff matching the filter.
func (s *PostgresEntityStore) ListActiveStaff(ctx context.Context, filter models.StaffFilter) ([]*models.Staff, error) {
	query := `SELECT id, staff_no, first_name, last_name, department_id, staff_type_id,
		basic_salary::float8, allowances::float8, deductions::float8
		FROM staff WHERE status = 'active'`
	var (
		clauses []string
		args    []any
	)
	if filter.DepartmentID != nil {
		args = append(args, *filter.DepartmentID)
		clauses = append(clauses, "department_id = $1")
	}
	if filter.StaffTypeID != nil {
		args = append(args, *filter.StaffTypeID)
		if len(args) == 1 {
			clauses = append(clauses, "staff_type_id = $1")
		} else {
			clauses = append(clauses, "staff_type_id = $2")
		}
	}
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_name, first_name"

	rows, err := conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var staff []*models.Staff
	for rows.Next() {
		var st models.Staff
		if err := rows.Scan(&st.ID, &st.StaffNo, &st.FirstName, &st.LastName, &st.DepartmentID, &st.StaffTypeID,
			&st.BasicSalary, &st.Allowances, &st.Deductions); err != nil {
			return nil, err
		}
		staff = append(staff, &st)
	}
	return staff, rows.Err()
}

// CreatePayrollRecord computes and inserts a pending payroll row for the staff member.
func (s *PostgresEntityStore) CreatePayrollRecord(ctx context.Context, staff *models.Staff, month, year int) (*models.PayrollRecord, error) {
	rec := &models.PayrollRecord{
		StaffID:     staff.ID,
		Month:       month,
		Year:        year,
		GrossSalary: staff.BasicSalary + staff.Allowances,
		Status:      "pending",
	}
	rec.NetSalary = rec.GrossSalary - staff.Deductions
	err := conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO staff_payroll (staff_id, payroll_month, payroll_year, gross_salary, net_salary, status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.StaffID, rec.Month, rec.Year, rec.GrossSalary, rec.NetSalary, rec.Status).Scan(&rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetPayrollRecord returns a payroll row.
func (s *PostgresEntityStore) GetPayrollRecord(ctx context.Context, id int64) (*models.PayrollRecord, error) {
	var rec models.PayrollRecord
	err := conn(ctx, s.db).QueryRow(ctx, `
		SELECT id, staff_id, payroll_month, payroll_year, gross_salary::float8, net_salary::float8, status, paid_at
		FROM staff_payroll WHERE id = $1`, id).
		Scan(&rec.ID, &rec.StaffID, &rec.Month, &rec.Year, &rec.GrossSalary, &rec.NetSalary, &rec.Status, &rec.PaidAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// RecordPayrollPayment marks a pending payroll row paid.
func (s *PostgresEntityStore) RecordPayrollPayment(ctx context.Context, id int64, method, reference string) error {
	return s.exec(ctx, `
		UPDATE staff_payroll
		SET status = 'paid', payment_method = $1, payment_reference = $2, paid_at = now()
		WHERE id = $3 AND status = 'pending'`, method, reference, id)
}

// DeletePendingPayroll removes unpaid payroll rows.
func (s *PostgresEntityStore) DeletePendingPayroll(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := conn(ctx, s.db).Exec(ctx,
		"DELETE FROM staff_payroll WHERE id = ANY($1) AND status = 'pending'", ids)
	return err
}

func (s *PostgresEntityStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := conn(ctx, s.db).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
