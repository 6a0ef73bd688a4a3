package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Payroll workflow stages.
const (
	PayrollStageCalculation  = "calculation"
	PayrollStageVerification = "verification"
	PayrollStageApproval     = "approval"
	PayrollStagePayment      = "payment"
)

// ProcReconcilePayrollTotals checks a run's rows against its recorded totals
// when the run reaches approval.
const ProcReconcilePayrollTotals = "payroll.reconcile_totals"

var payrollTransitions = workflow.TransitionTable{
	PayrollStageCalculation:  {PayrollStageVerification},
	PayrollStageVerification: {PayrollStageApproval},
	PayrollStageApproval:     {PayrollStagePayment},
	PayrollStagePayment:      {models.StageCompleted},
}

// Period is a payroll month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// ReferenceID is the period's workflow reference, e.g. 202603 for March 2026.
func (p Period) ReferenceID() int64 {
	return int64(p.Year)*100 + int64(p.Month)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

func (p Period) valid() bool {
	return p.Year > 0 && p.Month >= 1 && p.Month <= 12
}

// FailedPayment is a payroll row that could not be paid.
type FailedPayment struct {
	PayrollID int64  `json:"payroll_id"`
	Error     string `json:"error"`
}

// PayrollReport summarizes a payroll run.
type PayrollReport struct {
	Period       Period                      `json:"period"`
	InstanceID   string                      `json:"instance_id"`
	Status       models.InstanceStatus       `json:"status"`
	CurrentStage string                      `json:"current_stage"`
	TotalStaff   int                         `json:"total_staff"`
	TotalGross   float64                     `json:"total_gross_salary"`
	TotalNet     float64                     `json:"total_net_salary"`
	Records      []*models.PayrollRecord     `json:"records"`
	Verification *models.PayrollVerification `json:"verification,omitempty"`
	Approval     *models.PayrollApproval     `json:"approval,omitempty"`
	Payment      *models.PaymentInfo         `json:"payment,omitempty"`
}

// PayrollWorkflow runs monthly payroll: calculation, verification, approval
// and payment.
type PayrollWorkflow struct {
	program
	store PayrollStore
	now   func() time.Time
}

// NewPayrollWorkflow creates a PayrollWorkflow.
func NewPayrollWorkflow(engine WorkflowEngine, tx repository.Transactor, store PayrollStore, logger workflow.Logger) *PayrollWorkflow {
	return &PayrollWorkflow{
		program: newProgram(engine, tx, logger, models.WorkflowPayrollProcessing, "payroll_period", "payroll period"),
		store:   store,
		now:     time.Now,
	}
}

// IsTransitionAllowed implements workflow.DomainPolicy.
func (w *PayrollWorkflow) IsTransitionAllowed(from, to string) bool {
	return payrollTransitions.Allows(from, to)
}

// OnStageEntered implements workflow.DomainPolicy. Payroll has no status
// column to mirror; a run that ends without payment drops its unpaid rows.
func (w *PayrollWorkflow) OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error {
	w.logger.Debug("Payroll stage entered", "instance_id", inst.ID, "stage", stage.Code)
	if stage.Code != models.StageRejected && stage.Code != models.StageCancelled || inst.Data.Payroll == nil {
		return nil
	}
	if err := w.store.DeletePendingPayroll(ctx, inst.Data.Payroll.PayrollRecords); err != nil {
		return w.mirrorFailed(stage.Code, inst, err)
	}
	return nil
}

// RegisterProcedures binds the procedures the payroll stages declare.
func (w *PayrollWorkflow) RegisterProcedures(r *workflow.ProcedureRegistry) {
	r.Register(ProcReconcilePayrollTotals, w.reconcileTotals)
}

// reconcileTotals fails when the stored rows no longer add up to the totals
// recorded at calculation.
func (w *PayrollWorkflow) reconcileTotals(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) error {
	data := inst.Data.Payroll
	if data == nil {
		return fmt.Errorf("payroll instance %s has no payroll section", inst.ID)
	}
	var gross, net float64
	for _, id := range data.PayrollRecords {
		rec, err := w.store.GetPayrollRecord(ctx, id)
		if err != nil {
			return fmt.Errorf("payroll record %d: %w", id, err)
		}
		gross += rec.GrossSalary
		net += rec.NetSalary
	}
	if math.Abs(gross-data.TotalGross) > 0.005 || math.Abs(net-data.TotalNet) > 0.005 {
		return fmt.Errorf("payroll rows add up to gross %.2f net %.2f, run recorded gross %.2f net %.2f",
			gross, net, data.TotalGross, data.TotalNet)
	}
	return nil
}

// InitiatePayroll calculates pay for the active staff matching the filter
// and starts the period's payroll workflow.
func (w *PayrollWorkflow) InitiatePayroll(ctx context.Context, period Period, filter models.StaffFilter,
	notes string, actor models.Actor) (*Result, error) {
	if !period.valid() {
		return failed(workflow.CodeInvalidInput, "Missing required fields: month, year"), nil
	}
	return w.run(ctx, "initiate payroll", func(ctx context.Context) (*Result, error) {
		_, err := w.engine.FindActive(ctx, w.workflowCode, w.referenceType, period.ReferenceID())
		if err == nil {
			return nil, abort(workflow.CodeConflict, "Active payroll workflow already exists for this period")
		}
		if !errors.Is(err, workflow.ErrNotFound) {
			return nil, err
		}

		staff, err := w.store.ListActiveStaff(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(staff) == 0 {
			return nil, abort(workflow.CodeNotFound, "No active staff found matching the criteria")
		}

		data := &models.PayrollData{
			Month:            period.Month,
			Year:             period.Year,
			DepartmentFilter: filter.DepartmentID,
			StaffTypeFilter:  filter.StaffTypeID,
			InitiatedBy:      actor.UserID,
			InitiatedAt:      w.now().UTC(),
		}
		for _, s := range staff {
			rec, err := w.store.CreatePayrollRecord(ctx, s, period.Month, period.Year)
			if err != nil {
				return nil, fmt.Errorf("calculate payroll for staff %d: %w", s.ID, err)
			}
			data.PayrollRecords = append(data.PayrollRecords, rec.ID)
			data.TotalGross += rec.GrossSalary
			data.TotalNet += rec.NetSalary
		}
		data.TotalStaff = len(data.PayrollRecords)

		payload := models.Payload{Kind: models.WorkflowPayrollProcessing, Payroll: data}
		instanceID, err := w.engine.Start(ctx, w.workflowCode, w.referenceType, period.ReferenceID(), payload, actor)
		if err != nil {
			return nil, err
		}
		if notes != "" {
			if err := w.engine.Annotate(ctx, instanceID, "initiate", actor, workflow.ActionData{Notes: notes}); err != nil {
				return nil, err
			}
		}

		return succeed("Payroll initiated successfully", map[string]any{
			"instance_id":        instanceID,
			"period":             period.String(),
			"total_staff":        data.TotalStaff,
			"total_gross_salary": data.TotalGross,
			"total_net_salary":   data.TotalNet,
		}), nil
	})
}

// VerifyPayroll checks every calculated row. Issues keep the run at
// verification; a clean run moves on to approval.
func (w *PayrollWorkflow) VerifyPayroll(ctx context.Context, period Period, notes string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "verify payroll", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, period.ReferenceID(), PayrollStageCalculation, PayrollStageVerification)
		if err != nil {
			return nil, err
		}
		ids := inst.Data.Payroll.PayrollRecords
		if len(ids) == 0 {
			return nil, abort(workflow.CodeInvalidState, "No payroll records found")
		}

		var issues []string
		for _, id := range ids {
			rec, err := w.store.GetPayrollRecord(ctx, id)
			if notFound(err) {
				issues = append(issues, fmt.Sprintf("Payroll record %d not found", id))
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.NetSalary < 0 {
				issues = append(issues, fmt.Sprintf("Staff #%d has negative net salary", rec.StaffID))
			}
		}

		verification := &models.PayrollVerification{
			VerifiedBy:      actor.UserID,
			VerifiedAt:      w.now().UTC(),
			Issues:          issues,
			VerifiedRecords: len(ids),
			Notes:           notes,
		}
		record := workflow.ActionData{
			Notes:  notes,
			Update: func(p *models.Payload) { p.Payroll.Verification = verification },
		}
		if inst.CurrentStage == PayrollStageCalculation {
			err = w.engine.Advance(ctx, inst.ID, PayrollStageVerification, "verify", actor, record)
		} else {
			err = w.engine.Annotate(ctx, inst.ID, "verify", actor, record)
		}
		if err != nil {
			return nil, err
		}

		if len(issues) > 0 {
			return &Result{
				Code:    workflow.CodeInvalidState,
				Message: "Verification failed. Issues found in payroll calculations",
				Data:    map[string]any{"instance_id": inst.ID, "issues": issues},
			}, nil
		}

		if err := w.engine.Advance(ctx, inst.ID, PayrollStageApproval, "verification_completed", actor,
			workflow.ActionData{Notes: notes}); err != nil {
			return nil, err
		}
		return succeed("Payroll verified successfully", map[string]any{
			"instance_id":   inst.ID,
			"current_stage": PayrollStageApproval,
		}), nil
	})
}

// ApprovePayroll approves a verified run for payment.
func (w *PayrollWorkflow) ApprovePayroll(ctx context.Context, period Period, notes string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "approve payroll", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, period.ReferenceID(), PayrollStageApproval)
		if err != nil {
			return nil, err
		}
		approval := &models.PayrollApproval{ApprovedBy: actor.UserID, ApprovedAt: w.now().UTC(), Notes: notes}
		err = w.engine.Advance(ctx, inst.ID, PayrollStagePayment, ReviewApprove, actor, workflow.ActionData{
			Notes:  notes,
			Update: func(p *models.Payload) { p.Payroll.Approval = approval },
		})
		if err != nil {
			return nil, err
		}
		return succeed("Payroll approved for payment", map[string]any{
			"instance_id":   inst.ID,
			"current_stage": PayrollStagePayment,
		}), nil
	})
}

// ProcessPayment pays every row of an approved run and completes the
// workflow. If any row cannot be paid nothing is paid.
func (w *PayrollWorkflow) ProcessPayment(ctx context.Context, period Period, payment Payment, actor models.Actor) (*Result, error) {
	if payment.Method == "" {
		return failed(workflow.CodeInvalidInput, "Missing required fields: payment_method"), nil
	}
	return w.run(ctx, "pay payroll", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, period.ReferenceID(), PayrollStagePayment)
		if err != nil {
			return nil, err
		}

		var failures []FailedPayment
		for _, id := range inst.Data.Payroll.PayrollRecords {
			err := w.tx.Savepoint(ctx, func(ctx context.Context) error {
				return w.store.RecordPayrollPayment(ctx, id, payment.Method, payment.Reference)
			})
			if notFound(err) {
				err = errors.New("payroll record is missing or already paid")
			}
			if err != nil {
				failures = append(failures, FailedPayment{PayrollID: id, Error: err.Error()})
			}
		}
		if len(failures) > 0 {
			return nil, &rollback{res: &Result{
				Code:    workflow.CodeInvalidState,
				Message: "Some payments failed to process",
				Data:    map[string]any{"failed_payments": failures},
			}}
		}

		processed := len(inst.Data.Payroll.PayrollRecords)
		info := &models.PaymentInfo{
			Method:           payment.Method,
			Reference:        payment.Reference,
			ProcessedBy:      actor.UserID,
			ProcessedAt:      w.now().UTC(),
			RecordsProcessed: processed,
		}
		err = w.engine.Advance(ctx, inst.ID, models.StageCompleted, "pay", actor, workflow.ActionData{
			Notes:  "Payroll processing completed successfully",
			Update: func(p *models.Payload) { p.Payroll.Payment = info },
		})
		if err != nil {
			return nil, err
		}
		return succeed("Payroll processing completed successfully", map[string]any{
			"instance_id":       inst.ID,
			"records_processed": processed,
			"total_amount_paid": inst.Data.Payroll.TotalNet,
		}), nil
	})
}

// RejectPayroll cancels a run and deletes its unpaid rows.
func (w *PayrollWorkflow) RejectPayroll(ctx context.Context, period Period, reason string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "reject payroll", func(ctx context.Context) (*Result, error) {
		inst, err := w.active(ctx, period.ReferenceID())
		if err != nil {
			return nil, err
		}
		if err := w.store.DeletePendingPayroll(ctx, inst.Data.Payroll.PayrollRecords); err != nil {
			return nil, err
		}
		if err := w.engine.Cancel(ctx, inst.ID, reason, actor); err != nil {
			return nil, err
		}
		return succeed("Payroll rejected", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Report summarizes the period's latest payroll run with its rows.
func (w *PayrollWorkflow) Report(ctx context.Context, period Period) (*Result, error) {
	inst, err := w.engine.Latest(ctx, w.workflowCode, w.referenceType, period.ReferenceID())
	if errors.Is(err, workflow.ErrNotFound) {
		return failed(workflow.CodeNotFound, "No payroll workflow found for this period"), nil
	}
	if err != nil {
		return nil, err
	}
	data := inst.Data.Payroll
	if data == nil {
		return nil, fmt.Errorf("payroll instance %s has no payroll section", inst.ID)
	}

	report := &PayrollReport{
		Period:       period,
		InstanceID:   inst.ID,
		Status:       inst.Status,
		CurrentStage: inst.CurrentStage,
		TotalStaff:   data.TotalStaff,
		TotalGross:   data.TotalGross,
		TotalNet:     data.TotalNet,
		Records:      []*models.PayrollRecord{},
		Verification: data.Verification,
		Approval:     data.Approval,
		Payment:      data.Payment,
	}
	for _, id := range data.PayrollRecords {
		rec, err := w.store.GetPayrollRecord(ctx, id)
		if notFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		report.Records = append(report.Records, rec)
	}
	return succeed("Payroll report generated successfully", report), nil
}

// Status returns the period's latest workflow and its history.
func (w *PayrollWorkflow) Status(ctx context.Context, period Period) (*Result, error) {
	return w.status(ctx, period.ReferenceID())
}
