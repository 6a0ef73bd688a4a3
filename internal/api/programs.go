package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"schoolerp/backend/internal/services"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// NotesRequest carries optional notes for a submission or a stage action.
type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

// InitiatePayrollRequest selects the staff of a payroll run.
type InitiatePayrollRequest struct {
	models.StaffFilter
	Notes string `json:"notes,omitempty"`
}

type operation func(ctx context.Context, actor models.Actor) (*services.Result, error)

// perform runs an adapter operation for the authenticated actor.
func (s *Server) perform(c echo.Context, op operation) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	res, err := op(c.Request().Context(), actor)
	if err != nil {
		return s.writeError(c, err)
	}
	return writeResult(c, res)
}

func (s *Server) query(c echo.Context, fn func(ctx context.Context) (*services.Result, error)) error {
	res, err := fn(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return writeResult(c, res)
}

func bindBody(c echo.Context, dest any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

func unavailable(c echo.Context) error {
	return echo.NewHTTPError(http.StatusNotFound, "workflow not enabled: "+c.Path())
}

func badStage(c echo.Context, stage string) error {
	return writeProblem(c, ProblemDetails{Status: http.StatusNotFound,
		Detail: "unknown review stage: " + stage, Code: workflow.CodeNotFound})
}

// SubmitBudget (POST /api/v1/budgets/{id}/submit)
func (s *Server) SubmitBudget(c echo.Context, id int64) error {
	b := s.programs.Budget
	if b == nil {
		return unavailable(c)
	}
	var req NotesRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return b.SubmitForReview(ctx, id, req.Notes, actor)
	})
}

// ReviewBudget records a decision at the departmental, finance or director
// stage (POST /api/v1/budgets/{id}/reviews/{stage})
func (s *Server) ReviewBudget(c echo.Context, id int64) error {
	b := s.programs.Budget
	if b == nil {
		return unavailable(c)
	}
	var decide func(context.Context, int64, services.Review, models.Actor) (*services.Result, error)
	switch stage := c.Param("stage"); stage {
	case "departmental":
		decide = b.ApproveDepartmental
	case "finance":
		decide = b.ApproveFinance
	case "director":
		decide = b.ApproveDirector
	default:
		return badStage(c, stage)
	}
	var review services.Review
	if err := bindBody(c, &review); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return decide(ctx, id, review, actor)
	})
}

// RejectBudget returns a budget to draft (POST /api/v1/budgets/{id}/reject)
func (s *Server) RejectBudget(c echo.Context, id int64) error {
	b := s.programs.Budget
	if b == nil {
		return unavailable(c)
	}
	var req CancelRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return b.Reject(ctx, id, req.Reason, actor)
	})
}

// GetBudgetWorkflow (GET /api/v1/budgets/{id}/workflow)
func (s *Server) GetBudgetWorkflow(c echo.Context, id int64) error {
	b := s.programs.Budget
	if b == nil {
		return unavailable(c)
	}
	return s.query(c, func(ctx context.Context) (*services.Result, error) {
		return b.Status(ctx, id)
	})
}

// SubmitExpense (POST /api/v1/expenses/{id}/submit)
func (s *Server) SubmitExpense(c echo.Context, id int64) error {
	e := s.programs.Expense
	if e == nil {
		return unavailable(c)
	}
	var req NotesRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return e.SubmitForApproval(ctx, id, req.Notes, actor)
	})
}

// ReviewExpense (POST /api/v1/expenses/{id}/reviews/{stage})
func (s *Server) ReviewExpense(c echo.Context, id int64) error {
	e := s.programs.Expense
	if e == nil {
		return unavailable(c)
	}
	var decide func(context.Context, int64, services.Review, models.Actor) (*services.Result, error)
	switch stage := c.Param("stage"); stage {
	case "validation":
		decide = e.Validate
	case "approval":
		decide = e.Approve
	default:
		return badStage(c, stage)
	}
	var review services.Review
	if err := bindBody(c, &review); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return decide(ctx, id, review, actor)
	})
}

// PayExpense (POST /api/v1/expenses/{id}/pay)
func (s *Server) PayExpense(c echo.Context, id int64) error {
	e := s.programs.Expense
	if e == nil {
		return unavailable(c)
	}
	var payment services.Payment
	if err := bindBody(c, &payment); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return e.ProcessPayment(ctx, id, payment, actor)
	})
}

// RejectExpense (POST /api/v1/expenses/{id}/reject)
func (s *Server) RejectExpense(c echo.Context, id int64) error {
	e := s.programs.Expense
	if e == nil {
		return unavailable(c)
	}
	var req CancelRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return e.Reject(ctx, id, req.Reason, actor)
	})
}

// GetExpenseWorkflow (GET /api/v1/expenses/{id}/workflow)
func (s *Server) GetExpenseWorkflow(c echo.Context, id int64) error {
	e := s.programs.Expense
	if e == nil {
		return unavailable(c)
	}
	return s.query(c, func(ctx context.Context) (*services.Result, error) {
		return e.Status(ctx, id)
	})
}

// SubmitFeeStructure (POST /api/v1/fee-structures/{id}/submit)
func (s *Server) SubmitFeeStructure(c echo.Context, id int64) error {
	f := s.programs.Fee
	if f == nil {
		return unavailable(c)
	}
	var req NotesRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return f.SubmitForApproval(ctx, id, req.Notes, actor)
	})
}

// ReviewFeeStructure (POST /api/v1/fee-structures/{id}/reviews/{stage})
func (s *Server) ReviewFeeStructure(c echo.Context, id int64) error {
	f := s.programs.Fee
	if f == nil {
		return unavailable(c)
	}
	var decide func(context.Context, int64, services.Review, models.Actor) (*services.Result, error)
	switch stage := c.Param("stage"); stage {
	case "review":
		decide = f.Review
	case "approval":
		decide = f.Approve
	default:
		return badStage(c, stage)
	}
	var review services.Review
	if err := bindBody(c, &review); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return decide(ctx, id, review, actor)
	})
}

// ActivateFeeStructure (POST /api/v1/fee-structures/{id}/activate)
func (s *Server) ActivateFeeStructure(c echo.Context, id int64) error {
	f := s.programs.Fee
	if f == nil {
		return unavailable(c)
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return f.Activate(ctx, id, actor)
	})
}

// RejectFeeStructure (POST /api/v1/fee-structures/{id}/reject)
func (s *Server) RejectFeeStructure(c echo.Context, id int64) error {
	f := s.programs.Fee
	if f == nil {
		return unavailable(c)
	}
	var req CancelRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return f.Reject(ctx, id, req.Reason, actor)
	})
}

// GetFeeStructureWorkflow (GET /api/v1/fee-structures/{id}/workflow)
func (s *Server) GetFeeStructureWorkflow(c echo.Context, id int64) error {
	f := s.programs.Fee
	if f == nil {
		return unavailable(c)
	}
	return s.query(c, func(ctx context.Context) (*services.Result, error) {
		return f.Status(ctx, id)
	})
}

// InitiatePayroll (POST /api/v1/payroll/{year}/{month}/initiate)
func (s *Server) InitiatePayroll(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	var req InitiatePayrollRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return p.InitiatePayroll(ctx, period, req.StaffFilter, req.Notes, actor)
	})
}

// VerifyPayroll (POST /api/v1/payroll/{year}/{month}/verify)
func (s *Server) VerifyPayroll(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	var req NotesRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return p.VerifyPayroll(ctx, period, req.Notes, actor)
	})
}

// ApprovePayroll (POST /api/v1/payroll/{year}/{month}/approve)
func (s *Server) ApprovePayroll(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	var req NotesRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return p.ApprovePayroll(ctx, period, req.Notes, actor)
	})
}

// PayPayroll (POST /api/v1/payroll/{year}/{month}/pay)
func (s *Server) PayPayroll(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	var payment services.Payment
	if err := bindBody(c, &payment); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return p.ProcessPayment(ctx, period, payment, actor)
	})
}

// RejectPayroll (POST /api/v1/payroll/{year}/{month}/reject)
func (s *Server) RejectPayroll(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	var req CancelRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return s.perform(c, func(ctx context.Context, actor models.Actor) (*services.Result, error) {
		return p.RejectPayroll(ctx, period, req.Reason, actor)
	})
}

// GetPayrollReport (GET /api/v1/payroll/{year}/{month}/report)
func (s *Server) GetPayrollReport(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	return s.query(c, func(ctx context.Context) (*services.Result, error) {
		return p.Report(ctx, period)
	})
}

// GetPayrollWorkflow (GET /api/v1/payroll/{year}/{month}/workflow)
func (s *Server) GetPayrollWorkflow(c echo.Context, period services.Period) error {
	p := s.programs.Payroll
	if p == nil {
		return unavailable(c)
	}
	return s.query(c, func(ctx context.Context) (*services.Result, error) {
		return p.Status(ctx, period)
	})
}
