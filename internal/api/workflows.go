// Package api contains the HTTP handlers of the workflow service
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"schoolerp/backend/internal/auth"
	"schoolerp/backend/internal/services"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Engine is the part of the workflow engine the generic instance endpoints use.
type Engine interface {
	GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error)
	ListInstances(ctx context.Context, filter models.InstanceFilter) ([]*models.WorkflowInstance, error)
	AvailableActions(ctx context.Context, instanceID string) ([]models.Action, error)
	Advance(ctx context.Context, instanceID, toStage, action string, actor models.Actor, data workflow.ActionData) error
	Cancel(ctx context.Context, instanceID, reason string, actor models.Actor) error
	Definitions() *workflow.DefinitionStore
}

// NotificationReader lists a user's notifications.
type NotificationReader interface {
	ListNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error)
}

// Programs are the approval programs served under their own routes. A nil
// program leaves its routes answering 404.
type Programs struct {
	Budget  *services.BudgetWorkflow
	Expense *services.ExpenseWorkflow
	Fee     *services.FeeWorkflow
	Payroll *services.PayrollWorkflow
}

// Server holds the dependencies for the API server.
type Server struct {
	engine        Engine
	notifications NotificationReader
	programs      Programs
	logger        Logger
}

// NewServer creates a new Server.
func NewServer(engine Engine, notifications NotificationReader, programs Programs, logger Logger) *Server {
	return &Server{engine: engine, notifications: notifications, programs: programs, logger: logger}
}

// ListInstancesParams are the query parameters of ListInstances.
type ListInstancesParams struct {
	WorkflowCode  *string `form:"workflow_code" json:"workflow_code,omitempty"`
	ReferenceType *string `form:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   *int64  `form:"reference_id" json:"reference_id,omitempty"`
	Status        *string `form:"status" json:"status,omitempty"`
}

// ListNotificationsParams are the query parameters of ListNotifications.
type ListNotificationsParams struct {
	Limit *int `form:"limit" json:"limit,omitempty"`
}

// AdvanceRequest moves an instance. ToStage may be omitted when the action
// names exactly one configured transition of the current stage.
type AdvanceRequest struct {
	ToStage string            `json:"to_stage,omitempty"`
	Action  string            `json:"action"`
	Notes   string            `json:"notes,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// CancelRequest cancels an instance or rejects an entity.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ListInstances returns instances matching the query, newest first
// (GET /api/v1/workflows/instances)
func (s *Server) ListInstances(c echo.Context, params ListInstancesParams) error {
	ctx := c.Request().Context()

	var filter models.InstanceFilter
	if params.WorkflowCode != nil {
		def, err := s.engine.Definitions().LoadDefinition(ctx, *params.WorkflowCode)
		if err != nil {
			return s.writeError(c, err)
		}
		filter.WorkflowID = def.ID
	}
	if params.ReferenceType != nil {
		filter.ReferenceType = *params.ReferenceType
	}
	if params.ReferenceID != nil {
		filter.ReferenceID = *params.ReferenceID
	}
	if params.Status != nil {
		filter.Status = models.InstanceStatus(*params.Status)
	}

	list, err := s.engine.ListInstances(ctx, filter)
	if err != nil {
		return s.writeError(c, err)
	}
	if list == nil {
		list = []*models.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, list)
}

// GetInstance returns one instance
// (GET /api/v1/workflows/instances/{instanceId})
func (s *Server) GetInstance(c echo.Context, instanceID string) error {
	inst, err := s.engine.GetInstance(c.Request().Context(), instanceID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// GetInstanceHistory returns an instance's history, most recent first
// (GET /api/v1/workflows/instances/{instanceId}/history)
func (s *Server) GetInstanceHistory(c echo.Context, instanceID string) error {
	history, err := s.engine.GetHistory(c.Request().Context(), instanceID)
	if err != nil {
		return s.writeError(c, err)
	}
	if history == nil {
		history = []*models.StageHistoryEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

// GetInstanceActions lists the transitions available from the current stage
// (GET /api/v1/workflows/instances/{instanceId}/actions)
func (s *Server) GetInstanceActions(c echo.Context, instanceID string) error {
	actions, err := s.engine.AvailableActions(c.Request().Context(), instanceID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, actions)
}

// AdvanceInstance moves an instance to another stage
// (POST /api/v1/workflows/instances/{instanceId}/advance)
func (s *Server) AdvanceInstance(c echo.Context, instanceID string) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Action == "" {
		return writeProblem(c, ProblemDetails{Status: http.StatusBadRequest, Detail: "action is required",
			Code: workflow.CodeInvalidInput})
	}

	ctx := c.Request().Context()
	if err := s.checkGeneric(ctx, instanceID); err != nil {
		return s.writeError(c, err)
	}
	if req.ToStage == "" {
		target, err := s.targetOf(ctx, instanceID, req.Action)
		if err != nil {
			return s.writeError(c, err)
		}
		req.ToStage = target
	}

	data := workflow.ActionData{Notes: req.Notes, Fields: req.Fields}
	if err := s.engine.Advance(ctx, instanceID, req.ToStage, req.Action, actor, data); err != nil {
		return s.writeError(c, err)
	}
	return s.GetInstance(c, instanceID)
}

// CancelInstance cancels a running instance
// (POST /api/v1/workflows/instances/{instanceId}/cancel)
func (s *Server) CancelInstance(c echo.Context, instanceID string) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()
	if err := s.checkGeneric(ctx, instanceID); err != nil {
		return s.writeError(c, err)
	}
	if err := s.engine.Cancel(ctx, instanceID, req.Reason, actor); err != nil {
		return s.writeError(c, err)
	}
	return s.GetInstance(c, instanceID)
}

// programRoute returns the routes of the program that drives workflowCode.
func (s *Server) programRoute(workflowCode string) (string, bool) {
	switch {
	case workflowCode == models.WorkflowBudgetApproval && s.programs.Budget != nil:
		return "/budgets/{id}", true
	case workflowCode == models.WorkflowExpenseApproval && s.programs.Expense != nil:
		return "/expenses/{id}", true
	case workflowCode == models.WorkflowFeeApproval && s.programs.Fee != nil:
		return "/fee-structures/{id}", true
	case workflowCode == models.WorkflowPayrollProcessing && s.programs.Payroll != nil:
		return "/payroll/{year}/{month}", true
	}
	return "", false
}

// checkGeneric refuses generic moves of instances owned by a program. The
// program keeps the entity in step with the instance.
func (s *Server) checkGeneric(ctx context.Context, instanceID string) error {
	inst, err := s.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if route, ok := s.programRoute(inst.WorkflowCode); ok {
		return fmt.Errorf("%s instances are moved through %s: %w", inst.WorkflowCode, route, workflow.ErrInvalidState)
	}
	return nil
}

// ListNotifications returns the caller's notifications, newest first
// (GET /api/v1/notifications)
func (s *Server) ListNotifications(c echo.Context, params ListNotificationsParams) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	limit := 50
	if params.Limit != nil {
		limit = *params.Limit
	}
	if limit < 1 || limit > 200 {
		return writeProblem(c, ProblemDetails{Status: http.StatusBadRequest,
			Detail: "limit must be between 1 and 200", Code: workflow.CodeInvalidInput})
	}
	list, err := s.notifications.ListNotifications(c.Request().Context(), actor.UserID, limit)
	if err != nil {
		return s.writeError(c, err)
	}
	if list == nil {
		list = []*models.Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

// targetOf resolves the stage an action leads to from the current stage.
func (s *Server) targetOf(ctx context.Context, instanceID, action string) (string, error) {
	actions, err := s.engine.AvailableActions(ctx, instanceID)
	if err != nil {
		return "", err
	}
	var targets []string
	for _, a := range actions {
		if a.Action == action {
			targets = append(targets, a.TargetStage)
		}
	}
	switch len(targets) {
	case 1:
		return targets[0], nil
	case 0:
		return "", fmt.Errorf("action %q is not available: %w", action, workflow.ErrIllegalTransition)
	default:
		return "", fmt.Errorf("action %q has %d targets, to_stage is required: %w",
			action, len(targets), workflow.ErrInvalidInput)
	}
}

func actorOf(c echo.Context) (models.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return actor, nil
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler *Server
}

func bindPath(c echo.Context, name string, dest any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

func bindInstanceID(c echo.Context) (string, error) {
	var instanceID string
	if err := bindPath(c, "instanceId", &instanceID); err != nil {
		return "", err
	}
	if _, err := uuid.Parse(instanceID); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter instanceId: not a UUID")
	}
	return instanceID, nil
}

func bindID(c echo.Context) (int64, error) {
	var id int64
	err := bindPath(c, "id", &id)
	return id, err
}

func bindPeriod(c echo.Context) (services.Period, error) {
	var p services.Period
	if err := bindPath(c, "year", &p.Year); err != nil {
		return p, err
	}
	err := bindPath(c, "month", &p.Month)
	return p, err
}

func bindQuery(c echo.Context, name string, dest any) error {
	if err := runtime.BindQueryParameter("form", true, false, name, c.QueryParams(), dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// ListInstances converts echo context to params.
func (w *ServerInterfaceWrapper) ListInstances(c echo.Context) error {
	var params ListInstancesParams
	for name, dest := range map[string]any{
		"workflow_code":  &params.WorkflowCode,
		"reference_type": &params.ReferenceType,
		"reference_id":   &params.ReferenceID,
		"status":         &params.Status,
	} {
		if err := bindQuery(c, name, dest); err != nil {
			return err
		}
	}
	return w.Handler.ListInstances(c, params)
}

// ListNotifications converts echo context to params.
func (w *ServerInterfaceWrapper) ListNotifications(c echo.Context) error {
	var params ListNotificationsParams
	if err := bindQuery(c, "limit", &params.Limit); err != nil {
		return err
	}
	return w.Handler.ListNotifications(c, params)
}

func (w *ServerInterfaceWrapper) instance(fn func(*Server, echo.Context, string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := bindInstanceID(c)
		if err != nil {
			return err
		}
		return fn(w.Handler, c, id)
	}
}

func (w *ServerInterfaceWrapper) entity(fn func(*Server, echo.Context, int64) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := bindID(c)
		if err != nil {
			return err
		}
		return fn(w.Handler, c, id)
	}
}

func (w *ServerInterfaceWrapper) period(fn func(*Server, echo.Context, services.Period) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := bindPeriod(c)
		if err != nil {
			return err
		}
		return fn(w.Handler, c, p)
	}
}

// EchoRouter is the routing surface of echo.Echo and echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the router.
func RegisterHandlers(router EchoRouter, si *Server) {
	w := &ServerInterfaceWrapper{Handler: si}

	router.GET("/workflows/instances", w.ListInstances)
	router.GET("/workflows/instances/:instanceId", w.instance((*Server).GetInstance))
	router.GET("/workflows/instances/:instanceId/history", w.instance((*Server).GetInstanceHistory))
	router.GET("/workflows/instances/:instanceId/actions", w.instance((*Server).GetInstanceActions))
	router.POST("/workflows/instances/:instanceId/advance", w.instance((*Server).AdvanceInstance))
	router.POST("/workflows/instances/:instanceId/cancel", w.instance((*Server).CancelInstance))
	router.GET("/notifications", w.ListNotifications)

	router.POST("/budgets/:id/submit", w.entity((*Server).SubmitBudget))
	router.POST("/budgets/:id/reviews/:stage", w.entity((*Server).ReviewBudget))
	router.POST("/budgets/:id/reject", w.entity((*Server).RejectBudget))
	router.GET("/budgets/:id/workflow", w.entity((*Server).GetBudgetWorkflow))

	router.POST("/expenses/:id/submit", w.entity((*Server).SubmitExpense))
	router.POST("/expenses/:id/reviews/:stage", w.entity((*Server).ReviewExpense))
	router.POST("/expenses/:id/pay", w.entity((*Server).PayExpense))
	router.POST("/expenses/:id/reject", w.entity((*Server).RejectExpense))
	router.GET("/expenses/:id/workflow", w.entity((*Server).GetExpenseWorkflow))

	router.POST("/fee-structures/:id/submit", w.entity((*Server).SubmitFeeStructure))
	router.POST("/fee-structures/:id/reviews/:stage", w.entity((*Server).ReviewFeeStructure))
	router.POST("/fee-structures/:id/activate", w.entity((*Server).ActivateFeeStructure))
	router.POST("/fee-structures/:id/reject", w.entity((*Server).RejectFeeStructure))
	router.GET("/fee-structures/:id/workflow", w.entity((*Server).GetFeeStructureWorkflow))

	router.POST("/payroll/:year/:month/initiate", w.period((*Server).InitiatePayroll))
	router.POST("/payroll/:year/:month/verify", w.period((*Server).VerifyPayroll))
	router.POST("/payroll/:year/:month/approve", w.period((*Server).ApprovePayroll))
	router.POST("/payroll/:year/:month/pay", w.period((*Server).PayPayroll))
	router.POST("/payroll/:year/:month/reject", w.period((*Server).RejectPayroll))
	router.GET("/payroll/:year/:month/report", w.period((*Server).GetPayrollReport))
	router.GET("/payroll/:year/:month/workflow", w.period((*Server).GetPayrollWorkflow))
}
