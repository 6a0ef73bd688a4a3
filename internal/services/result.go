package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"schoolerp/backend/internal/logging"
	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Result is the outcome of a business operation. Failed business rules are
// reported here; only infrastructure faults are returned as errors.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func succeed(message string, data any) *Result {
	return &Result{Success: true, Message: message, Data: data}
}

func failed(code, message string) *Result {
	return &Result{Code: code, Message: message}
}

// Review is an approve or reject decision on a stage.
type Review struct {
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// Review actions.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
)

func (r Review) valid() bool {
	return r.Action == ReviewApprove || r.Action == ReviewReject
}

// StatusReport is the latest instance of an entity's workflow with its history.
type StatusReport struct {
	Instance *models.WorkflowInstance   `json:"instance"`
	History  []*models.StageHistoryEntry `json:"history"`
}

// rollback aborts the operation's transaction and reports res to the caller.
type rollback struct {
	res *Result
}

func (r *rollback) Error() string { return r.res.Message }

func abort(code, message string) error {
	return &rollback{res: failed(code, message)}
}

// program holds what every approval program shares.
type program struct {
	engine        WorkflowEngine
	tx            repository.Transactor
	logger        workflow.Logger
	workflowCode  string
	referenceType string
	noun          string
}

func newProgram(engine WorkflowEngine, tx repository.Transactor, logger workflow.Logger,
	workflowCode, referenceType, noun string) program {
	if logger == nil {
		logger = logging.Discard()
	}
	return program{
		engine:        engine,
		tx:            tx,
		logger:        logger,
		workflowCode:  workflowCode,
		referenceType: referenceType,
		noun:          noun,
	}
}

// WorkflowCode is the code of the definition the program drives.
func (p *program) WorkflowCode() string { return p.workflowCode }

// run executes fn in one transaction. Engine sentinels and aborts become a
// failed Result; anything else is returned as an error.
func (p *program) run(ctx context.Context, op string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	var res *Result
	err := p.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err == nil {
		return res, nil
	}

	var rb *rollback
	if errors.As(err, &rb) {
		return rb.res, nil
	}
	code := workflow.ErrorCode(err)
	if code == workflow.CodeInternal {
		p.logger.Error("Workflow operation failed", "workflow", p.workflowCode, "operation", op, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if code == workflow.CodeConflict {
		return failed(code, fmt.Sprintf("Active approval workflow already exists for this %s", p.noun)), nil
	}
	return failed(code, err.Error()), nil
}

// active returns the running instance for the entity or aborts.
func (p *program) active(ctx context.Context, referenceID int64) (*models.WorkflowInstance, error) {
	inst, err := p.engine.FindActive(ctx, p.workflowCode, p.referenceType, referenceID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, abort(workflow.CodeNotFound, fmt.Sprintf("No active workflow found for this %s", p.noun))
	}
	return inst, err
}

// atStage returns the running instance if it is at one of the stages.
func (p *program) atStage(ctx context.Context, referenceID int64, stages ...string) (*models.WorkflowInstance, error) {
	inst, err := p.active(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		if inst.CurrentStage == s {
			return inst, nil
		}
	}
	return nil, abort(workflow.CodeInvalidState,
		fmt.Sprintf("Workflow not in %s stage (current stage: %s)", humanize(stages[0]), inst.CurrentStage))
}

// status reports the latest instance for the entity and its history.
func (p *program) status(ctx context.Context, referenceID int64) (*Result, error) {
	inst, err := p.engine.Latest(ctx, p.workflowCode, p.referenceType, referenceID)
	if errors.Is(err, workflow.ErrNotFound) {
		return failed(workflow.CodeNotFound, "No approval workflow found"), nil
	}
	if err != nil {
		return nil, err
	}
	history, err := p.engine.GetHistory(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return succeed("Workflow status retrieved", &StatusReport{Instance: inst, History: history}), nil
}

func (p *program) mirrorFailed(stage string, inst *models.WorkflowInstance, err error) error {
	return fmt.Errorf("mirror %s stage %q for %s %d: %w", p.noun, stage, p.referenceType, inst.ReferenceID, err)
}

func humanize(stage string) string {
	return strings.ReplaceAll(stage, "_", " ")
}

func notFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
