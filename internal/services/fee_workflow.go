package services

import (
	"context"
	"time"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/workflow"
	"schoolerp/backend/pkg/models"
)

// Fee structure workflow stages.
const (
	FeeStageDraft      = "draft"
	FeeStageReview     = "review"
	FeeStageApproval   = "approval"
	FeeStageActivation = "activation"
)

var feeTransitions = workflow.TransitionTable{
	FeeStageDraft:      {FeeStageReview},
	FeeStageReview:     {FeeStageApproval, models.StageRejected},
	FeeStageApproval:   {FeeStageActivation, models.StageRejected},
	FeeStageActivation: {models.StageCompleted},
}

var feeStatusByStage = map[string]string{
	FeeStageReview:        "pending_approval",
	FeeStageActivation:    "active",
	models.StageRejected:  "rejected",
	models.StageCancelled: "draft",
}

// FeeWorkflow runs fee structure approval: finance review then director
// approval, which activates the structure.
type FeeWorkflow struct {
	program
	store FeeStore
	now   func() time.Time
}

// NewFeeWorkflow creates a FeeWorkflow.
func NewFeeWorkflow(engine WorkflowEngine, tx repository.Transactor, store FeeStore, logger workflow.Logger) *FeeWorkflow {
	return &FeeWorkflow{
		program: newProgram(engine, tx, logger, models.WorkflowFeeApproval, "fee_structure", "fee structure"),
		store:   store,
		now:     time.Now,
	}
}

// IsTransitionAllowed implements workflow.DomainPolicy.
func (w *FeeWorkflow) IsTransitionAllowed(from, to string) bool {
	return feeTransitions.Allows(from, to)
}

// OnStageEntered mirrors the stage into the fee structure's status column.
func (w *FeeWorkflow) OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error {
	status, ok := feeStatusByStage[stage.Code]
	if !ok {
		return nil
	}
	if err := w.store.SetFeeStructureStatus(ctx, inst.ReferenceID, status); err != nil {
		return w.mirrorFailed(stage.Code, inst, err)
	}
	return nil
}

// SubmitForApproval starts approval of a fee structure.
func (w *FeeWorkflow) SubmitForApproval(ctx context.Context, feeStructureID int64, notes string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "submit fee structure", func(ctx context.Context) (*Result, error) {
		fee, err := w.store.GetFeeStructure(ctx, feeStructureID)
		if notFound(err) {
			return nil, abort(workflow.CodeNotFound, "Fee structure not found")
		}
		if err != nil {
			return nil, err
		}

		payload := models.Payload{
			Kind: models.WorkflowFeeApproval,
			Fee: &models.FeeData{
				FeeStructureID: fee.ID,
				Name:           fee.Name,
				Amount:         fee.Amount,
				AcademicYear:   fee.AcademicYear,
				InitiatedBy:    actor.UserID,
				InitiatedAt:    w.now().UTC(),
			},
		}
		instanceID, err := w.engine.Start(ctx, w.workflowCode, w.referenceType, feeStructureID, payload, actor)
		if err != nil {
			return nil, err
		}
		if err := w.engine.Advance(ctx, instanceID, FeeStageReview, "submit", actor,
			workflow.ActionData{Notes: notes}); err != nil {
			return nil, err
		}
		if err := w.store.SetFeeStructureStatus(ctx, feeStructureID, "pending_approval"); err != nil {
			return nil, err
		}

		return succeed("Fee approval workflow initiated successfully", map[string]any{
			"instance_id":   instanceID,
			"current_stage": FeeStageReview,
		}), nil
	})
}

// Review records the finance team's decision.
func (w *FeeWorkflow) Review(ctx context.Context, feeStructureID int64, review Review, actor models.Actor) (*Result, error) {
	if !review.valid() {
		return failed(workflow.CodeInvalidInput, `Invalid action. Use "approve" or "reject"`), nil
	}
	return w.run(ctx, "review fee structure", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, feeStructureID, FeeStageReview)
		if err != nil {
			return nil, err
		}
		if review.Action == ReviewReject {
			return w.rejectAt(ctx, inst, review.Notes, actor, "Fee structure rejected")
		}
		if err := w.engine.Advance(ctx, inst.ID, FeeStageApproval, ReviewApprove, actor,
			workflow.ActionData{Notes: review.Notes}); err != nil {
			return nil, err
		}
		return succeed("Fee structure approved by finance team", map[string]any{
			"instance_id":   inst.ID,
			"current_stage": FeeStageApproval,
		}), nil
	})
}

// Approve records the director's decision. Approval activates the fee
// structure and completes the workflow in one step.
func (w *FeeWorkflow) Approve(ctx context.Context, feeStructureID int64, review Review, actor models.Actor) (*Result, error) {
	if !review.valid() {
		return failed(workflow.CodeInvalidInput, `Invalid action. Use "approve" or "reject"`), nil
	}
	return w.run(ctx, "approve fee structure", func(ctx context.Context) (*Result, error) {
		inst, err := w.atStage(ctx, feeStructureID, FeeStageApproval)
		if err != nil {
			return nil, err
		}
		if review.Action == ReviewReject {
			return w.rejectAt(ctx, inst, review.Notes, actor, "Fee structure rejected by director")
		}

		data := workflow.ActionData{Notes: review.Notes}
		if err := w.engine.Advance(ctx, inst.ID, FeeStageActivation, ReviewApprove, actor, data); err != nil {
			return nil, err
		}
		if err := w.store.ActivateFeeStructure(ctx, feeStructureID, actor.UserID); err != nil {
			return nil, err
		}
		if err := w.engine.Advance(ctx, inst.ID, models.StageCompleted, "activate", actor, workflow.ActionData{}); err != nil {
			return nil, err
		}
		return succeed("Fee structure approved and activated", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Reject withdraws a fee structure from approval and returns it to draft.
func (w *FeeWorkflow) Reject(ctx context.Context, feeStructureID int64, remarks string, actor models.Actor) (*Result, error) {
	return w.run(ctx, "reject fee structure", func(ctx context.Context) (*Result, error) {
		inst, err := w.active(ctx, feeStructureID)
		if err != nil {
			return nil, err
		}
		if err := w.engine.Cancel(ctx, inst.ID, remarks, actor); err != nil {
			return nil, err
		}
		if err := w.store.SetFeeStructureStatus(ctx, feeStructureID, "draft"); err != nil {
			return nil, err
		}
		return succeed("Fee structure rejected", map[string]any{"instance_id": inst.ID}), nil
	})
}

// Activate activates an approved fee structure outside the workflow.
func (w *FeeWorkflow) Activate(ctx context.Context, feeStructureID int64, actor models.Actor) (*Result, error) {
	return w.run(ctx, "activate fee structure", func(ctx context.Context) (*Result, error) {
		fee, err := w.store.GetFeeStructure(ctx, feeStructureID)
		if notFound(err) {
			return nil, abort(workflow.CodeNotFound, "Fee structure not found")
		}
		if err != nil {
			return nil, err
		}
		if fee.Status != "approved" {
			return nil, abort(workflow.CodeInvalidState, "Only approved fee structures can be activated")
		}
		if err := w.store.ActivateFeeStructure(ctx, feeStructureID, actor.UserID); err != nil {
			return nil, err
		}
		return succeed("Fee structure activated", map[string]any{"fee_structure_id": feeStructureID}), nil
	})
}

// Status returns the fee structure's latest workflow and its history.
func (w *FeeWorkflow) Status(ctx context.Context, feeStructureID int64) (*Result, error) {
	return w.status(ctx, feeStructureID)
}

func (w *FeeWorkflow) rejectAt(ctx context.Context, inst *models.WorkflowInstance, notes string,
	actor models.Actor, message string) (*Result, error) {
	if err := w.engine.Advance(ctx, inst.ID, models.StageRejected, ReviewReject, actor,
		workflow.ActionData{Notes: notes}); err != nil {
		return nil, err
	}
	if err := w.store.SetFeeStructureStatus(ctx, inst.ReferenceID, "rejected"); err != nil {
		return nil, err
	}
	return succeed(message, map[string]any{"instance_id": inst.ID}), nil
}
