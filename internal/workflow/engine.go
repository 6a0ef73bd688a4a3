// Package workflow implements the multi-stage approval engine shared by the
// budget, expense, fee and payroll programs.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/telemetry"
	"schoolerp/backend/pkg/models"
)

// ActionData is what a caller supplies with an advance.
type ActionData struct {
	Notes  string
	Fields map[string]string
	// Update, if set, modifies the payload under the instance lock.
	Update func(p *models.Payload)
}

// Engine drives workflow instances through their stages.
type Engine struct {
	tx       repository.Transactor
	store    repository.WorkflowStore
	defs     *DefinitionStore
	policies *PolicySet
	actions  *ActionExecutor
	notifier *Dispatcher
	logger   Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
	newID    func() string

	cache      *DefinitionCache
	procedures *ProcedureRegistry
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPolicies sets the domain policies.
func WithPolicies(p *PolicySet) Option {
	return func(e *Engine) { e.policies = p }
}

// WithProcedures sets the procedure registry used for stage actions.
func WithProcedures(r *ProcedureRegistry) Option {
	return func(e *Engine) { e.procedures = r }
}

// WithDefinitionCache caches definitions and stages.
func WithDefinitionCache(c *DefinitionCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithIDGenerator sets how instance IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an Engine over the store.
func New(tx repository.Transactor, store repository.WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		tx:     tx,
		store:  store,
		logger: nopLogger{},
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policies == nil {
		e.policies = NewPolicySet()
	}
	if e.procedures == nil {
		e.procedures = NewProcedureRegistry()
	}
	e.defs = NewDefinitionStore(store, e.cache)
	e.actions = NewActionExecutor(tx, e.procedures, e.logger, e.metrics)
	e.notifier = NewDispatcher(tx, store, e.logger, e.metrics)
	e.notifier.now = e.now
	return e
}

// Policies returns the policy set so domains can register themselves.
func (e *Engine) Policies() *PolicySet { return e.policies }

// Procedures returns the registry stage procedures are resolved from.
func (e *Engine) Procedures() *ProcedureRegistry { return e.procedures }

// Definitions returns the definition store.
func (e *Engine) Definitions() *DefinitionStore { return e.defs }

// Notifier returns the notification dispatcher.
func (e *Engine) Notifier() *Dispatcher { return e.notifier }

// Start creates an instance of the workflow for an entity and enters its
// first stage. It fails with ErrConflict if the entity already has a running
// instance of the workflow.
func (e *Engine) Start(ctx context.Context, workflowCode, referenceType string, referenceID int64,
	payload models.Payload, actor models.Actor) (string, error) {
	ctx, span := e.metrics.StartSpan(ctx, "workflow.start", attribute.String("workflow", workflowCode))
	defer span.End()

	if referenceType == "" {
		return "", fmt.Errorf("reference type is required: %w", ErrInvalidInput)
	}
	if payload.Version == 0 {
		payload.Version = models.PayloadVersion
	}
	if payload.Kind == "" {
		payload.Kind = workflowCode
	}
	if payload.Kind != workflowCode {
		return "", fmt.Errorf("payload kind %q for workflow %q: %w", payload.Kind, workflowCode, ErrInvalidInput)
	}
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var inst *models.WorkflowInstance
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		def, err := e.defs.LoadDefinition(ctx, workflowCode)
		if err != nil {
			return err
		}

		_, err = e.store.FindActiveInstance(ctx, def.ID, referenceType, referenceID)
		switch {
		case err == nil:
			return fmt.Errorf("%s %d already has an active %s workflow: %w", referenceType, referenceID, workflowCode, ErrConflict)
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("check active instance: %w", err)
		}

		first, err := e.defs.FirstStage(ctx, def.ID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		inst = &models.WorkflowInstance{
			ID:            e.newID(),
			WorkflowID:    def.ID,
			WorkflowCode:  def.Code,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			CurrentStage:  first.Code,
			Status:        models.StatusInProgress,
			StartedBy:     actor.UserID,
			StartedAt:     now,
			UpdatedAt:     now,
			Data:          payload,
		}
		if err := e.store.CreateInstance(ctx, inst); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return fmt.Errorf("%s %d already has an active %s workflow: %w", referenceType, referenceID, workflowCode, ErrConflict)
			}
			return fmt.Errorf("create instance: %w", err)
		}
		if err := e.appendHistory(ctx, def, &models.StageHistoryEntry{
			InstanceID:  inst.ID,
			StageCode:   first.Code,
			ActionTaken: models.HistoryEntered,
			ProcessedBy: actor.UserID,
			EnteredAt:   now,
			Notes:       "Workflow started",
		}); err != nil {
			return err
		}

		e.enterStage(ctx, def, inst, first)
		if actor.UserID != 0 {
			e.notifier.NotifyUser(ctx, inst.ID, actor.UserID, "Workflow started",
				fmt.Sprintf("%s has been started", def.Name), models.NotificationStarted)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("Workflow started", "instance_id", inst.ID, "workflow", workflowCode,
		"reference_type", referenceType, "reference_id", referenceID, "stage", inst.CurrentStage)
	return inst.ID, nil
}

// Advance moves a running instance to toStage via the named action. Moving
// to completed finishes the instance, moving to rejected or cancelled
// cancels it.
func (e *Engine) Advance(ctx context.Context, instanceID, toStage, action string, actor models.Actor, data ActionData) error {
	ctx, span := e.metrics.StartSpan(ctx, "workflow.advance",
		attribute.String("instance_id", instanceID), attribute.String("to_stage", toStage))
	defer span.End()

	if toStage == "" {
		return fmt.Errorf("target stage is required: %w", ErrInvalidInput)
	}

	var from string
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, def, err := e.lockRunning(ctx, instanceID)
		if err != nil {
			return err
		}

		policy, err := e.policyFor(ctx, def)
		if err != nil {
			return err
		}
		from = inst.CurrentStage
		if !policy.IsTransitionAllowed(from, toStage) {
			return fmt.Errorf("%s cannot move from %q to %q: %w", def.Code, from, toStage, ErrIllegalTransition)
		}

		now := e.now().UTC()
		inst.CurrentStage = toStage
		inst.UpdatedAt = now
		inst.Data.Annotate(models.Annotation{
			Stage:  toStage,
			Action: action,
			By:     actor.UserID,
			At:     now,
			Notes:  data.Notes,
			Fields: data.Fields,
		})
		if data.Update != nil {
			data.Update(&inst.Data)
			if err := inst.Data.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
		}
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if err := e.appendHistory(ctx, def, &models.StageHistoryEntry{
			InstanceID:  inst.ID,
			StageCode:   toStage,
			FromStage:   from,
			Action:      action,
			ActionTaken: models.HistoryTransitioned,
			ProcessedBy: actor.UserID,
			EnteredAt:   now,
			Notes:       data.Notes,
		}); err != nil {
			return err
		}

		switch toStage {
		case models.StageCompleted:
			return e.complete(ctx, def, inst, models.Completion{
				Outcome: action,
				Notes:   data.Notes,
				Fields:  data.Fields,
			}, actor)
		case models.StageRejected, models.StageCancelled:
			reason := data.Notes
			if reason == "" {
				reason = action
			}
			return e.cancel(ctx, def, inst, toStage, reason, actor)
		}

		stage, err := e.defs.Stage(ctx, def.ID, toStage)
		if errors.Is(err, ErrNotFound) {
			e.logger.Debug("Target stage is not configured, skipping stage actions",
				"instance_id", inst.ID, "stage", toStage)
			return nil
		}
		if err != nil {
			return err
		}
		e.enterStage(ctx, def, inst, stage)
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("Workflow advanced", "instance_id", instanceID, "from", from, "to", toStage, "action", action)
	return nil
}

// Annotate records data against the current stage of a running instance
// without moving it. No history entry is written.
func (e *Engine) Annotate(ctx context.Context, instanceID, action string, actor models.Actor, data ActionData) error {
	return e.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, _, err := e.lockRunning(ctx, instanceID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		inst.UpdatedAt = now
		inst.Data.Annotate(models.Annotation{
			Stage:  inst.CurrentStage,
			Action: action,
			By:     actor.UserID,
			At:     now,
			Notes:  data.Notes,
			Fields: data.Fields,
		})
		if data.Update != nil {
			data.Update(&inst.Data)
			if err := inst.Data.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
		}
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		return nil
	})
}

// Complete finishes a running instance and merges the completion into its payload.
func (e *Engine) Complete(ctx context.Context, instanceID string, completion models.Completion, actor models.Actor) error {
	ctx, span := e.metrics.StartSpan(ctx, "workflow.complete", attribute.String("instance_id", instanceID))
	defer span.End()

	return e.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, def, err := e.lockRunning(ctx, instanceID)
		if err != nil {
			return err
		}
		return e.complete(ctx, def, inst, completion, actor)
	})
}

// Cancel stops a running instance and records the reason.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string, actor models.Actor) error {
	ctx, span := e.metrics.StartSpan(ctx, "workflow.cancel", attribute.String("instance_id", instanceID))
	defer span.End()

	return e.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, def, err := e.lockRunning(ctx, instanceID)
		if err != nil {
			return err
		}
		return e.cancel(ctx, def, inst, models.StageCancelled, reason, actor)
	})
}

// GetInstance returns an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// GetHistory returns an instance's history, most recent first.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	history, err := e.store.ListHistory(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return history, nil
}

// ListInstances returns instances matching the filter, newest first.
func (e *Engine) ListInstances(ctx context.Context, filter models.InstanceFilter) ([]*models.WorkflowInstance, error) {
	list, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return list, nil
}

// FindActive returns the running instance of the workflow for an entity.
func (e *Engine) FindActive(ctx context.Context, workflowCode, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	def, err := e.defs.LoadDefinition(ctx, workflowCode)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.FindActiveInstance(ctx, def.ID, referenceType, referenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("no active %s workflow for %s %d: %w", workflowCode, referenceType, referenceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active instance: %w", err)
	}
	return inst, nil
}

// Latest returns the most recently started instance of the workflow for an
// entity, in any status.
func (e *Engine) Latest(ctx context.Context, workflowCode, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	def, err := e.defs.LoadDefinition(ctx, workflowCode)
	if err != nil {
		return nil, err
	}
	inst, err := e.store.LatestInstance(ctx, def.ID, referenceType, referenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("no %s workflow for %s %d: %w", workflowCode, referenceType, referenceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest instance: %w", err)
	}
	return inst, nil
}

// AvailableActions lists the transitions configured on the instance's
// current stage. It is empty for finished instances and unknown stages.
func (e *Engine) AvailableActions(ctx context.Context, instanceID string) ([]models.Action, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	actions := []models.Action{}
	if inst.Status != models.StatusInProgress {
		return actions, nil
	}
	stage, err := e.defs.Stage(ctx, inst.WorkflowID, inst.CurrentStage)
	if errors.Is(err, ErrNotFound) {
		return actions, nil
	}
	if err != nil {
		return nil, err
	}
	for _, tr := range stage.AllowedTransitions {
		label := tr.Label
		if label == "" {
			label = tr.Action
		}
		actions = append(actions, models.Action{
			Action:       tr.Action,
			TargetStage:  tr.Target,
			Label:        label,
			RequiresData: tr.RequiresData,
		})
	}
	return actions, nil
}

func (e *Engine) lockRunning(ctx context.Context, instanceID string) (*models.WorkflowInstance, *models.WorkflowDefinition, error) {
	inst, err := e.store.LockInstance(ctx, instanceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock instance: %w", err)
	}
	if inst.Status != models.StatusInProgress {
		return nil, nil, fmt.Errorf("workflow instance %s is %s: %w", instanceID, inst.Status, ErrInvalidState)
	}
	def, err := e.store.GetDefinition(ctx, inst.WorkflowID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("definition %d of instance %s: %w", inst.WorkflowID, instanceID, ErrConfiguration)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get definition: %w", err)
	}
	return inst, def, nil
}

func (e *Engine) policyFor(ctx context.Context, def *models.WorkflowDefinition) (DomainPolicy, error) {
	if p, ok := e.policies.Lookup(def.Code); ok {
		return p, nil
	}
	stages, err := e.defs.Stages(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	return NewConfiguredPolicy(stages), nil
}

func (e *Engine) complete(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance,
	completion models.Completion, actor models.Actor) error {
	now := e.now().UTC()
	if completion.Outcome == "" {
		completion.Outcome = string(models.StatusCompleted)
	}
	completion.CompletedBy = actor.UserID
	completion.CompletedAt = now

	inst.Status = models.StatusCompleted
	inst.CompletedAt = &now
	inst.UpdatedAt = now
	inst.Data.Completion = &completion
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if err := e.appendHistory(ctx, def, &models.StageHistoryEntry{
		InstanceID:  inst.ID,
		StageCode:   models.StageCompleted,
		FromStage:   inst.CurrentStage,
		ActionTaken: models.HistoryCompleted,
		ProcessedBy: actor.UserID,
		EnteredAt:   now,
		Notes:       "Workflow completed successfully",
	}); err != nil {
		return err
	}

	if policy, ok := e.policies.Lookup(def.Code); ok {
		e.runHook(ctx, policy, &models.WorkflowStage{WorkflowID: def.ID, Code: models.StageCompleted}, inst)
	}
	if inst.StartedBy != 0 {
		e.notifier.NotifyUser(ctx, inst.ID, inst.StartedBy, "Workflow Completed",
			"The workflow has been completed successfully", models.NotificationStageComplete)
	}
	e.logger.Info("Workflow completed", "instance_id", inst.ID, "workflow", def.Code)
	return nil
}

// cancel ends a running instance. terminal is the pseudo-stage reported to the
// domain policy: rejected or cancelled.
func (e *Engine) cancel(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance,
	terminal, reason string, actor models.Actor) error {
	now := e.now().UTC()
	inst.Status = models.StatusCancelled
	inst.CompletedAt = &now
	inst.UpdatedAt = now
	inst.Data.CancellationReason = reason
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if err := e.appendHistory(ctx, def, &models.StageHistoryEntry{
		InstanceID:  inst.ID,
		StageCode:   models.StageCancelled,
		FromStage:   inst.CurrentStage,
		ActionTaken: models.HistoryCancelled,
		ProcessedBy: actor.UserID,
		EnteredAt:   now,
		Notes:       "Cancelled: " + reason,
	}); err != nil {
		return err
	}

	if policy, ok := e.policies.Lookup(def.Code); ok {
		e.runHook(ctx, policy, &models.WorkflowStage{WorkflowID: def.ID, Code: terminal}, inst)
	}
	if inst.StartedBy != 0 {
		e.notifier.NotifyUser(ctx, inst.ID, inst.StartedBy, "Workflow Cancelled",
			fmt.Sprintf("The workflow was cancelled: %s", reason), models.NotificationCancelled)
	}
	e.logger.Info("Workflow cancelled", "instance_id", inst.ID, "workflow", def.Code, "reason", reason)
	return nil
}

func (e *Engine) appendHistory(ctx context.Context, def *models.WorkflowDefinition, entry *models.StageHistoryEntry) error {
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	e.metrics.RecordTransition(ctx, def.Code, string(entry.ActionTaken))
	return nil
}

// enterStage runs everything that happens when an instance arrives at a
// configured stage. None of it can fail the transition.
func (e *Engine) enterStage(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance, stage *models.WorkflowStage) {
	if policy, ok := e.policies.Lookup(def.Code); ok {
		e.runHook(ctx, policy, stage, inst)
	}
	e.actions.Execute(ctx, inst, stage)
	e.notifier.NotifyStage(ctx, def, inst, stage, models.NotificationStageEntry)
}

func (e *Engine) runHook(ctx context.Context, policy DomainPolicy, stage *models.WorkflowStage, inst *models.WorkflowInstance) {
	err := e.tx.Savepoint(ctx, func(ctx context.Context) error {
		return policy.OnStageEntered(ctx, stage, inst)
	})
	if err != nil {
		e.logger.Warn("Stage entry hook failed", "instance_id", inst.ID, "stage", stage.Code, "error", err)
		e.metrics.RecordSideEffectFailure(ctx, "hook")
	}
}
