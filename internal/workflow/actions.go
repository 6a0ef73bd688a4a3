package workflow

import (
	"context"
	"errors"
	"sync"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/telemetry"
	"schoolerp/backend/pkg/models"
)

// Procedure is a named side effect run when an instance enters a stage.
type Procedure func(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) error

// ProcedureRegistry resolves the procedure names listed in a stage's action config.
type ProcedureRegistry struct {
	mu    sync.RWMutex
	procs map[string]Procedure
}

// NewProcedureRegistry creates an empty registry.
func NewProcedureRegistry() *ProcedureRegistry {
	return &ProcedureRegistry{procs: map[string]Procedure{}}
}

// Register binds a procedure to a name, replacing any previous binding.
func (r *ProcedureRegistry) Register(name string, p Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

// Lookup returns the procedure bound to name or an *ActionError wrapping
// ErrProcedureNotRegistered.
func (r *ProcedureRegistry) Lookup(name string) (Procedure, error) {
	if r != nil {
		r.mu.RLock()
		p, ok := r.procs[name]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}
	}
	return nil, &ActionError{Kind: "procedure", Name: name, Err: ErrProcedureNotRegistered}
}

// ActionOutcome reports how one declared side effect went.
type ActionOutcome struct {
	Kind string
	Name string
	Err  error
}

// OK reports whether the side effect succeeded.
func (o ActionOutcome) OK() bool { return o.Err == nil }

// ActionExecutor runs the side effects declared on a stage.
type ActionExecutor struct {
	tx       repository.Transactor
	registry *ProcedureRegistry
	logger   Logger
	metrics  *telemetry.Metrics
}

// NewActionExecutor creates an ActionExecutor. registry may be nil, in which
// case every declared procedure is reported as not registered.
func NewActionExecutor(tx repository.Transactor, registry *ProcedureRegistry, logger Logger, metrics *telemetry.Metrics) *ActionExecutor {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ActionExecutor{tx: tx, registry: registry, logger: logger, metrics: metrics}
}

// Execute runs the stage's procedures in order, each in its own savepoint,
// and records its triggers and events. Failures never abort the caller.
func (x *ActionExecutor) Execute(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) []ActionOutcome {
	cfg := stage.ActionConfig
	if cfg.Empty() {
		return nil
	}

	outcomes := make([]ActionOutcome, 0, len(cfg.Procedures)+len(cfg.Triggers)+len(cfg.Events))
	for _, name := range cfg.Procedures {
		outcome := ActionOutcome{Kind: "procedure", Name: name}
		proc, err := x.registry.Lookup(name)
		if err == nil {
			err = x.tx.Savepoint(ctx, func(ctx context.Context) error {
				return proc(ctx, inst, stage)
			})
			if err != nil {
				err = &ActionError{Kind: "procedure", Name: name, Err: err}
			}
		}
		if err != nil {
			var ae *ActionError
			if errors.As(err, &ae) {
				ae.Stage = stage.Code
			}
			outcome.Err = err
			x.logger.Error("Stage procedure failed", "instance_id", inst.ID, "stage", stage.Code, "procedure", name, "error", err)
			x.metrics.RecordSideEffectFailure(ctx, "procedure")
		} else {
			x.logger.Info("Stage procedure executed", "instance_id", inst.ID, "stage", stage.Code, "procedure", name)
		}
		outcomes = append(outcomes, outcome)
	}

	if len(cfg.Triggers) > 0 {
		x.logger.Info("Triggers fired", "instance_id", inst.ID, "stage", stage.Code, "triggers", cfg.Triggers)
		for _, name := range cfg.Triggers {
			outcomes = append(outcomes, ActionOutcome{Kind: "trigger", Name: name})
		}
	}
	if len(cfg.Events) > 0 {
		x.logger.Info("Events scheduled", "instance_id", inst.ID, "stage", stage.Code, "events", cfg.Events)
		for _, name := range cfg.Events {
			outcomes = append(outcomes, ActionOutcome{Kind: "event", Name: name})
		}
	}
	return outcomes
}
