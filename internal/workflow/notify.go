package workflow

import (
	"context"
	"fmt"
	"time"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/telemetry"
	"schoolerp/backend/pkg/models"
)

// Dispatcher writes notification records. Delivery is someone else's job.
type Dispatcher struct {
	tx      repository.Transactor
	store   repository.NotificationStore
	logger  Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(tx repository.Transactor, store repository.NotificationStore, logger Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Dispatcher{tx: tx, store: store, logger: logger, metrics: metrics, now: time.Now}
}

// NotifyStage notifies every active user holding the stage's required role
// and returns how many notifications were written.
func (d *Dispatcher) NotifyStage(ctx context.Context, def *models.WorkflowDefinition, inst *models.WorkflowInstance,
	stage *models.WorkflowStage, kind models.NotificationType) int {
	if stage.RequiredRole == "" {
		return 0
	}
	users, err := d.store.ListActiveUsersByRole(ctx, stage.RequiredRole)
	if err != nil {
		d.fail(ctx, inst.ID, err)
		return 0
	}

	title := fmt.Sprintf("Action Required: %s", def.Name)
	message := fmt.Sprintf("Stage '%s' requires your attention.", stage.Name)
	sent := 0
	for _, u := range users {
		if d.NotifyUser(ctx, inst.ID, u.ID, title, message, kind) {
			sent++
		}
	}
	return sent
}

// NotifyUser writes one notification and reports whether it was stored.
func (d *Dispatcher) NotifyUser(ctx context.Context, instanceID string, userID int64, title, message string,
	kind models.NotificationType) bool {
	n := &models.Notification{
		InstanceID: instanceID,
		UserID:     userID,
		Title:      title,
		Message:    message,
		Type:       kind,
		CreatedAt:  d.now().UTC(),
	}
	err := d.tx.Savepoint(ctx, func(ctx context.Context) error {
		return d.store.CreateNotification(ctx, n)
	})
	if err != nil {
		d.fail(ctx, instanceID, err)
		return false
	}
	return true
}

func (d *Dispatcher) fail(ctx context.Context, instanceID string, err error) {
	d.logger.Error("Notification failed", "instance_id", instanceID, "error", err)
	d.metrics.RecordSideEffectFailure(ctx, "notification")
}
