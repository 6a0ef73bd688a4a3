package repository

import (
	"context"
	"errors"

	"schoolerp/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
)

// Transactor scopes work to a transaction carried by the context.
type Transactor interface {
	// WithinTx runs fn atomically, joining an enclosing transaction if any.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Savepoint runs fn so its failure is undone without aborting the enclosing transaction.
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// DefinitionReader loads workflow configuration.
type DefinitionReader interface {
	// GetDefinitionByCode returns the active definition with the code.
	GetDefinitionByCode(ctx context.Context, code string) (*models.WorkflowDefinition, error)
	// GetDefinition returns the definition by id regardless of its active flag.
	GetDefinition(ctx context.Context, id int64) (*models.WorkflowDefinition, error)
	// ListStages returns the active stages of a definition ordered by sequence.
	ListStages(ctx context.Context, workflowID int64) ([]*models.WorkflowStage, error)
}

// DefinitionWriter persists workflow configuration.
type DefinitionWriter interface {
	UpsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	UpsertStage(ctx context.Context, stage *models.WorkflowStage) error
}

// InstanceStore persists workflow instances and their history.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// LockInstance reads the instance and holds a row lock until the transaction ends.
	LockInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	FindActiveInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error)
	// LatestInstance returns the most recently started instance for the entity in any status.
	LatestInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter models.InstanceFilter) ([]*models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	AppendHistory(ctx context.Context, entry *models.StageHistoryEntry) error
	// ListHistory returns entries most recent first.
	ListHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error)
}

// NotificationStore writes notifications and resolves their recipients.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error)
	ListActiveUsersByRole(ctx context.Context, role string) ([]*models.User, error)
}

// UserStore looks up accounts for attribution.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
}

// WorkflowStore is everything the workflow engine needs from persistence.
type WorkflowStore interface {
	DefinitionReader
	InstanceStore
	NotificationStore
}

// Repository is the full persistence surface of the service.
type Repository interface {
	WorkflowStore
	DefinitionWriter
	UserStore
	Ping(ctx context.Context) error
}
