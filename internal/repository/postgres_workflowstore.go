package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolerp/backend/pkg/models"
)

// PostgresWorkflowStore is a PostgreSQL implementation of the Repository interface.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresWorkflowStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const definitionColumns = `id, code, name, description, category, config, is_active`

func scanDefinition(row pgx.Row) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := row.Scan(&def.ID, &def.Code, &def.Name, &def.Description, &def.Category, &def.Config, &def.Active); err != nil {
		return nil, mapError(err)
	}
	return &def, nil
}

// GetDefinitionByCode returns the active definition with the code.
func (s *PostgresWorkflowStore) GetDefinitionByCode(ctx context.Context, code string) (*models.WorkflowDefinition, error) {
	row := conn(ctx, s.db).QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE code = $1 AND is_active", code)
	return scanDefinition(row)
}

// GetDefinition returns the definition by id.
func (s *PostgresWorkflowStore) GetDefinition(ctx context.Context, id int64) (*models.WorkflowDefinition, error) {
	row := conn(ctx, s.db).QueryRow(ctx,
		"SELECT "+definitionColumns+" FROM workflow_definitions WHERE id = $1", id)
	return scanDefinition(row)
}

// ListStages returns the active stages of a definition ordered by sequence.
func (s *PostgresWorkflowStore) ListStages(ctx context.Context, workflowID int64) ([]*models.WorkflowStage, error) {
	rows, err := conn(ctx, s.db).Query(ctx, `
		SELECT id, workflow_id, code, name, description, sequence, allowed_transitions, action_config, required_role, is_active
		FROM workflow_stages
		WHERE workflow_id = $1 AND is_active
		ORDER BY sequence ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []*models.WorkflowStage
	for rows.Next() {
		var st models.WorkflowStage
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Code, &st.Name, &st.Description, &st.Sequence,
			&st.AllowedTransitions, &st.ActionConfig, &st.RequiredRole, &st.Active); err != nil {
			return nil, err
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

// UpsertDefinition inserts or updates a definition keyed by code and sets its ID.
func (s *PostgresWorkflowStore) UpsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	config := def.Config
	if config == nil {
		config = map[string]any{}
	}
	return conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO workflow_definitions (code, name, description, category, config, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, category = EXCLUDED.category,
		    config = EXCLUDED.config, is_active = EXCLUDED.is_active
		RETURNING id`,
		def.Code, def.Name, def.Description, def.Category, config, def.Active).Scan(&def.ID)
}

// UpsertStage inserts or updates a stage keyed by (workflow_id, code) and sets its ID.
func (s *PostgresWorkflowStore) UpsertStage(ctx context.Context, st *models.WorkflowStage) error {
	transitions := st.AllowedTransitions
	if transitions == nil {
		transitions = []models.Transition{}
	}
	return conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO workflow_stages
			(workflow_id, code, name, description, sequence, allowed_transitions, action_config, required_role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_id, code) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, sequence = EXCLUDED.sequence,
		    allowed_transitions = EXCLUDED.allowed_transitions, action_config = EXCLUDED.action_config,
		    required_role = EXCLUDED.required_role, is_active = EXCLUDED.is_active
		RETURNING id`,
		st.WorkflowID, st.Code, st.Name, st.Description, st.Sequence, transitions, st.ActionConfig,
		st.RequiredRole, st.Active).Scan(&st.ID)
}

const instanceColumns = `wi.id::text, wi.workflow_id, wd.code, wi.reference_type, wi.reference_id, wi.current_stage,
	wi.status, wi.started_by, wi.started_at, wi.completed_at, wi.updated_at, wi.data`

const instanceFrom = ` FROM workflow_instances wi JOIN workflow_definitions wd ON wd.id = wi.workflow_id`

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	if err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowCode, &inst.ReferenceType, &inst.ReferenceID,
		&inst.CurrentStage, &inst.Status, &inst.StartedBy, &inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt,
		&inst.Data); err != nil {
		return nil, mapError(err)
	}
	return &inst, nil
}

// CreateInstance inserts a new instance. A second running instance for the
// same entity violates workflow_instances_one_active and yields ErrDuplicate.
func (s *PostgresWorkflowStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	_, err := conn(ctx, s.db).Exec(ctx, `
		INSERT INTO workflow_instances
			(id, workflow_id, reference_type, reference_id, current_stage, status, started_by, started_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.WorkflowID, inst.ReferenceType, inst.ReferenceID, inst.CurrentStage, inst.Status,
		inst.StartedBy, inst.StartedAt, inst.UpdatedAt, inst.Data)
	return mapError(err)
}

// GetInstance retrieves an instance by its ID.
func (s *PostgresWorkflowStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := conn(ctx, s.db).QueryRow(ctx, "SELECT "+instanceColumns+instanceFrom+" WHERE wi.id = $1", id)
	return scanInstance(row)
}

// LockInstance retrieves an instance and locks its row for the rest of the transaction.
func (s *PostgresWorkflowStore) LockInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := conn(ctx, s.db).QueryRow(ctx,
		"SELECT "+instanceColumns+instanceFrom+" WHERE wi.id = $1 FOR UPDATE OF wi", id)
	return scanInstance(row)
}

// FindActiveInstance returns the running instance for the entity.
func (s *PostgresWorkflowStore) FindActiveInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	row := conn(ctx, s.db).QueryRow(ctx, "SELECT "+instanceColumns+instanceFrom+`
		WHERE wi.workflow_id = $1 AND wi.reference_type = $2 AND wi.reference_id = $3 AND wi.status = 'in_progress'`,
		workflowID, referenceType, referenceID)
	return scanInstance(row)
}

// LatestInstance returns the most recently started instance for the entity.
func (s *PostgresWorkflowStore) LatestInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	row := conn(ctx, s.db).QueryRow(ctx, "SELECT "+instanceColumns+instanceFrom+`
		WHERE wi.workflow_id = $1 AND wi.reference_type = $2 AND wi.reference_id = $3
		ORDER BY wi.started_at DESC LIMIT 1`,
		workflowID, referenceType, referenceID)
	return scanInstance(row)
}

// ListInstances returns instances matching the filter, newest first.
func (s *PostgresWorkflowStore) ListInstances(ctx context.Context, filter models.InstanceFilter) ([]*models.WorkflowInstance, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowID != 0 {
		add("wi.workflow_id = $%d", filter.WorkflowID)
	}
	if filter.ReferenceType != "" {
		add("wi.reference_type = $%d", filter.ReferenceType)
	}
	if filter.ReferenceID != 0 {
		add("wi.reference_id = $%d", filter.ReferenceID)
	}
	if filter.Status != "" {
		add("wi.status = $%d", string(filter.Status))
	}

	query := "SELECT " + instanceColumns + instanceFrom
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY wi.started_at DESC"

	rows, err := conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateInstance writes the mutable columns of an instance.
func (s *PostgresWorkflowStore) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	tag, err := conn(ctx, s.db).Exec(ctx, `
		UPDATE workflow_instances
		SET current_stage = $1, status = $2, completed_at = $3, updated_at = $4, data = $5
		WHERE id = $6`,
		inst.CurrentStage, inst.Status, inst.CompletedAt, inst.UpdatedAt, inst.Data, inst.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendHistory inserts a history entry and sets its ID.
func (s *PostgresWorkflowStore) AppendHistory(ctx context.Context, e *models.StageHistoryEntry) error {
	return conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO workflow_stage_history
			(instance_id, stage_code, from_stage, action, action_taken, processed_by, entered_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.InstanceID, e.StageCode, e.FromStage, e.Action, e.ActionTaken, e.ProcessedBy, e.EnteredAt, e.Notes).Scan(&e.ID)
}

// ListHistory returns the history of an instance, most recent first.
func (s *PostgresWorkflowStore) ListHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error) {
	rows, err := conn(ctx, s.db).Query(ctx, `
		SELECT id, instance_id::text, stage_code, from_stage, action, action_taken, processed_by, entered_at, notes
		FROM workflow_stage_history
		WHERE instance_id = $1
		ORDER BY entered_at DESC, id DESC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.StageHistoryEntry
	for rows.Next() {
		var e models.StageHistoryEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.StageCode, &e.FromStage, &e.Action, &e.ActionTaken,
			&e.ProcessedBy, &e.EnteredAt, &e.Notes); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CreateNotification inserts a notification and sets its ID.
func (s *PostgresWorkflowStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO workflow_notifications (instance_id, notification_type, user_id, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		n.InstanceID, n.Type, n.UserID, n.Title, n.Message, n.CreatedAt).Scan(&n.ID)
}

// ListNotifications returns a user's notifications, newest first.
func (s *PostgresWorkflowStore) ListNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := conn(ctx, s.db).Query(ctx, `
		SELECT id, instance_id::text, user_id, title, message, notification_type, created_at
		FROM workflow_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.InstanceID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ListActiveUsersByRole returns active users holding the role.
func (s *PostgresWorkflowStore) ListActiveUsersByRole(ctx context.Context, role string) ([]*models.User, error) {
	rows, err := conn(ctx, s.db).Query(ctx, `
		SELECT id, username, email, role, status, created_at
		FROM users WHERE role = $1 AND status = 'active'
		ORDER BY id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.Status, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// GetUserByEmail returns the user with the email.
func (s *PostgresWorkflowStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := conn(ctx, s.db).QueryRow(ctx, `
		SELECT id, username, email, role, status, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.Status, &u.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// UpsertUser inserts or updates a user keyed by username and sets its ID.
func (s *PostgresWorkflowStore) UpsertUser(ctx context.Context, u *models.User) error {
	status := u.Status
	if status == "" {
		status = "active"
	}
	return conn(ctx, s.db).QueryRow(ctx, `
		INSERT INTO users (username, email, role, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE
		SET email = EXCLUDED.email, role = EXCLUDED.role, status = EXCLUDED.status
		RETURNING id, created_at`,
		u.Username, u.Email, u.Role, status).Scan(&u.ID, &u.CreatedAt)
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
