package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"schoolerp/backend/pkg/models"
)

type memTxKey struct{}

// MemoryStore is an in-process Repository and Transactor used by tests and
// local tooling. Transactions are serialized and roll back by restoring a
// snapshot taken when they begin.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	nextID        int64
	definitions   map[int64]*models.WorkflowDefinition
	stages        map[int64]*models.WorkflowStage
	instances     map[string]*models.WorkflowInstance
	history       []*models.StageHistoryEntry
	notifications []*models.Notification
	users         map[int64]*models.User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[int64]*models.WorkflowDefinition{},
		stages:      map[int64]*models.WorkflowStage{},
		instances:   map[string]*models.WorkflowInstance{},
		users:       map[int64]*models.User{},
	}
}

type memSnapshot struct {
	nextID        int64
	definitions   map[int64]*models.WorkflowDefinition
	stages        map[int64]*models.WorkflowStage
	instances     map[string]*models.WorkflowInstance
	history       []*models.StageHistoryEntry
	notifications []*models.Notification
	users         map[int64]*models.User
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		nextID:        s.nextID,
		definitions:   make(map[int64]*models.WorkflowDefinition, len(s.definitions)),
		stages:        make(map[int64]*models.WorkflowStage, len(s.stages)),
		instances:     make(map[string]*models.WorkflowInstance, len(s.instances)),
		history:       append([]*models.StageHistoryEntry(nil), s.history...),
		notifications: append([]*models.Notification(nil), s.notifications...),
		users:         make(map[int64]*models.User, len(s.users)),
	}
	for k, v := range s.definitions {
		snap.definitions[k] = v
	}
	for k, v := range s.stages {
		snap.stages[k] = v
	}
	for k, v := range s.instances {
		snap.instances[k] = cloneInstance(v)
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = snap.nextID
	s.definitions = snap.definitions
	s.stages = snap.stages
	s.instances = snap.instances
	s.history = snap.history
	s.notifications = snap.notifications
	s.users = snap.users
}

// WithinTx runs fn atomically with respect to other transactions.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Savepoint undoes the changes made by fn if it fails.
func (s *MemoryStore) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// GetDefinitionByCode returns the active definition with the code.
func (s *MemoryStore) GetDefinitionByCode(ctx context.Context, code string) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.Code == code && def.Active {
			cp := *def
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetDefinition returns the definition by id.
func (s *MemoryStore) GetDefinition(ctx context.Context, id int64) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// ListStages returns the active stages of a definition ordered by sequence.
func (s *MemoryStore) ListStages(ctx context.Context, workflowID int64) ([]*models.WorkflowStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowStage
	for _, st := range s.stages {
		if st.WorkflowID == workflowID && st.Active {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertDefinition inserts or updates a definition keyed by code.
func (s *MemoryStore) UpsertDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.definitions {
		if existing.Code == def.Code {
			def.ID = id
			cp := *def
			s.definitions[id] = &cp
			return nil
		}
	}
	def.ID = s.id()
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

// UpsertStage inserts or updates a stage keyed by (workflow, code).
func (s *MemoryStore) UpsertStage(ctx context.Context, st *models.WorkflowStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.stages {
		if existing.WorkflowID == st.WorkflowID && existing.Code == st.Code {
			st.ID = id
			cp := *st
			s.stages[id] = &cp
			return nil
		}
	}
	st.ID = s.id()
	cp := *st
	s.stages[st.ID] = &cp
	return nil
}

// CreateInstance inserts an instance, enforcing one running instance per entity.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: workflow_instances_pkey", ErrDuplicate)
	}
	if inst.Status == models.StatusInProgress {
		for _, other := range s.instances {
			if other.Status == models.StatusInProgress && other.WorkflowID == inst.WorkflowID &&
				other.ReferenceType == inst.ReferenceType && other.ReferenceID == inst.ReferenceID {
				return fmt.Errorf("%w: workflow_instances_one_active", ErrDuplicate)
			}
		}
	}
	cp := cloneInstance(inst)
	if def, ok := s.definitions[inst.WorkflowID]; ok {
		cp.WorkflowCode = def.Code
		inst.WorkflowCode = def.Code
	}
	s.instances[inst.ID] = cp
	return nil
}

// GetInstance retrieves an instance by its ID.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

// LockInstance is GetInstance; transactions are already serialized.
func (s *MemoryStore) LockInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.GetInstance(ctx, id)
}

// FindActiveInstance returns the running instance for the entity.
func (s *MemoryStore) FindActiveInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	list, _ := s.ListInstances(ctx, models.InstanceFilter{
		WorkflowID: workflowID, ReferenceType: referenceType, ReferenceID: referenceID, Status: models.StatusInProgress,
	})
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// LatestInstance returns the most recently started instance for the entity.
func (s *MemoryStore) LatestInstance(ctx context.Context, workflowID int64, referenceType string, referenceID int64) (*models.WorkflowInstance, error) {
	list, _ := s.ListInstances(ctx, models.InstanceFilter{
		WorkflowID: workflowID, ReferenceType: referenceType, ReferenceID: referenceID,
	})
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ListInstances returns instances matching the filter, newest first.
func (s *MemoryStore) ListInstances(ctx context.Context, f models.InstanceFilter) ([]*models.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if f.WorkflowID != 0 && inst.WorkflowID != f.WorkflowID {
			continue
		}
		if f.ReferenceType != "" && inst.ReferenceType != f.ReferenceType {
			continue
		}
		if f.ReferenceID != 0 && inst.ReferenceID != f.ReferenceID {
			continue
		}
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) > 0
	})
	return out, nil
}

// UpdateInstance writes the mutable fields of an instance.
func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneInstance(existing)
	cp.CurrentStage = inst.CurrentStage
	cp.Status = inst.Status
	cp.CompletedAt = inst.CompletedAt
	cp.UpdatedAt = inst.UpdatedAt
	cp.Data = clonePayload(inst.Data)
	s.instances[inst.ID] = cp
	return nil
}

// AppendHistory appends a history entry.
func (s *MemoryStore) AppendHistory(ctx context.Context, e *models.StageHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[e.InstanceID]; !ok {
		return fmt.Errorf("history for unknown instance %s: %w", e.InstanceID, ErrNotFound)
	}
	e.ID = s.id()
	cp := *e
	s.history = append(s.history, &cp)
	return nil
}

// ListHistory returns the history of an instance, most recent first.
func (s *MemoryStore) ListHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StageHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].InstanceID == instanceID {
			cp := *s.history[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnteredAt.After(out[j].EnteredAt)
	})
	return out, nil
}

// CreateNotification appends a notification.
func (s *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.id()
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *MemoryStore) ListNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID != userID {
			continue
		}
		cp := *s.notifications[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListActiveUsersByRole returns active users holding the role.
func (s *MemoryStore) ListActiveUsersByRole(ctx context.Context, role string) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.User
	for _, u := range s.users {
		if u.Role == role && u.Status == "active" {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetUserByEmail returns the user with the email.
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpsertUser inserts or updates a user keyed by username.
func (s *MemoryStore) UpsertUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = "active"
	}
	for id, existing := range s.users {
		if existing.Username == u.Username {
			u.ID = id
			cp := *u
			s.users[id] = &cp
			return nil
		}
	}
	u.ID = s.id()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func cloneInstance(inst *models.WorkflowInstance) *models.WorkflowInstance {
	cp := *inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Data = clonePayload(inst.Data)
	return &cp
}

func clonePayload(p models.Payload) models.Payload {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("clone payload: %v", err))
	}
	var out models.Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone payload: %v", err))
	}
	return out
}
