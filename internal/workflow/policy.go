package workflow

import (
	"context"
	"slices"
	"sync"

	"schoolerp/backend/pkg/models"
)

// DomainPolicy is what a business domain plugs into the engine.
type DomainPolicy interface {
	// IsTransitionAllowed reports whether an instance at stage from may move to stage to.
	IsTransitionAllowed(from, to string) bool
	// OnStageEntered runs after the instance has entered stage. Terminal moves
	// report the pseudo-stages completed, rejected and cancelled. Errors are
	// logged and do not fail the transition.
	OnStageEntered(ctx context.Context, stage *models.WorkflowStage, inst *models.WorkflowInstance) error
}

// TransitionTable maps a stage to the stages it may move to. Every stage may
// additionally move to rejected or cancelled.
type TransitionTable map[string][]string

// Allows reports whether from may move to to.
func (t TransitionTable) Allows(from, to string) bool {
	if to == models.StageRejected || to == models.StageCancelled {
		return true
	}
	return slices.Contains(t[from], to)
}

// ConfiguredPolicy derives legality from the allowed_transitions stored on
// each stage. It is used for workflows without a registered domain policy.
type ConfiguredPolicy struct {
	table TransitionTable
}

// NewConfiguredPolicy builds a policy from the stages of one definition.
func NewConfiguredPolicy(stages []*models.WorkflowStage) *ConfiguredPolicy {
	table := make(TransitionTable, len(stages))
	for _, st := range stages {
		for _, tr := range st.AllowedTransitions {
			table[st.Code] = append(table[st.Code], tr.Target)
		}
	}
	return &ConfiguredPolicy{table: table}
}

// IsTransitionAllowed implements DomainPolicy.
func (p *ConfiguredPolicy) IsTransitionAllowed(from, to string) bool {
	return p.table.Allows(from, to)
}

// OnStageEntered implements DomainPolicy and does nothing.
func (p *ConfiguredPolicy) OnStageEntered(context.Context, *models.WorkflowStage, *models.WorkflowInstance) error {
	return nil
}

// PolicySet holds the domain policy registered for each workflow code.
type PolicySet struct {
	mu       sync.RWMutex
	policies map[string]DomainPolicy
}

// NewPolicySet creates an empty PolicySet.
func NewPolicySet() *PolicySet {
	return &PolicySet{policies: map[string]DomainPolicy{}}
}

// Register sets the policy for a workflow code, replacing any previous one.
func (s *PolicySet) Register(workflowCode string, p DomainPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[workflowCode] = p
}

// Lookup returns the policy for a workflow code.
func (s *PolicySet) Lookup(workflowCode string) (DomainPolicy, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[workflowCode]
	return p, ok
}
