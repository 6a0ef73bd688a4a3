package models

import (
	"time"
)

// WorkflowDefinition is the persisted description of an approval process.
type WorkflowDefinition struct {
	ID          int64          `json:"id"`
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Config      map[string]any `json:"config,omitempty"`
	Active      bool           `json:"active"`
}

// Transition is one entry of a stage's allowed_transitions list.
type Transition struct {
	Action       string `json:"action"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
	RequiresData bool   `json:"requires_data,omitempty"`
}

// ActionConfig lists the side effects declared for stage entry.
type ActionConfig struct {
	Procedures []string `json:"procedures,omitempty"`
	Triggers   []string `json:"triggers,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Empty reports whether the stage declares no side effects at all.
func (c ActionConfig) Empty() bool {
	return len(c.Procedures) == 0 && len(c.Triggers) == 0 && len(c.Events) == 0
}

// WorkflowStage is a named state within a definition.
type WorkflowStage struct {
	ID                 int64        `json:"id"`
	WorkflowID         int64        `json:"workflow_id"`
	Code               string       `json:"code"`
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	Sequence           int          `json:"sequence"`
	AllowedTransitions []Transition `json:"allowed_transitions"`
	ActionConfig       ActionConfig `json:"action_config"`
	RequiredRole       string       `json:"required_role,omitempty"`
	Active             bool         `json:"active"`
}

// Action is an available transition as presented to callers.
type Action struct {
	Action       string `json:"action"`
	TargetStage  string `json:"target_stage"`
	Label        string `json:"label"`
	RequiresData bool   `json:"requires_data"`
}

// WorkflowInstance is one execution of a definition against one business entity.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	WorkflowID    int64          `json:"workflow_id"`
	WorkflowCode  string         `json:"workflow_code"`
	ReferenceType string         `json:"reference_type"`
	ReferenceID   int64          `json:"reference_id"`
	CurrentStage  string         `json:"current_stage"`
	Status        InstanceStatus `json:"status"`
	StartedBy     int64          `json:"started_by"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Data          Payload        `json:"data"`
}

// StageHistoryEntry is an append-only audit record of one transition.
type StageHistoryEntry struct {
	ID          int64         `json:"id"`
	InstanceID  string        `json:"instance_id"`
	StageCode   string        `json:"stage_code"`
	FromStage   string        `json:"from_stage,omitempty"`
	Action      string        `json:"action,omitempty"`
	ActionTaken HistoryAction `json:"action_taken"`
	ProcessedBy int64         `json:"processed_by"`
	EnteredAt   time.Time     `json:"entered_at"`
	Notes       string        `json:"notes"`
}

// InstanceFilter narrows instance listings. Zero values are ignored.
type InstanceFilter struct {
	WorkflowID    int64
	ReferenceType string
	ReferenceID   int64
	Status        InstanceStatus
}
