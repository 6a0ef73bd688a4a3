// Package models defines the domain models for the school administration workflow service
package models

import (
	"time"
)

// InstanceStatus represents the lifecycle status of a workflow instance
type InstanceStatus string

const (
	StatusInProgress InstanceStatus = "in_progress"
	StatusCompleted  InstanceStatus = "completed"
	StatusCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether no further operation may change the instance.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HistoryAction is the kind of event recorded in the stage history
type HistoryAction string

const (
	HistoryEntered      HistoryAction = "entered"
	HistoryTransitioned HistoryAction = "transitioned"
	HistoryCompleted    HistoryAction = "completed"
	HistoryCancelled    HistoryAction = "cancelled"
)

// Reserved stage codes that terminate an instance when used as a transition target.
const (
	StageCompleted = "completed"
	StageRejected  = "rejected"
	StageCancelled = "cancelled"
)

// NotificationType classifies notification records
type NotificationType string

const (
	NotificationStageEntry    NotificationType = "stage_entry"
	NotificationStageComplete NotificationType = "stage_complete"
	NotificationStarted       NotificationType = "workflow_started"
	NotificationCancelled     NotificationType = "workflow_cancelled"
)

// Actor identifies the user on whose behalf an operation runs.
// The engine only records it for attribution.
type Actor struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// User is an account that can act on workflows or receive notifications
type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Notification is a write-once notice for a stakeholder. Delivery is external.
type Notification struct {
	ID         int64            `json:"id" db:"id"`
	InstanceID string           `json:"instance_id" db:"instance_id"`
	UserID     int64            `json:"user_id" db:"user_id"`
	Title      string           `json:"title" db:"title"`
	Message    string           `json:"message" db:"message"`
	Type       NotificationType `json:"type" db:"notification_type"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}
