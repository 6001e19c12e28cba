package models

import (
	"encoding/json"
	"time"
)

// Status is the closed set of turn states. Transitions between them are
// enforced by store.ValidTransition.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusUrgent    Status = "urgent"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a turn in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// NonTerminalStatuses is the set of statuses that keep a turn in the queue.
func NonTerminalStatuses() []Status {
	return []Status{StatusWaiting, StatusUrgent, StatusActive, StatusDelayed}
}

type Turn struct {
	TurnID      string          `json:"turn_id"`
	ClinicID    string          `json:"clinic_id"`
	TicketCode  string          `json:"ticket_code"`
	Position    int             `json:"position"`
	Status      Status          `json:"status"`
	PatientName *string         `json:"patient_name,omitempty"`
	Answers     json.RawMessage `json:"answers,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CalledAt    *time.Time      `json:"called_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
