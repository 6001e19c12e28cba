package store

import (
	"context"
	"encoding/json"
	"time"

	"waitline/queue-service/internal/models"
)

type JoinQueueInput struct {
	RequestID   string
	ClinicSlug  string
	PatientName string
	Answers     json.RawMessage
	JoinedAt    time.Time
}

type CallNextInput struct {
	ClinicID string
	CalledAt time.Time
}

type ChangeStatusInput struct {
	ClinicID   string
	TurnID     string
	Action     string
	OccurredAt time.Time
}

// TurnStatus is the patient-facing view of a turn: where it is in the
// queue and a rough wait estimate. PeopleAhead counts waiting, urgent,
// and active turns with a strictly lower position; delayed turns are
// excluded from the estimate.
type TurnStatus struct {
	Turn                 models.Turn `json:"turn"`
	PeopleAhead          int         `json:"people_ahead"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
}

type TurnStore interface {
	GetClinicBySlug(ctx context.Context, slug string) (models.Clinic, error)
	// JoinQueue issues a new turn for the clinic. The returned bool is
	// false when the request_id replayed an existing turn.
	JoinQueue(ctx context.Context, input JoinQueueInput) (models.Turn, bool, error)
	GetTurnStatus(ctx context.Context, turnID string) (TurnStatus, error)
	SnapshotQueue(ctx context.Context, clinicID string) ([]models.Turn, error)
	// CallNext closes the active turn and promotes the next eligible one.
	// Returns ErrNoTurn when nothing is eligible; the close-out of the
	// previous active turn still commits in that case.
	CallNext(ctx context.Context, input CallNextInput) (models.Turn, error)
	ChangeStatus(ctx context.Context, input ChangeStatusInput) (models.Turn, error)
	ExpireStale(ctx context.Context, before time.Time, batchSize int) (int, error)
	ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]OutboxEvent, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	StaffID   string
	ClinicID  string
	Role      string
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	ClinicID  string          `json:"clinic_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
