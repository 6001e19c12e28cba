package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"waitline/queue-service/internal/models"
	"waitline/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketCodePad = 2

const turnColumns = "turn_id, clinic_id, ticket_code, position, status, patient_name, answers, request_id, created_at, called_at, completed_at, updated_at"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetClinicBySlug(ctx context.Context, slug string) (models.Clinic, error) {
	var clinic models.Clinic
	var lastTicketNull sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT clinic_id, slug, name, daily_ticket_count, last_ticket_date, avg_minutes
		FROM clinics
		WHERE slug = $1
	`, slug)
	if err := row.Scan(&clinic.ClinicID, &clinic.Slug, &clinic.Name, &clinic.DailyTicketCount, &lastTicketNull, &clinic.AvgMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	clinic.LastTicketDate = nullTimePtr(lastTicketNull)
	return clinic, nil
}

// JoinQueue issues a turn under an exclusive lock on the clinic row. The
// lock is held for the whole read-modify-write so concurrent joins for
// the same clinic serialize; nothing read before the lock is trusted.
func (s *Store) JoinQueue(ctx context.Context, input store.JoinQueueInput) (models.Turn, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err2 := findTurnByRequestID(ctx, tx, input.RequestID)
		if err2 != nil {
			err = err2
			return models.Turn{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Turn{}, false, err
			}
			return existing, false, nil
		}
	}

	clinic, err := lockClinicBySlug(ctx, tx, input.ClinicSlug)
	if err != nil {
		return models.Turn{}, false, err
	}

	maxPosition, queueEmpty, err := queueTail(ctx, tx, clinic.ClinicID)
	if err != nil {
		return models.Turn{}, false, err
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	count := nextDailyCount(clinic.DailyTicketCount, clinic.LastTicketDate, queueEmpty, joinedAt)
	if _, err = tx.Exec(ctx, `
		UPDATE clinics
		SET daily_ticket_count = $1,
			last_ticket_date = $2,
			updated_at = $2
		WHERE clinic_id = $3
	`, count, joinedAt, clinic.ClinicID); err != nil {
		return models.Turn{}, false, err
	}

	status := models.StatusWaiting
	if store.DetectUrgency(input.Answers) {
		status = models.StatusUrgent
	}

	turn := models.Turn{}
	row := tx.QueryRow(ctx, `
		INSERT INTO turns (turn_id, clinic_id, ticket_code, position, status, patient_name, answers, request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+turnColumns+`
	`, uuid.NewString(), clinic.ClinicID, formatTicketCode(count), maxPosition+1, status,
		nullIfEmpty(input.PatientName), store.NormalizeAnswers(input.Answers), nullIfEmpty(input.RequestID), joinedAt)
	if err = scanTurn(row, &turn); err != nil {
		return models.Turn{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, clinic.ClinicID, "turn.created", turn); err != nil {
		return models.Turn{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, false, err
	}
	return turn, true, nil
}

// CallNext runs as one transaction: every active turn for the clinic is
// closed out, then at most one urgent-first candidate is promoted. The
// clinic row lock serializes concurrent call-next invocations so two
// active turns can never commit side by side.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Turn, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockClinicByID(ctx, tx, input.ClinicID); err != nil {
		return models.Turn{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	closed, err := closeActiveTurns(ctx, tx, input.ClinicID, calledAt)
	if err != nil {
		return models.Turn{}, err
	}
	for _, done := range closed {
		if err = insertOutboxEvent(ctx, tx, input.ClinicID, "turn.status_changed", done); err != nil {
			return models.Turn{}, err
		}
	}

	var promoted models.Turn
	found := false
	for _, status := range []models.Status{models.StatusUrgent, models.StatusWaiting} {
		promoted, err = promoteOldest(ctx, tx, input.ClinicID, status, calledAt)
		if err == nil {
			found = true
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, err
		}
		err = nil
	}

	if !found {
		if err = tx.Commit(ctx); err != nil {
			return models.Turn{}, err
		}
		return models.Turn{}, store.ErrNoTurn
	}

	if err = insertOutboxEvent(ctx, tx, input.ClinicID, "turn.called", promoted); err != nil {
		return models.Turn{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, err
	}
	return promoted, nil
}

func (s *Store) ChangeStatus(ctx context.Context, input store.ChangeStatusInput) (models.Turn, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Turn{}, store.ErrInvalidAction
	}
	allowed := statusStrings(store.AllowedFrom(input.Action))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Turn{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		UPDATE turns
		SET status = $1,
			updated_at = $2
	`
	if target.Terminal() {
		query += ", completed_at = $2"
	}
	query += `
		WHERE turn_id = $3 AND clinic_id = $4 AND status = ANY($5)
		RETURNING ` + turnColumns

	var turn models.Turn
	row := tx.QueryRow(ctx, query, target, occurredAt, input.TurnID, input.ClinicID, allowed)
	if err = scanTurn(row, &turn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, err2 := turnExists(ctx, tx, input.TurnID, input.ClinicID)
			if err2 != nil {
				err = err2
				return models.Turn{}, err
			}
			if !exists {
				err = store.ErrTurnNotFound
				return models.Turn{}, err
			}
			err = store.ErrInvalidState
			return models.Turn{}, err
		}
		return models.Turn{}, err
	}

	if err = insertOutboxEvent(ctx, tx, input.ClinicID, "turn.status_changed", turn); err != nil {
		return models.Turn{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Turn{}, err
	}
	return turn, nil
}

func (s *Store) GetTurnStatus(ctx context.Context, turnID string) (store.TurnStatus, error) {
	var status store.TurnStatus
	row := s.pool.QueryRow(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE turn_id = $1
	`, turnID)
	if err := scanTurn(row, &status.Turn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TurnStatus{}, store.ErrTurnNotFound
		}
		return store.TurnStatus{}, err
	}

	// Delayed turns are not counted against the wait estimate.
	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(t.turn_id), c.avg_minutes
		FROM clinics c
		LEFT JOIN turns t ON t.clinic_id = c.clinic_id
			AND t.position < $2
			AND t.status IN ('waiting', 'urgent', 'active')
		WHERE c.clinic_id = $1
		GROUP BY c.avg_minutes
	`, status.Turn.ClinicID, status.Turn.Position)
	var avgMinutes int
	var ahead int
	if err := row.Scan(&ahead, &avgMinutes); err != nil {
		return store.TurnStatus{}, err
	}
	status.PeopleAhead = ahead
	status.EstimatedWaitMinutes = ahead * avgMinutes
	return status, nil
}

func (s *Store) SnapshotQueue(ctx context.Context, clinicID string) ([]models.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE clinic_id = $1 AND status IN ('waiting', 'urgent', 'active', 'delayed')
		ORDER BY position ASC
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var turn models.Turn
		if err := scanTurn(rows, &turn); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

// ExpireStale cancels non-terminal turns created before the cutoff,
// typically the start of the current day. Skip-locked batches keep the
// sweeper out of the way of live issuance and dequeue transactions.
func (s *Store) ExpireStale(ctx context.Context, before time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT turn_id, clinic_id
		FROM turns
		WHERE status IN ('waiting', 'urgent', 'active', 'delayed') AND created_at < $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, before, batchSize)
	if err != nil {
		return 0, err
	}
	type staleTurn struct {
		turnID   string
		clinicID string
	}
	var stale []staleTurn
	for rows.Next() {
		var item staleTurn
		if err = rows.Scan(&item.turnID, &item.clinicID); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, item)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	now := time.Now().UTC()
	for _, item := range stale {
		var turn models.Turn
		row := tx.QueryRow(ctx, `
			UPDATE turns
			SET status = 'cancelled',
				completed_at = $2,
				updated_at = $2
			WHERE turn_id = $1
			RETURNING `+turnColumns+`
		`, item.turnID, now)
		if err = scanTurn(row, &turn); err != nil {
			return 0, err
		}
		if err = insertOutboxEvent(ctx, tx, item.clinicID, "turn.expired", turn); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, clinic_id, type, payload_json, created_at
		FROM outbox_events
		WHERE clinic_id = $1
	`
	args := []interface{}{clinicID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.ClinicID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, staff_id, clinic_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.StaffID, &session.ClinicID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

// nextDailyCount applies the counter reset rule: back to 1 on day
// rollover or whenever the queue is empty (an empty queue starts a fresh
// service session even mid-day), otherwise increment.
func nextDailyCount(current int, lastTicket *time.Time, queueEmpty bool, now time.Time) int {
	if queueEmpty {
		return 1
	}
	if lastTicket == nil || lastTicket.Before(startOfDay(now)) {
		return 1
	}
	return current + 1
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func formatTicketCode(count int) string {
	return fmt.Sprintf("A%0*d", ticketCodePad, count)
}

func lockClinicBySlug(ctx context.Context, tx pgx.Tx, slug string) (models.Clinic, error) {
	var clinic models.Clinic
	var lastTicketNull sql.NullTime
	row := tx.QueryRow(ctx, `
		SELECT clinic_id, slug, name, daily_ticket_count, last_ticket_date, avg_minutes
		FROM clinics
		WHERE slug = $1
		FOR UPDATE
	`, slug)
	if err := row.Scan(&clinic.ClinicID, &clinic.Slug, &clinic.Name, &clinic.DailyTicketCount, &lastTicketNull, &clinic.AvgMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	clinic.LastTicketDate = nullTimePtr(lastTicketNull)
	return clinic, nil
}

func lockClinicByID(ctx context.Context, tx pgx.Tx, clinicID string) error {
	var id string
	row := tx.QueryRow(ctx, `
		SELECT clinic_id
		FROM clinics
		WHERE clinic_id = $1
		FOR UPDATE
	`, clinicID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrClinicNotFound
		}
		return err
	}
	return nil
}

// queueTail reports the highest position ever assigned for the clinic
// and whether any non-terminal turn remains. Positions count terminal
// turns too: they are never reused, only ticket codes reset.
func queueTail(ctx context.Context, tx pgx.Tx, clinicID string) (int, bool, error) {
	var maxPosition int
	var live int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0),
			COUNT(*) FILTER (WHERE status IN ('waiting', 'urgent', 'active', 'delayed'))
		FROM turns
		WHERE clinic_id = $1
	`, clinicID)
	if err := row.Scan(&maxPosition, &live); err != nil {
		return 0, false, err
	}
	return maxPosition, live == 0, nil
}

func closeActiveTurns(ctx context.Context, tx pgx.Tx, clinicID string, at time.Time) ([]models.Turn, error) {
	rows, err := tx.Query(ctx, `
		UPDATE turns
		SET status = 'done',
			completed_at = $2,
			updated_at = $2
		WHERE clinic_id = $1 AND status = 'active'
		RETURNING `+turnColumns+`
	`, clinicID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []models.Turn
	for rows.Next() {
		var turn models.Turn
		if err := scanTurn(rows, &turn); err != nil {
			return nil, err
		}
		closed = append(closed, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return closed, nil
}

func promoteOldest(ctx context.Context, tx pgx.Tx, clinicID string, status models.Status, calledAt time.Time) (models.Turn, error) {
	var turn models.Turn
	row := tx.QueryRow(ctx, `
		WITH next_turn AS (
			SELECT turn_id
			FROM turns
			WHERE clinic_id = $1 AND status = $2
			ORDER BY position ASC
			FOR UPDATE
			LIMIT 1
		)
		UPDATE turns
		SET status = 'active',
			called_at = $3,
			updated_at = $3
		FROM next_turn
		WHERE turns.turn_id = next_turn.turn_id
		RETURNING turns.turn_id, turns.clinic_id, turns.ticket_code, turns.position, turns.status, turns.patient_name, turns.answers, turns.request_id, turns.created_at, turns.called_at, turns.completed_at, turns.updated_at
	`, clinicID, status, calledAt)
	if err := scanTurn(row, &turn); err != nil {
		return models.Turn{}, err
	}
	return turn, nil
}

func findTurnByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Turn, bool, error) {
	var turn models.Turn
	row := tx.QueryRow(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE request_id = $1
	`, requestID)
	if err := scanTurn(row, &turn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turn{}, false, nil
		}
		return models.Turn{}, false, err
	}
	return turn, true, nil
}

func turnExists(ctx context.Context, tx pgx.Tx, turnID, clinicID string) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM turns WHERE turn_id = $1 AND clinic_id = $2
		)
	`, turnID, clinicID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, clinicID, eventType string, turn models.Turn) error {
	payload, err := json.Marshal(map[string]interface{}{
		"turn_id":      turn.TurnID,
		"clinic_id":    turn.ClinicID,
		"ticket_code":  turn.TicketCode,
		"position":     turn.Position,
		"status":       turn.Status,
		"created_at":   turn.CreatedAt,
		"called_at":    turn.CalledAt,
		"completed_at": turn.CompletedAt,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, clinic_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), clinicID, eventType, payload, time.Now().UTC())
	return err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTurn(row scannable, turn *models.Turn) error {
	var patientNameNull sql.NullString
	var requestIDNull sql.NullString
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var answers []byte
	if err := row.Scan(&turn.TurnID, &turn.ClinicID, &turn.TicketCode, &turn.Position, &turn.Status,
		&patientNameNull, &answers, &requestIDNull, &turn.CreatedAt, &calledAtNull, &completedAtNull, &turn.UpdatedAt); err != nil {
		return err
	}
	turn.PatientName = nullStringPtr(patientNameNull)
	if requestIDNull.Valid {
		turn.RequestID = requestIDNull.String
	}
	turn.Answers = answers
	turn.CalledAt = nullTimePtr(calledAtNull)
	turn.CompletedAt = nullTimePtr(completedAtNull)
	return nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
