package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"waitline/queue-service/internal/models"
	"waitline/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestJoinQueueConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan models.Turn, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, _, err := st.JoinQueue(ctx, store.JoinQueueInput{ClinicSlug: slug})
			if err != nil {
				errs <- err
				return
			}
			results <- turn
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("join queue error: %v", err)
	}

	codes := make(map[string]bool)
	var positions []int
	for turn := range results {
		if codes[turn.TicketCode] {
			t.Fatalf("duplicate ticket code %s", turn.TicketCode)
		}
		codes[turn.TicketCode] = true
		positions = append(positions, turn.Position)
	}
	if len(positions) != n {
		t.Fatalf("expected %d turns, got %d", n, len(positions))
	}
	sort.Ints(positions)
	for i, position := range positions {
		if position != i+1 {
			t.Fatalf("positions not contiguous: got %v", positions)
		}
	}

	var counter int
	row := pool.QueryRow(ctx, `SELECT daily_ticket_count FROM clinics WHERE clinic_id = $1`, clinicID)
	if err := row.Scan(&counter); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if counter != n {
		t.Fatalf("expected counter %d, got %d", n, counter)
	}
}

func TestDailyResetAfterRollover(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := pool.Exec(ctx, `
		UPDATE clinics SET daily_ticket_count = 42, last_ticket_date = $2 WHERE clinic_id = $1
	`, clinicID, yesterday); err != nil {
		t.Fatalf("prime counter: %v", err)
	}

	turn := joinQueue(t, ctx, st, slug, nil)
	if turn.TicketCode != "A01" {
		t.Fatalf("expected A01 after day rollover, got %s", turn.TicketCode)
	}
	if turn.Position != 1 {
		t.Fatalf("expected position 1, got %d", turn.Position)
	}
}

func TestEmptyQueueMidDayReset(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)

	first := joinQueue(t, ctx, st, slug, nil)
	if first.TicketCode != "A01" {
		t.Fatalf("expected A01, got %s", first.TicketCode)
	}

	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{
		ClinicID: clinicID,
		TurnID:   first.TurnID,
		Action:   "cancel",
	}); err != nil {
		t.Fatalf("cancel turn: %v", err)
	}

	// Queue is empty again, same day: ticket code resets but the
	// position keeps climbing.
	second := joinQueue(t, ctx, st, slug, nil)
	if second.TicketCode != "A01" {
		t.Fatalf("expected A01 after empty-queue reset, got %s", second.TicketCode)
	}
	if second.Position != 2 {
		t.Fatalf("expected position 2, got %d", second.Position)
	}
}

func TestUrgencyFromAnswers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, slug := seedClinic(t, ctx, pool)

	urgent := joinQueue(t, ctx, st, slug, json.RawMessage(`{"Urgent": "Oui"}`))
	if urgent.Status != models.StatusUrgent {
		t.Fatalf("expected urgent status, got %s", urgent.Status)
	}

	normal := joinQueue(t, ctx, st, slug, json.RawMessage(`{"urgent": "no"}`))
	if normal.Status != models.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", normal.Status)
	}
}

func TestJoinQueueIdempotentRequestID(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, slug := seedClinic(t, ctx, pool)
	requestID := uuid.NewString()

	first, created, err := st.JoinQueue(ctx, store.JoinQueueInput{ClinicSlug: slug, RequestID: requestID})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !created {
		t.Fatalf("expected first join to create a turn")
	}

	second, created, err := st.JoinQueue(ctx, store.JoinQueueInput{ClinicSlug: slug, RequestID: requestID})
	if err != nil {
		t.Fatalf("replay join: %v", err)
	}
	if created {
		t.Fatalf("expected replay to reuse the turn")
	}
	if first.TurnID != second.TurnID {
		t.Fatalf("expected same turn for duplicate request")
	}
}

func TestJoinQueueClinicNotFound(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, _, err := st.JoinQueue(ctx, store.JoinQueueInput{ClinicSlug: "nope"})
	if !errors.Is(err, store.ErrClinicNotFound) {
		t.Fatalf("expected ErrClinicNotFound, got %v", err)
	}
}

func TestPriorityDequeue(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)

	joinQueue(t, ctx, st, slug, nil)                                   // position 1, waiting
	joinQueue(t, ctx, st, slug, json.RawMessage(`{"urgent": "yes"}`))  // position 2, urgent
	joinQueue(t, ctx, st, slug, nil)                                   // position 3, waiting
	joinQueue(t, ctx, st, slug, json.RawMessage(`{"urgent": "oui"}`))  // position 4, urgent

	wantOrder := []int{2, 4, 1, 3}
	for i, want := range wantOrder {
		promoted, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID})
		if err != nil {
			t.Fatalf("call next %d: %v", i, err)
		}
		if promoted.Position != want {
			t.Fatalf("call %d promoted position %d, want %d", i, promoted.Position, want)
		}
		if promoted.Status != models.StatusActive {
			t.Fatalf("promoted turn not active: %s", promoted.Status)
		}
		assertActiveCount(t, ctx, pool, clinicID, 1)
	}

	_, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID})
	if !errors.Is(err, store.ErrNoTurn) {
		t.Fatalf("expected ErrNoTurn on drained queue, got %v", err)
	}
	// The last active turn is still closed out by the empty call.
	assertActiveCount(t, ctx, pool, clinicID, 0)
}

func TestSkipDelayedAndCancelled(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)

	first := joinQueue(t, ctx, st, slug, nil)
	second := joinQueue(t, ctx, st, slug, nil)
	third := joinQueue(t, ctx, st, slug, nil)

	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: first.TurnID, Action: "delay"}); err != nil {
		t.Fatalf("delay: %v", err)
	}
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: second.TurnID, Action: "cancel"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	promoted, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if promoted.TurnID != third.TurnID {
		t.Fatalf("expected position 3 promoted, got position %d", promoted.Position)
	}

	assertStatus(t, ctx, pool, first.TurnID, models.StatusDelayed)
	assertStatus(t, ctx, pool, second.TurnID, models.StatusCancelled)
}

func TestResumeDelayedTurn(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	turn := joinQueue(t, ctx, st, slug, nil)

	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "delay"}); err != nil {
		t.Fatalf("delay: %v", err)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID}); !errors.Is(err, store.ErrNoTurn) {
		t.Fatalf("expected delayed turn to be skipped, got %v", err)
	}

	resumed, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "resume"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != models.StatusWaiting {
		t.Fatalf("expected waiting after resume, got %s", resumed.Status)
	}

	promoted, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if promoted.TurnID != turn.TurnID {
		t.Fatalf("expected resumed turn promoted")
	}
}

func TestEmptyDequeueIdempotent(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	turn := joinQueue(t, ctx, st, slug, nil)
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "cancel"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID}); !errors.Is(err, store.ErrNoTurn) {
			t.Fatalf("expected ErrNoTurn, got %v", err)
		}
	}
	assertStatus(t, ctx, pool, turn.TurnID, models.StatusCancelled)
}

func TestAtMostOneActiveUnderConcurrentCallNext(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	for i := 0; i < 4; i++ {
		joinQueue(t, ctx, st, slug, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CallNext(ctx, store.CallNextInput{ClinicID: clinicID})
			if err != nil && !errors.Is(err, store.ErrNoTurn) {
				t.Errorf("call next: %v", err)
			}
		}()
	}
	wg.Wait()

	assertActiveCount(t, ctx, pool, clinicID, 1)
}

func TestPeopleAheadExcludesDelayed(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)

	joinQueue(t, ctx, st, slug, nil)                  // position 1
	second := joinQueue(t, ctx, st, slug, nil)        // position 2, will be delayed
	joinQueue(t, ctx, st, slug, nil)                  // position 3
	fourth := joinQueue(t, ctx, st, slug, nil)        // position 4

	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: second.TurnID, Action: "delay"}); err != nil {
		t.Fatalf("delay: %v", err)
	}

	status, err := st.GetTurnStatus(ctx, fourth.TurnID)
	if err != nil {
		t.Fatalf("turn status: %v", err)
	}
	if status.PeopleAhead != 2 {
		t.Fatalf("expected 2 people ahead (delayed excluded), got %d", status.PeopleAhead)
	}
	if status.EstimatedWaitMinutes != 2*5 {
		t.Fatalf("expected estimate 10, got %d", status.EstimatedWaitMinutes)
	}
}

func TestChangeStatusGuards(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	turn := joinQueue(t, ctx, st, slug, nil)

	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "done"}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for done on waiting, got %v", err)
	}
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: uuid.NewString(), Action: "cancel"}); !errors.Is(err, store.ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "escalate"}); !errors.Is(err, store.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}

	// Terminal statuses stay terminal.
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "cancel"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := st.ChangeStatus(ctx, store.ChangeStatusInput{ClinicID: clinicID, TurnID: turn.TurnID, Action: "urgent"}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on cancelled turn, got %v", err)
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	clinicID, slug := seedClinic(t, ctx, pool)
	old := joinQueue(t, ctx, st, slug, nil)
	fresh := joinQueue(t, ctx, st, slug, nil)

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := pool.Exec(ctx, `UPDATE turns SET created_at = $2 WHERE turn_id = $1`, old.TurnID, yesterday); err != nil {
		t.Fatalf("backdate turn: %v", err)
	}

	count, err := st.ExpireStale(ctx, startOfDay(time.Now().UTC()), 10)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired turn, got %d", count)
	}
	assertStatus(t, ctx, pool, old.TurnID, models.StatusCancelled)
	assertStatus(t, ctx, pool, fresh.TurnID, models.StatusWaiting)

	events, err := st.ListOutboxEvents(ctx, clinicID, time.Time{}, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, event := range events {
		if event.Type == "turn.expired" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a turn.expired outbox event")
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedClinic(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (string, string) {
	t.Helper()
	clinicID := uuid.NewString()
	slug := "clinic-" + clinicID[:8]
	if _, err := pool.Exec(ctx, `
		INSERT INTO clinics (clinic_id, slug, name, email, daily_ticket_count, avg_minutes)
		VALUES ($1, $2, 'Test Clinic', $3, 0, 5)
	`, clinicID, slug, fmt.Sprintf("%s@example.test", slug)); err != nil {
		t.Fatalf("insert clinic: %v", err)
	}
	return clinicID, slug
}

func joinQueue(t *testing.T, ctx context.Context, st *Store, slug string, answers json.RawMessage) models.Turn {
	t.Helper()
	turn, _, err := st.JoinQueue(ctx, store.JoinQueueInput{
		ClinicSlug: slug,
		Answers:    answers,
	})
	if err != nil {
		t.Fatalf("join queue: %v", err)
	}
	return turn
}

func assertActiveCount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, clinicID string, want int) {
	t.Helper()
	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE clinic_id = $1 AND status = 'active'`, clinicID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != want {
		t.Fatalf("expected %d active turns, got %d", want, count)
	}
}

func assertStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, turnID string, want models.Status) {
	t.Helper()
	var status string
	row := pool.QueryRow(ctx, `SELECT status FROM turns WHERE turn_id = $1`, turnID)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if models.Status(status) != want {
		t.Fatalf("expected status %s, got %s", want, status)
	}
}
