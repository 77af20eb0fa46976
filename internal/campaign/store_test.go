package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

var campaignColumns = []string{
	"campaign_id", "tenant_id", "name", "list_id", "from_number", "bot_ws_url",
	"provider", "status", "current_index", "total_contacts",
	"processed_contacts", "connected_calls", "failed_calls",
	"heartbeat", "last_activity", "container_id",
	"scheduled_at", "paused_at", "paused_by", "pause_reason",
	"resumed_at", "cancelled_at", "completed_at", "error_message",
	"balance_updated", "billing_processed_at", "created_at", "updated_at",
}

// anyArgs builds n pgxmock.AnyArg() matchers for expectations that do not
// care about the statement's arguments; pgxmock requires the arity to match.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func campaignRow(id, tenantID string, status Status, index, total int) []any {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	return []any{
		id, tenantID, "august-push", "list-1", "+15550001", "wss://bots.example.com/ws/agent-7",
		"plivo", string(status), index, total,
		index, index, 0,
		(*time.Time)(nil), (*time.Time)(nil), "",
		(*time.Time)(nil), (*time.Time)(nil), "", "",
		(*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil), "",
		false, (*time.Time)(nil), now, now,
	}
}

func TestCreateDuplicateName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectExec("INSERT INTO campaigns").
		WithArgs(anyArgs(11)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = store.Create(context.Background(), &Campaign{
		ID: "cmp-1", TenantID: "tenant-1", Name: "august-push",
		ListID: "list-1", FromNumber: "+15550001",
		BotWSURL: "wss://bots.example.com/ws/agent-7",
		Status:   StatusRunning, TotalContacts: 10,
	})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestPauseWinsOnlyFromRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1", string(StatusPaused), "ops@example.com", PauseReasonManual, string(StatusRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.Pause(context.Background(), "cmp-1", "ops@example.com", PauseReasonManual)
	if err != nil || !ok {
		t.Fatalf("pause running campaign: ok=%v err=%v", ok, err)
	}

	// Second pause loses the compare-and-set: zero rows touched.
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1", string(StatusPaused), "ops@example.com", PauseReasonManual, string(StatusRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = store.Pause(context.Background(), "cmp-1", "ops@example.com", PauseReasonManual)
	if err != nil {
		t.Fatalf("pause paused campaign: %v", err)
	}
	if ok {
		t.Fatal("pause of non-running campaign must not win the CAS")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHeartbeatStopsWhenNotRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1", "container-a", string(StatusRunning)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Heartbeat(context.Background(), "cmp-1", "container-a")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("heartbeat must report not-ok once the campaign left running")
	}
}

func TestAdoptLosesToFreshHeartbeat(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1", "container-b", string(StatusRunning), "120 seconds").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Adopt(context.Background(), "cmp-1", "container-b", 2*time.Minute)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if ok {
		t.Fatal("adopt must lose when the heartbeat is fresh")
	}
}

func TestRecordDialResultCountsOutcome(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectExec("connected_calls = connected_calls").
		WithArgs("cmp-1", 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.RecordDialResult(context.Background(), "cmp-1", 5, true); err != nil {
		t.Fatalf("record connected: %v", err)
	}

	mock.ExpectExec("failed_calls = failed_calls").
		WithArgs("cmp-1", 6).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.RecordDialResult(context.Background(), "cmp-1", 6, false); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrphansAndDueScheduledScan(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("SELECT campaign_id").
		WithArgs(string(StatusRunning), "120 seconds").
		WillReturnRows(pgxmock.NewRows(campaignColumns).
			AddRow(campaignRow("cmp-1", "tenant-1", StatusRunning, 42, 100)...))
	orphans, err := store.Orphans(context.Background(), 2*time.Minute)
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "cmp-1" || orphans[0].CurrentIndex != 42 {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT campaign_id").
		WithArgs(string(StatusScheduled), now).
		WillReturnRows(pgxmock.NewRows(campaignColumns).
			AddRow(campaignRow("cmp-2", "tenant-1", StatusScheduled, 0, 30)...))
	due, err := store.DueScheduled(context.Background(), now)
	if err != nil {
		t.Fatalf("due scheduled: %v", err)
	}
	if len(due) != 1 || due[0].ID != "cmp-2" {
		t.Fatalf("unexpected due campaigns: %+v", due)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectQuery("SELECT status FROM campaigns").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	_, err = store.GetStatus(context.Background(), "missing")
	if !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}
