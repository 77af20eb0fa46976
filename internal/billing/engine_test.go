package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/tenants"
)

var testTime = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

type stubPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *stubPublisher) Publish(_ context.Context, tenantID string, balance int64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, tenantID+":"+reason)
}

func newEngine(t *testing.T) (*Engine, pgxmock.PgxPoolIface, *stubPublisher) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	pub := &stubPublisher{}
	eng := NewEngine(mock, NewStore(mock), tenants.NewStore(mock), pub, 0, nil)
	return eng, mock, pub
}

func TestProcessHangupCampaignCall(t *testing.T) {
	eng, mock, pub := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs("call-1", "tenant-1", TypeCampaign, 60, "+15550001", "+919876543210",
			int64(60), int64(0), int64(0), "cmp-1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE tenants").
		WithArgs("tenant-1", int64(-60)).
		WillReturnRows(pgxmock.NewRows([]string{"available_balance"}).AddRow(int64(940)))
	mock.ExpectCommit()

	out, err := eng.ProcessHangup(context.Background(), calls.HangupRecord{
		CallUUID:   "call-1",
		TenantID:   "tenant-1",
		CampaignID: "cmp-1",
		From:       "+15550001",
		To:         "+919876543210",
		Duration:   60,
		Status:     calls.OutcomeCompleted,
	})
	if err != nil {
		t.Fatalf("process hangup: %v", err)
	}
	if out.Duplicate {
		t.Fatal("unexpected duplicate")
	}
	if out.Credits != 60 || out.NewBalance != 940 {
		t.Errorf("outcome = %+v", out)
	}
	// Campaign calls defer the ledger entry; only the stream fires.
	if len(pub.events) != 1 || pub.events[0] != "tenant-1:call_charge" {
		t.Errorf("publisher events = %v", pub.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessHangupDuplicateSkipsBilling(t *testing.T) {
	eng, mock, pub := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs("call-1", "tenant-1", TypeCampaign, 60, "", "", int64(60), int64(0), int64(0), "cmp-1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	out, err := eng.ProcessHangup(context.Background(), calls.HangupRecord{
		CallUUID:   "call-1",
		TenantID:   "tenant-1",
		CampaignID: "cmp-1",
		Duration:   60,
	})
	if err != nil {
		t.Fatalf("process hangup: %v", err)
	}
	if !out.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if len(pub.events) != 0 {
		t.Errorf("no publish expected on duplicate, got %v", pub.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessHangupTestCallWritesImmediateHistory(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs("call-2", "tenant-1", TypeTestCall, 30, "", "+15550002", int64(30), int64(0), int64(0), "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE tenants").
		WithArgs("tenant-1", int64(-30)).
		WillReturnRows(pgxmock.NewRows([]string{"available_balance"}).AddRow(int64(970)))
	mock.ExpectExec("INSERT INTO billing_history").
		WithArgs("tenant-1", int64(-30), int64(970), "testcall call to +15550002 (30s)",
			TransactionDebit, "", "call-2", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	out, err := eng.ProcessHangup(context.Background(), calls.HangupRecord{
		CallUUID:   "call-2",
		TenantID:   "tenant-1",
		CampaignID: calls.CampaignTestCall,
		To:         "+15550002",
		Duration:   30,
	})
	if err != nil {
		t.Fatalf("process hangup: %v", err)
	}
	if out.CallType != TypeTestCall {
		t.Errorf("call type = %q", out.CallType)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessHangupIncomingResolvesTenantByNumber(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectQuery("SELECT tenant_id, available_balance").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"tenant_id", "available_balance", "max_concurrent_calls", "caller_numbers",
			"last_incoming_aggregation_at", "created_at", "updated_at",
		}).AddRow("tenant-9", int64(500), 10, []string{"9876543210"}, nil, testTime, testTime))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs("call-3", "tenant-9", TypeIncoming, 20, "+15550009", "+919876543210",
			int64(20), int64(0), int64(0), "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE tenants").
		WithArgs("tenant-9", int64(-20)).
		WillReturnRows(pgxmock.NewRows([]string{"available_balance"}).AddRow(int64(480)))
	mock.ExpectCommit()

	out, err := eng.ProcessHangup(context.Background(), calls.HangupRecord{
		CallUUID:   "call-3",
		CampaignID: calls.CampaignIncoming,
		From:       "+15550009",
		To:         "+919876543210",
		Duration:   20,
	})
	if err != nil {
		t.Fatalf("process hangup: %v", err)
	}
	if out.TenantID != "tenant-9" {
		t.Errorf("tenant = %q", out.TenantID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinalizeCampaignRunsOnce(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("cmp-1", TypeCampaign).
		WillReturnRows(pgxmock.NewRows([]string{"credits", "count"}).AddRow(int64(180), 3))
	mock.ExpectQuery("UPDATE tenants").
		WithArgs("tenant-1", int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"available_balance"}).AddRow(int64(820)))
	mock.ExpectExec("INSERT INTO billing_history").
		WithArgs("tenant-1", int64(-180), int64(820), "Campaign spring-promo: 3 calls, 180 credits",
			TransactionDebit, "cmp-1", "", 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	done, err := eng.FinalizeCampaign(context.Background(), CampaignRef{
		CampaignID: "cmp-1", TenantID: "tenant-1", Name: "spring-promo",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !done {
		t.Fatal("expected finalize to run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinalizeCampaignSecondAttemptNoOps(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("cmp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	done, err := eng.FinalizeCampaign(context.Background(), CampaignRef{CampaignID: "cmp-1", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done {
		t.Fatal("expected no-op on already-finalized campaign")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAggregateIncomingBelowWindowNoOps(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	ran, err := eng.AggregateIncoming(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if ran {
		t.Fatal("expected no aggregation inside the window")
	}
}

func TestAggregateIncomingSweepsAndLedgers(t *testing.T) {
	eng, mock, _ := newEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tenants").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("WITH swept AS").
		WithArgs("tenant-1", TypeIncoming).
		WillReturnRows(pgxmock.NewRows([]string{"credits", "count"}).AddRow(int64(75), 5))
	mock.ExpectQuery("UPDATE tenants").
		WithArgs("tenant-1", int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"available_balance"}).AddRow(int64(425)))
	mock.ExpectExec("INSERT INTO billing_history").
		WithArgs("tenant-1", int64(-75), int64(425), "Incoming calls: 5 calls, 75 credits",
			TransactionDebit, "", "", 5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ran, err := eng.AggregateIncoming(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !ran {
		t.Fatal("expected aggregation to run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
