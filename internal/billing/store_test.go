package billing

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

// anyArgs builds n pgxmock.AnyArg() matchers for expectations that do not
// care about the statement's arguments; pgxmock requires the arity to match.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestInsertDetailReportsDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs("call-1", "tenant-1", TypeCampaign, 60, "+1", "+2",
			int64(60), int64(0), int64(0), "cmp-1", "promo").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO billing_details").
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	d := Detail{
		CallUUID: "call-1", TenantID: "tenant-1", CallType: TypeCampaign,
		Duration: 60, From: "+1", To: "+2", Credits: 60,
		CampaignID: "cmp-1", CampaignName: "promo",
	}
	inserted, err := store.InsertDetail(context.Background(), nil, d)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = store.InsertDetail(context.Background(), nil, d)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate to report false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDetailsByTenantPaginates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	cols := []string{"call_uuid", "tenant_id", "call_type", "duration", "from_number",
		"to_number", "credits", "ai_credits", "telephony_credits", "campaign_id",
		"campaign_name", "aggregated", "created_at"}
	rows := pgxmock.NewRows(cols)
	for _, id := range []string{"call-3", "call-2", "call-1"} {
		rows.AddRow(id, "tenant-1", TypeCampaign, 60, "+1", "+2",
			int64(60), int64(0), int64(0), "cmp-1", "promo", false, testTime)
	}
	mock.ExpectQuery("SELECT call_uuid, tenant_id, call_type").
		WithArgs(anyArgs(4)...).
		WillReturnRows(rows)

	// Limit 2, three rows back: two returned plus a cursor.
	page, err := store.ListDetailsByTenant(context.Background(), "tenant-1", "", 2)
	if err != nil {
		t.Fatalf("list details: %v", err)
	}
	if len(page.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(page.Calls))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next cursor")
	}
	if page.Calls[0].CallUUID != "call-3" {
		t.Errorf("first call = %q", page.Calls[0].CallUUID)
	}
}

func TestListDetailsRejectsMalformedCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	if _, err := store.ListDetailsByTenant(context.Background(), "tenant-1", "not-a-cursor", 10); err == nil {
		t.Fatal("expected cursor error")
	}
}

func TestCampaignTotals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("cmp-1", TypeCampaign).
		WillReturnRows(pgxmock.NewRows([]string{"credits", "count"}).AddRow(int64(180), 3))

	credits, count, err := store.CampaignTotals(context.Background(), nil, "cmp-1")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if credits != 180 || count != 3 {
		t.Errorf("totals = %d credits, %d calls", credits, count)
	}
}

func TestListHistoryByTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectQuery("SELECT id, tenant_id, balance_count").
		WithArgs("tenant-1", 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "balance_count",
			"new_available_balance", "description", "transaction_type", "campaign_id",
			"call_uuid", "call_count", "created_at"}).
			AddRow(int64(2), "tenant-1", int64(-180), int64(820),
				"Campaign promo: 3 calls, 180 credits", TransactionDebit, "cmp-1", "", 3, testTime).
			AddRow(int64(1), "tenant-1", int64(1000), int64(1000),
				"Opening balance", TransactionCredit, "", "", 0, testTime))

	entries, err := store.ListHistoryByTenant(context.Background(), "tenant-1", 50)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].CampaignID != "cmp-1" || entries[0].CallCount != 3 {
		t.Errorf("aggregate entry = %+v", entries[0])
	}
}
