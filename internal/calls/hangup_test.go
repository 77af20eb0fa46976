package calls

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestInsertHangupIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	rec := HangupRecord{
		CallUUID:   "call-1",
		TenantID:   "tenant-1",
		CampaignID: "cmp-1",
		From:       "+15550001",
		To:         "+919876543210",
		Duration:   60,
		Status:     OutcomeCompleted,
		Source:     SourceCampaign,
		Provider:   "plivo",
	}

	mock.ExpectExec("INSERT INTO hangup_records").
		WithArgs("call-1", "tenant-1", "cmp-1", "", "+15550001", "+919876543210",
			60, "completed", "", (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
			"", "campaign", "plivo", map[string]string{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.InsertHangup(context.Background(), nil, rec)
	if err != nil {
		t.Fatalf("insert hangup: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to land")
	}

	// Duplicate callback: conflict target absorbs it.
	mock.ExpectExec("INSERT INTO hangup_records").
		WithArgs("call-1", "tenant-1", "cmp-1", "", "+15550001", "+919876543210",
			60, "completed", "", (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil),
			"", "campaign", "plivo", map[string]string{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.InsertHangup(context.Background(), nil, rec)
	if err != nil {
		t.Fatalf("insert hangup duplicate: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate to be absorbed")
	}
}

func TestSetRecordingURLUnmatched(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE hangup_records").
		WithArgs("ghost-call", "https://recordings.example/x.mp3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	matched, err := store.SetRecordingURL(context.Background(), "ghost-call", "https://recordings.example/x.mp3")
	if err != nil {
		t.Fatalf("set recording url: %v", err)
	}
	if matched {
		t.Fatalf("expected no match for unknown call")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 2, 11, 30, 0, 123456789, time.UTC)
	cursor := encodeCursor(at, "call-9")

	gotAt, gotUUID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if !gotAt.Equal(at) {
		t.Fatalf("expected %v, got %v", at, gotAt)
	}
	if gotUUID != "call-9" {
		t.Fatalf("expected call-9, got %s", gotUUID)
	}

	if _, _, err := decodeCursor("not-a-cursor"); err == nil {
		t.Fatalf("expected malformed cursor error")
	}
	if _, _, err := decodeCursor("abc|call-1"); err == nil {
		t.Fatalf("expected malformed nanos error")
	}
}

func TestCampaignCallTotals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("cmp-1").
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(3, int64(180)))

	count, duration, err := store.CampaignCallTotals(context.Background(), "cmp-1")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if count != 3 || duration != 180 {
		t.Fatalf("expected 3 calls / 180s, got %d / %d", count, duration)
	}
}
