package calls

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Call outcome vocabulary for HangupRecord.Status.
const (
	OutcomeCompleted = "completed"
	OutcomeBusy      = "busy"
	OutcomeNoAnswer  = "no-answer"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// HangupRecord source vocabulary.
const (
	SourceCampaign = "campaign"
	SourceAPI      = "api"
	SourceTest     = "test"
	SourceInbound  = "inbound"
)

// HangupRecord is the append-only terminal fact for one call. ActiveCall
// is the mutable in-flight row; this is what reports and billing read.
type HangupRecord struct {
	CallUUID     string            `json:"call_uuid"`
	TenantID     string            `json:"tenant_id"`
	CampaignID   string            `json:"campaign_id"`
	AssistantID  string            `json:"assistant_id,omitempty"`
	From         string            `json:"from_number"`
	To           string            `json:"to_number"`
	Duration     int               `json:"duration"`
	Status       string            `json:"status"`
	HangupCause  string            `json:"hangup_cause,omitempty"`
	StartAt      *time.Time        `json:"start_at,omitempty"`
	AnswerAt     *time.Time        `json:"answer_at,omitempty"`
	EndAt        *time.Time        `json:"end_at,omitempty"`
	RecordingURL string            `json:"recording_url,omitempty"`
	Source       string            `json:"source"`
	Provider     string            `json:"provider"`
	Contact      map[string]string `json:"contact,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// InsertHangup writes the terminal fact at most once per call. Returns
// false when a record already existed, which is how duplicate provider
// callbacks get absorbed.
func (s *Store) InsertHangup(ctx context.Context, q Querier, rec HangupRecord) (bool, error) {
	if q == nil {
		q = s.pool
	}
	contact := rec.Contact
	if contact == nil {
		contact = map[string]string{}
	}
	query := `
		INSERT INTO hangup_records (call_uuid, tenant_id, campaign_id, assistant_id,
			from_number, to_number, duration, status, hangup_cause,
			start_at, answer_at, end_at, recording_url, source, provider, contact)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16)
		ON CONFLICT (call_uuid) DO NOTHING
	`
	ct, err := q.Exec(ctx, query, rec.CallUUID, rec.TenantID, rec.CampaignID, rec.AssistantID,
		rec.From, rec.To, rec.Duration, rec.Status, rec.HangupCause,
		rec.StartAt, rec.AnswerAt, rec.EndAt, rec.RecordingURL, rec.Source, rec.Provider, contact)
	if err != nil {
		return false, fmt.Errorf("calls: insert hangup: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// SetRecordingURL attaches the recording once the provider uploads it.
// Recording callbacks can outrun or trail the hangup; an unmatched
// callback reports false so the handler can log it.
func (s *Store) SetRecordingURL(ctx context.Context, callUUID, recordingURL string) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE hangup_records SET recording_url = $2 WHERE call_uuid = $1`,
		callUUID, recordingURL)
	if err != nil {
		return false, fmt.Errorf("calls: set recording url: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetHangup(ctx context.Context, callUUID string) (*HangupRecord, error) {
	row := s.pool.QueryRow(ctx, selectHangupColumns+` WHERE call_uuid = $1`, callUUID)
	rec, err := scanHangup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	return rec, nil
}

const selectHangupColumns = `
	SELECT call_uuid, tenant_id, campaign_id, assistant_id, from_number, to_number,
	       duration, status, hangup_cause, start_at, answer_at, end_at,
	       recording_url, source, provider, contact, created_at
	FROM hangup_records
`

// ReportPage is one page of a campaign's per-call outcomes.
type ReportPage struct {
	Records    []HangupRecord `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ListHangupsByCampaign pages through a campaign's hangup records in
// insertion order. The cursor is "<unix-nanos>|<call_uuid>" keyset state;
// empty means start from the beginning.
func (s *Store) ListHangupsByCampaign(ctx context.Context, campaignID, cursor string, limit int, statusFilter string) (*ReportPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	afterAt, afterUUID, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	query := selectHangupColumns + `
		WHERE campaign_id = $1
		  AND (created_at, call_uuid) > ($2, $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY created_at, call_uuid
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, query, campaignID, afterAt, afterUUID, statusFilter, limit+1)
	if err != nil {
		return nil, fmt.Errorf("calls: list hangups: %w", err)
	}
	defer rows.Close()

	records := make([]HangupRecord, 0, limit)
	for rows.Next() {
		rec, err := scanHangup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: list hangups rows: %w", err)
	}

	page := &ReportPage{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		last := page.Records[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.CallUUID)
	}
	return page, nil
}

// CampaignCallTotals sums a campaign's recorded calls for report headers.
func (s *Store) CampaignCallTotals(ctx context.Context, campaignID string) (int, int64, error) {
	var count int
	var duration int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration), 0) FROM hangup_records WHERE campaign_id = $1`,
		campaignID).Scan(&count, &duration)
	if err != nil {
		return 0, 0, fmt.Errorf("calls: campaign call totals: %w", err)
	}
	return count, duration, nil
}

func encodeCursor(at time.Time, callUUID string) string {
	return fmt.Sprintf("%d|%s", at.UTC().UnixNano(), callUUID)
}

func decodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	nanosStr, callUUID, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("calls: malformed cursor %q", cursor)
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("calls: malformed cursor %q", cursor)
	}
	return time.Unix(0, nanos).UTC(), callUUID, nil
}

func scanHangup(row pgx.Row) (*HangupRecord, error) {
	var rec HangupRecord
	var recordingURL *string
	err := row.Scan(&rec.CallUUID, &rec.TenantID, &rec.CampaignID, &rec.AssistantID,
		&rec.From, &rec.To, &rec.Duration, &rec.Status, &rec.HangupCause,
		&rec.StartAt, &rec.AnswerAt, &rec.EndAt, &recordingURL, &rec.Source,
		&rec.Provider, &rec.Contact, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("calls: scan hangup: %w", err)
	}
	if recordingURL != nil {
		rec.RecordingURL = *recordingURL
	}
	return &rec, nil
}
