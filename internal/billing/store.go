package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists billing details and the history ledger.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// InsertDetail writes the per-call credit record at most once. Returns
// false when a detail already existed for the call, signalling the
// caller to skip the balance deduction too.
func (s *Store) InsertDetail(ctx context.Context, q Querier, d Detail) (bool, error) {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO billing_details (call_uuid, tenant_id, call_type, duration,
			from_number, to_number, credits, ai_credits, telephony_credits,
			campaign_id, campaign_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''))
		ON CONFLICT (call_uuid) DO NOTHING
	`
	ct, err := q.Exec(ctx, query, d.CallUUID, d.TenantID, d.CallType, d.Duration,
		d.From, d.To, d.Credits, d.AICredits, d.TelephonyCredits, d.CampaignID, d.CampaignName)
	if err != nil {
		return false, fmt.Errorf("billing: insert detail: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// InsertHistory appends a ledger entry.
func (s *Store) InsertHistory(ctx context.Context, q Querier, e HistoryEntry) error {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO billing_history (tenant_id, balance_count, new_available_balance,
			description, transaction_type, campaign_id, call_uuid, call_count)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, 0))
	`
	_, err := q.Exec(ctx, query, e.TenantID, e.BalanceCount, e.NewAvailableBalance,
		e.Description, e.TransactionType, e.CampaignID, e.CallUUID, e.CallCount)
	if err != nil {
		return fmt.Errorf("billing: insert history: %w", err)
	}
	return nil
}

const selectDetailColumns = `
	SELECT call_uuid, tenant_id, call_type, duration, from_number, to_number,
	       credits, ai_credits, telephony_credits,
	       COALESCE(campaign_id, ''), COALESCE(campaign_name, ''), aggregated, created_at
	FROM billing_details
`

// DetailPage is one page of a tenant's per-call credit records.
type DetailPage struct {
	Calls      []Detail `json:"calls"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// ListDetailsByTenant pages a tenant's billing details newest-first. The
// cursor is "<unix-nanos>|<call_uuid>" keyset state.
func (s *Store) ListDetailsByTenant(ctx context.Context, tenantID, cursor string, limit int) (*DetailPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	beforeAt, beforeUUID, err := decodeDetailCursor(cursor)
	if err != nil {
		return nil, err
	}

	query := selectDetailColumns + `
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, call_uuid) < ($2, $3))
		ORDER BY created_at DESC, call_uuid DESC
		LIMIT $4
	`
	var beforeArg any
	if !beforeAt.IsZero() {
		beforeArg = beforeAt
	}
	rows, err := s.pool.Query(ctx, query, tenantID, beforeArg, beforeUUID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("billing: list details: %w", err)
	}
	defer rows.Close()

	details := make([]Detail, 0, limit)
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		details = append(details, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: list details rows: %w", err)
	}

	page := &DetailPage{Calls: details}
	if len(details) > limit {
		page.Calls = details[:limit]
		last := page.Calls[limit-1]
		page.NextCursor = fmt.Sprintf("%d|%s", last.CreatedAt.UTC().UnixNano(), last.CallUUID)
	}
	return page, nil
}

// ListHistoryByTenant returns the ledger newest-first.
func (s *Store) ListHistoryByTenant(ctx context.Context, tenantID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, balance_count, new_available_balance, description,
		       transaction_type, COALESCE(campaign_id, ''), COALESCE(call_uuid, ''),
		       COALESCE(call_count, 0), created_at
		FROM billing_history
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("billing: list history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.BalanceCount, &e.NewAvailableBalance,
			&e.Description, &e.TransactionType, &e.CampaignID, &e.CallUUID,
			&e.CallCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: history rows: %w", err)
	}
	return entries, nil
}

// CampaignTotals sums a campaign's billed calls for the aggregate ledger
// entry at campaign end.
func (s *Store) CampaignTotals(ctx context.Context, q Querier, campaignID string) (credits int64, callCount int, err error) {
	if q == nil {
		q = s.pool
	}
	err = q.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits), 0), COUNT(*)
		FROM billing_details
		WHERE campaign_id = $1 AND call_type = $2
	`, campaignID, TypeCampaign).Scan(&credits, &callCount)
	if err != nil {
		return 0, 0, fmt.Errorf("billing: campaign totals: %w", err)
	}
	return credits, callCount, nil
}

// SweepIncoming marks a tenant's unaggregated incoming details as
// aggregated and returns their totals, all in the caller's transaction.
func (s *Store) SweepIncoming(ctx context.Context, q Querier, tenantID string) (credits int64, callCount int, err error) {
	if q == nil {
		q = s.pool
	}
	err = q.QueryRow(ctx, `
		WITH swept AS (
			UPDATE billing_details
			SET aggregated = true
			WHERE tenant_id = $1 AND call_type = $2 AND aggregated = false
			RETURNING credits
		)
		SELECT COALESCE(SUM(credits), 0), COUNT(*) FROM swept
	`, tenantID, TypeIncoming).Scan(&credits, &callCount)
	if err != nil {
		return 0, 0, fmt.Errorf("billing: sweep incoming: %w", err)
	}
	return credits, callCount, nil
}

func scanDetail(row pgx.Row) (*Detail, error) {
	var d Detail
	err := row.Scan(&d.CallUUID, &d.TenantID, &d.CallType, &d.Duration, &d.From, &d.To,
		&d.Credits, &d.AICredits, &d.TelephonyCredits, &d.CampaignID, &d.CampaignName,
		&d.Aggregated, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("billing: scan detail: %w", err)
	}
	return &d, nil
}

func decodeDetailCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	nanosStr, callUUID, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("billing: malformed cursor %q", cursor)
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("billing: malformed cursor %q", cursor)
	}
	return time.Unix(0, nanos).UTC(), callUUID, nil
}
