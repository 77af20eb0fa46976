package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrCallNotFound is returned when no call matches the lookup.
var ErrCallNotFound = errors.New("calls: call not found")

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

// Store persists call tracking state in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const selectCallColumns = `
	SELECT call_uuid, provider_call_id, tenant_id, campaign_id, from_number, to_number,
	       status, provider, assistant_id, contact, created_at, ring_at, stream_start_at, end_at
	FROM active_calls
`

// InsertDirect records a call without admission control. Incoming calls
// land here; the provider already owns their concurrency.
func (s *Store) InsertDirect(ctx context.Context, q Querier, call ActiveCall) error {
	if q == nil {
		q = s.pool
	}
	return insertCall(ctx, q, call)
}

func insertCall(ctx context.Context, q Querier, call ActiveCall) error {
	if call.Status == "" {
		call.Status = StatusProcessed
	}
	contact := call.Contact
	if contact == nil {
		contact = map[string]string{}
	}
	query := `
		INSERT INTO active_calls (call_uuid, provider_call_id, tenant_id, campaign_id,
			from_number, to_number, status, provider, assistant_id, contact)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query, call.CallUUID, call.ProviderCallID, call.TenantID, call.CampaignID,
		call.From, call.To, string(call.Status), call.Provider, call.AssistantID, contact)
	if err != nil {
		return fmt.Errorf("calls: insert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, callUUID string) (*ActiveCall, error) {
	row := s.pool.QueryRow(ctx, selectCallColumns+` WHERE call_uuid = $1`, callUUID)
	return scanCall(row)
}

// ByProviderCallID correlates a provider-issued id back to our call.
func (s *Store) ByProviderCallID(ctx context.Context, providerCallID string) (*ActiveCall, error) {
	row := s.pool.QueryRow(ctx, selectCallColumns+` WHERE provider_call_id = $1`, providerCallID)
	return scanCall(row)
}

// SetProviderCallID stores the id the provider returned for a dial.
func (s *Store) SetProviderCallID(ctx context.Context, callUUID, providerCallID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE active_calls SET provider_call_id = $2 WHERE call_uuid = $1`,
		callUUID, providerCallID)
	if err != nil {
		return fmt.Errorf("calls: set provider call id: %w", err)
	}
	return nil
}

// MarkRinging advances the call to ringing. Returns false when the call
// already moved past ringing, which is how late webhooks get dropped.
func (s *Store) MarkRinging(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE active_calls
		SET status = $2, ring_at = COALESCE(ring_at, $3)
		WHERE call_uuid = $1 AND status = $4
	`, callUUID, string(StatusRinging), at, string(StatusProcessed))
	if err != nil {
		return false, fmt.Errorf("calls: mark ringing: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MarkOngoing advances the call to ongoing when the media stream starts.
func (s *Store) MarkOngoing(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE active_calls
		SET status = $2, stream_start_at = COALESCE(stream_start_at, $3)
		WHERE call_uuid = $1 AND status = ANY($4)
	`, callUUID, string(StatusOngoing), at, []string{string(StatusProcessed), string(StatusRinging)})
	if err != nil {
		return false, fmt.Errorf("calls: mark ongoing: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MarkEnded records that the provider reported hangup. The call leaves
// the live set (its slot frees) but stays non-terminal until billing
// settles it.
func (s *Store) MarkEnded(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE active_calls
		SET status = $2, end_at = COALESCE(end_at, $3)
		WHERE call_uuid = $1 AND status = ANY($4)
	`, callUUID, string(StatusCallEnded), at, liveStatuses)
	if err != nil {
		return false, fmt.Errorf("calls: mark ended: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Finish moves the call to a terminal status.
func (s *Store) Finish(ctx context.Context, q Querier, callUUID string, status Status, at time.Time) (bool, error) {
	if q == nil {
		q = s.pool
	}
	if !status.Terminal() {
		return false, fmt.Errorf("calls: finish with non-terminal status %q", status)
	}
	ct, err := q.Exec(ctx, `
		UPDATE active_calls
		SET status = $2, end_at = COALESCE(end_at, $3)
		WHERE call_uuid = $1 AND status = ANY($4)
	`, callUUID, string(status), at,
		[]string{string(StatusProcessed), string(StatusRinging), string(StatusOngoing), string(StatusCallEnded)})
	if err != nil {
		return false, fmt.Errorf("calls: finish: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// CountsByCampaign groups the campaign's calls by status.
func (s *Store) CountsByCampaign(ctx context.Context, campaignID string) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM active_calls WHERE campaign_id = $1 GROUP BY status`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("calls: counts by campaign: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("calls: scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: counts rows: %w", err)
	}
	return counts, nil
}

// FailStale force-fails live calls older than the threshold. Crashed
// containers leak reservations; this is how the slots come back.
func (s *Store) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE active_calls
		SET status = $1, end_at = now()
		WHERE status = ANY($2) AND created_at < now() - $3::interval
	`, string(StatusFailed),
		[]string{string(StatusProcessed), string(StatusRinging), string(StatusOngoing), string(StatusCallEnded)},
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("calls: fail stale: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanCall(row pgx.Row) (*ActiveCall, error) {
	var c ActiveCall
	var providerCallID *string
	var status string
	err := row.Scan(&c.CallUUID, &providerCallID, &c.TenantID, &c.CampaignID, &c.From, &c.To,
		&status, &c.Provider, &c.AssistantID, &c.Contact, &c.CreatedAt, &c.RingAt, &c.StreamStartAt, &c.EndAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("calls: scan: %w", err)
	}
	if providerCallID != nil {
		c.ProviderCallID = *providerCallID
	}
	c.Status = Status(status)
	return &c, nil
}
