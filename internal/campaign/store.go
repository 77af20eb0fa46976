package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrCampaignNotFound is returned when no campaign matches the lookup.
	ErrCampaignNotFound = errors.New("campaign: campaign not found")
	// ErrNameTaken means the tenant already has a campaign by that name.
	ErrNameTaken = errors.New("campaign: name already in use for tenant")
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

// Store persists campaigns. Every status transition is a conditional
// UPDATE guarded on the from-status, so racing controllers resolve to
// exactly one winner without locks.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const selectCampaignColumns = `
	SELECT campaign_id, tenant_id, name, list_id, from_number, bot_ws_url,
	       COALESCE(provider, ''), status, current_index, total_contacts,
	       processed_contacts, connected_calls, failed_calls,
	       heartbeat, last_activity, COALESCE(container_id, ''),
	       scheduled_at, paused_at, COALESCE(paused_by, ''), COALESCE(pause_reason, ''),
	       resumed_at, cancelled_at, completed_at, COALESCE(error_message, ''),
	       balance_updated, billing_processed_at, created_at, updated_at
	FROM campaigns
`

func (s *Store) Create(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (campaign_id, tenant_id, name, list_id, from_number,
			bot_ws_url, provider, status, total_contacts, container_id, heartbeat, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''),
			CASE WHEN $8 = 'running' THEN now() END, $11)
	`
	_, err := s.pool.Exec(ctx, query, c.ID, c.TenantID, c.Name, c.ListID, c.FromNumber,
		c.BotWSURL, c.Provider, string(c.Status), c.TotalContacts, c.ContainerID, c.ScheduledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNameTaken
		}
		return fmt.Errorf("campaign: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	return scanCampaign(s.pool.QueryRow(ctx, selectCampaignColumns+` WHERE campaign_id = $1`, campaignID))
}

// GetStatus is the light status re-read the dial loop does before every
// contact. Deliberately not cached.
func (s *Store) GetStatus(ctx context.Context, campaignID string) (Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM campaigns WHERE campaign_id = $1`, campaignID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCampaignNotFound
		}
		return "", fmt.Errorf("campaign: get status: %w", err)
	}
	return Status(status), nil
}

// StartScheduled flips scheduled → running. The CAS makes concurrent
// scheduler ticks start the campaign exactly once.
func (s *Store) StartScheduled(ctx context.Context, campaignID, containerID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, container_id = $3, heartbeat = now(), updated_at = now()
		WHERE campaign_id = $1 AND status = $4
	`, campaignID, string(StatusRunning), containerID, string(StatusScheduled))
	if err != nil {
		return false, fmt.Errorf("campaign: start scheduled: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Resume flips paused → running.
func (s *Store) Resume(ctx context.Context, campaignID, containerID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, container_id = $3, heartbeat = now(), resumed_at = now(),
		    pause_reason = NULL, paused_by = NULL, updated_at = now()
		WHERE campaign_id = $1 AND status = $4
	`, campaignID, string(StatusRunning), containerID, string(StatusPaused))
	if err != nil {
		return false, fmt.Errorf("campaign: resume: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Pause flips running → paused and clears the heartbeat so no scanner
// mistakes the campaign for an orphan.
func (s *Store) Pause(ctx context.Context, campaignID, pausedBy, reason string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, paused_at = now(), paused_by = $3, pause_reason = $4,
		    heartbeat = NULL, container_id = NULL, updated_at = now()
		WHERE campaign_id = $1 AND status = $5
	`, campaignID, string(StatusPaused), pausedBy, reason, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("campaign: pause: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Cancel ends the campaign from any non-terminal state.
func (s *Store) Cancel(ctx context.Context, campaignID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, cancelled_at = now(), heartbeat = NULL, container_id = NULL, updated_at = now()
		WHERE campaign_id = $1 AND status = ANY($3)
	`, campaignID, string(StatusCancelled),
		[]string{string(StatusScheduled), string(StatusRunning), string(StatusPaused)})
	if err != nil {
		return false, fmt.Errorf("campaign: cancel: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Complete flips running → completed.
func (s *Store) Complete(ctx context.Context, campaignID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, completed_at = now(), heartbeat = NULL, container_id = NULL, updated_at = now()
		WHERE campaign_id = $1 AND status = $3
	`, campaignID, string(StatusCompleted), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("campaign: complete: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Fail flips running → failed and records why.
func (s *Store) Fail(ctx context.Context, campaignID, errorMessage string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, error_message = $3, heartbeat = NULL, container_id = NULL, updated_at = now()
		WHERE campaign_id = $1 AND status = $4
	`, campaignID, string(StatusFailed), errorMessage, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("campaign: fail: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// PersistIndex checkpoints the loop position without touching counters.
// Written when the loop exits early so a resume picks up exactly here.
func (s *Store) PersistIndex(ctx context.Context, campaignID string, index int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET current_index = GREATEST(current_index, $2), last_activity = now(), updated_at = now()
		WHERE campaign_id = $1
	`, campaignID, index)
	if err != nil {
		return fmt.Errorf("campaign: persist index: %w", err)
	}
	return nil
}

// RecordDialResult advances the loop past one contact and bumps the
// outcome counter. GREATEST keeps the index monotonic even if a stale
// runner lingers after an orphan takeover.
func (s *Store) RecordDialResult(ctx context.Context, campaignID string, nextIndex int, connected bool) error {
	column := "failed_calls"
	if connected {
		column = "connected_calls"
	}
	query := fmt.Sprintf(`
		UPDATE campaigns
		SET current_index = GREATEST(current_index, $2),
		    processed_contacts = processed_contacts + 1,
		    %s = %s + 1,
		    last_activity = now(), updated_at = now()
		WHERE campaign_id = $1
	`, column, column)
	if _, err := s.pool.Exec(ctx, query, campaignID, nextIndex); err != nil {
		return fmt.Errorf("campaign: record dial result: %w", err)
	}
	return nil
}

// Heartbeat stamps liveness. Guarded on running: a campaign paused
// between ticks must not get its heartbeat resurrected.
func (s *Store) Heartbeat(ctx context.Context, campaignID, containerID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET heartbeat = now(), container_id = $2, updated_at = now()
		WHERE campaign_id = $1 AND status = $3
	`, campaignID, containerID, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("campaign: heartbeat: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ClearHeartbeatsForContainer nulls the heartbeats of every campaign this
// container runs, keeping them running so peers adopt them. The SIGTERM
// handoff.
func (s *Store) ClearHeartbeatsForContainer(ctx context.Context, containerID string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET heartbeat = NULL, updated_at = now()
		WHERE container_id = $1 AND status = $2
	`, containerID, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("campaign: clear heartbeats: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Orphans lists running campaigns whose heartbeat went stale or null —
// their runner died without a handoff.
func (s *Store) Orphans(ctx context.Context, threshold time.Duration) ([]Campaign, error) {
	query := selectCampaignColumns + `
		WHERE status = $1 AND (heartbeat IS NULL OR heartbeat < now() - $2::interval)
		ORDER BY created_at
	`
	return s.list(ctx, query, string(StatusRunning), intervalArg(threshold))
}

// Adopt CASes an orphan onto this container. The staleness check inside
// the UPDATE loses gracefully when a peer adopted first or the campaign
// got paused meanwhile.
func (s *Store) Adopt(ctx context.Context, campaignID, containerID string, threshold time.Duration) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET container_id = $2, heartbeat = now(), updated_at = now()
		WHERE campaign_id = $1 AND status = $3
		  AND (heartbeat IS NULL OR heartbeat < now() - $4::interval)
	`, campaignID, containerID, string(StatusRunning), intervalArg(threshold))
	if err != nil {
		return false, fmt.Errorf("campaign: adopt: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// DueScheduled lists campaigns whose scheduled time has arrived.
func (s *Store) DueScheduled(ctx context.Context, now time.Time) ([]Campaign, error) {
	query := selectCampaignColumns + `
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at
	`
	return s.list(ctx, query, string(StatusScheduled), now)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Campaign, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign: list: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign: list rows: %w", err)
	}
	return out, nil
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.ListID, &c.FromNumber, &c.BotWSURL,
		&c.Provider, &status, &c.CurrentIndex, &c.TotalContacts,
		&c.ProcessedContacts, &c.ConnectedCalls, &c.FailedCalls,
		&c.Heartbeat, &c.LastActivity, &c.ContainerID,
		&c.ScheduledAt, &c.PausedAt, &c.PausedBy, &c.PauseReason,
		&c.ResumedAt, &c.CancelledAt, &c.CompletedAt, &c.ErrorMessage,
		&c.BalanceUpdated, &c.BillingProcessedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("campaign: scan: %w", err)
	}
	c.Status = Status(status)
	return &c, nil
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
