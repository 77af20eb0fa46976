package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTenantNotFound is returned when no tenant matches the lookup.
var ErrTenantNotFound = errors.New("tenants: tenant not found")

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

// Store persists tenant state in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (tenant_id, available_balance, max_concurrent_calls, caller_numbers)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_concurrent_calls = EXCLUDED.max_concurrent_calls,
			caller_numbers = EXCLUDED.caller_numbers,
			updated_at = now()
	`
	numbers := t.CallerNumbers
	if numbers == nil {
		numbers = []string{}
	}
	if _, err := s.pool.Exec(ctx, query, t.ID, t.AvailableBalance, t.MaxConcurrentCalls, numbers); err != nil {
		return fmt.Errorf("tenants: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT tenant_id, available_balance, max_concurrent_calls, caller_numbers,
		       last_incoming_aggregation_at, created_at, updated_at
		FROM tenants
		WHERE tenant_id = $1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, tenantID))
}

// FindByCallerNumber resolves the tenant owning an inbound callee number,
// trying every stored form of the number.
func (s *Store) FindByCallerNumber(ctx context.Context, number string) (*Tenant, error) {
	variants := NumberVariants(number)
	if len(variants) == 0 {
		return nil, ErrTenantNotFound
	}
	query := `
		SELECT tenant_id, available_balance, max_concurrent_calls, caller_numbers,
		       last_incoming_aggregation_at, created_at, updated_at
		FROM tenants
		WHERE caller_numbers ?| $1
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, variants))
}

// Balance reads the current available balance without loading the row.
func (s *Store) Balance(ctx context.Context, tenantID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT available_balance FROM tenants WHERE tenant_id = $1`, tenantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, fmt.Errorf("tenants: balance: %w", err)
	}
	return balance, nil
}

// AdjustBalance applies a signed delta and returns the post-image balance.
// Callers hand in their transaction so the adjustment commits atomically
// with whatever made it necessary.
func (s *Store) AdjustBalance(ctx context.Context, q Querier, tenantID string, delta int64) (int64, error) {
	if q == nil {
		q = s.pool
	}
	var balance int64
	query := `
		UPDATE tenants
		SET available_balance = available_balance + $2, updated_at = now()
		WHERE tenant_id = $1
		RETURNING available_balance
	`
	if err := q.QueryRow(ctx, query, tenantID, delta).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, fmt.Errorf("tenants: adjust balance: %w", err)
	}
	return balance, nil
}

// ClaimIncomingAggregation advances the incoming-call aggregation watermark
// if the previous one is at least as old as cutoff. Only the claimant that
// wins the conditional update runs the aggregation.
func (s *Store) ClaimIncomingAggregation(ctx context.Context, q Querier, tenantID string, now, cutoff time.Time) (bool, error) {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE tenants
		SET last_incoming_aggregation_at = $2, updated_at = now()
		WHERE tenant_id = $1
		  AND (last_incoming_aggregation_at IS NULL OR last_incoming_aggregation_at <= $3)
	`
	ct, err := q.Exec(ctx, query, tenantID, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("tenants: claim incoming aggregation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) scanOne(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.AvailableBalance, &t.MaxConcurrentCalls, &t.CallerNumbers,
		&t.LastIncomingAggregationAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenants: scan: %w", err)
	}
	return &t, nil
}
