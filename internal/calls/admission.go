package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voicelane/voicelane/pkg/logging"
)

// admissionLockID is the advisory lock key that serializes slot
// reservations across every container sharing the database.
const admissionLockID int64 = 742001

var (
	// ErrTenantSaturated means the tenant is at its concurrent-call cap.
	ErrTenantSaturated = errors.New("calls: tenant concurrency limit reached")
	// ErrGlobalSaturated means the platform is at its global cap.
	ErrGlobalSaturated = errors.New("calls: global concurrency limit reached")
)

var liveStatuses = []string{string(StatusProcessed), string(StatusRinging), string(StatusOngoing)}

type AdmissionConfig struct {
	GlobalMaxCalls int
	RetryDelay     time.Duration
	Timeout        time.Duration
}

// Admission hands out concurrency slots. A slot is an active_calls row
// in a live status; the count check and the insert happen inside one
// advisory-locked transaction so concurrent dialers cannot both take
// the last slot.
type Admission struct {
	pool   PgxPool
	cfg    AdmissionConfig
	logger *logging.Logger
}

func NewAdmission(pool PgxPool, cfg AdmissionConfig, logger *logging.Logger) *Admission {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.GlobalMaxCalls <= 0 {
		cfg.GlobalMaxCalls = 500
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Admission{pool: pool, cfg: cfg, logger: logger}
}

// Reserve inserts the call once a slot is free for both the tenant and
// the platform. It retries while saturated and gives up with the last
// saturation error after the admission timeout.
func (a *Admission) Reserve(ctx context.Context, call ActiveCall, tenantCap int) error {
	deadline := time.Now().Add(a.cfg.Timeout)
	for {
		ok, reason, err := a.tryReserve(ctx, call, tenantCap)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().Add(a.cfg.RetryDelay).After(deadline) {
			return reason
		}
		a.logger.Debug("calls: admission saturated, waiting",
			"tenant_id", call.TenantID,
			"call_uuid", call.CallUUID,
			"reason", reason.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.RetryDelay):
		}
	}
}

func (a *Admission) tryReserve(ctx context.Context, call ActiveCall, tenantCap int) (bool, error, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("calls: admission begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockID); err != nil {
		return false, nil, fmt.Errorf("calls: admission lock: %w", err)
	}

	var tenantLive, globalLive int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE tenant_id = $1), COUNT(*)
		FROM active_calls
		WHERE status = ANY($2)
	`, call.TenantID, liveStatuses).Scan(&tenantLive, &globalLive)
	if err != nil {
		return false, nil, fmt.Errorf("calls: admission count: %w", err)
	}

	if tenantCap > 0 && tenantLive >= tenantCap {
		return false, ErrTenantSaturated, nil
	}
	if globalLive >= a.cfg.GlobalMaxCalls {
		return false, ErrGlobalSaturated, nil
	}

	if err := insertCall(ctx, tx, call); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("calls: admission commit: %w", err)
	}
	return true, nil, nil
}
