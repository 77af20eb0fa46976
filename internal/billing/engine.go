package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/tenants"
	"github.com/voicelane/voicelane/pkg/logging"
)

// BalancePublisher fans a post-deduction balance out to subscribers.
// Publishing is fire-and-forget; billing never fails on a push error.
type BalancePublisher interface {
	Publish(ctx context.Context, tenantID string, balance int64, reason string)
}

// Outcome reports what one hangup cost. Duplicate means a detail already
// existed for the call and nothing was charged.
type Outcome struct {
	Duplicate  bool   `json:"duplicate"`
	CallType   string `json:"call_type"`
	Credits    int64  `json:"credits"`
	NewBalance int64  `json:"new_balance"`
	TenantID   string `json:"tenant_id"`
}

// Engine charges completed calls. One entry point, three call shapes:
// campaign calls defer their ledger entry to campaign end, incoming
// calls coalesce hourly, everything else is billed and ledgered on the
// spot.
type Engine struct {
	pool    PgxPool
	store   *Store
	tenants *tenants.Store
	stream  BalancePublisher
	logger  *logging.Logger

	incomingWindow time.Duration
}

func NewEngine(pool PgxPool, store *Store, tenantStore *tenants.Store, stream BalancePublisher, incomingWindow time.Duration, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if incomingWindow <= 0 {
		incomingWindow = time.Hour
	}
	return &Engine{
		pool:           pool,
		store:          store,
		tenants:        tenantStore,
		stream:         stream,
		logger:         logger,
		incomingWindow: incomingWindow,
	}
}

// ProcessHangup bills one terminated call: resolve the tenant, charge
// duration seconds as credits, record the detail. Detail insert and
// balance deduction commit together; a pre-existing detail short-circuits
// the whole thing, which is what makes duplicate webhooks free.
func (e *Engine) ProcessHangup(ctx context.Context, rec calls.HangupRecord) (Outcome, error) {
	callType := TypeForCampaignID(rec.CampaignID)

	tenantID := rec.TenantID
	if callType == TypeIncoming && tenantID == "" {
		t, err := e.tenants.FindByCallerNumber(ctx, rec.To)
		if err != nil {
			return Outcome{}, fmt.Errorf("billing: resolve incoming tenant for %s: %w", rec.To, err)
		}
		tenantID = t.ID
	}
	if tenantID == "" {
		return Outcome{}, fmt.Errorf("billing: hangup %s carries no tenant", rec.CallUUID)
	}

	credits := int64(rec.Duration)

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("billing: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := e.store.InsertDetail(ctx, tx, Detail{
		CallUUID:   rec.CallUUID,
		TenantID:   tenantID,
		CallType:   callType,
		Duration:   rec.Duration,
		From:       rec.From,
		To:         rec.To,
		Credits:    credits,
		CampaignID: campaignIDForDetail(rec.CampaignID),
	})
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		e.logger.Info("billing: duplicate hangup skipped",
			"call_uuid", rec.CallUUID,
			"tenant_id", tenantID)
		return Outcome{Duplicate: true, CallType: callType, TenantID: tenantID}, nil
	}

	newBalance, err := e.tenants.AdjustBalance(ctx, tx, tenantID, -credits)
	if err != nil {
		return Outcome{}, err
	}

	// Campaign calls get one aggregate entry at campaign end; incoming
	// entries coalesce on the history read path.
	if callType == TypeTestCall || callType == TypeAPICall {
		if err := e.store.InsertHistory(ctx, tx, HistoryEntry{
			TenantID:            tenantID,
			BalanceCount:        -credits,
			NewAvailableBalance: newBalance,
			Description:         fmt.Sprintf("%s call to %s (%ds)", callType, rec.To, rec.Duration),
			TransactionType:     TransactionDebit,
			CallUUID:            rec.CallUUID,
		}); err != nil {
			return Outcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("billing: commit: %w", err)
	}

	if e.stream != nil {
		e.stream.Publish(ctx, tenantID, newBalance, "call_charge")
	}
	e.logger.Info("billing: call charged",
		"call_uuid", rec.CallUUID,
		"tenant_id", tenantID,
		"call_type", callType,
		"credits", credits,
		"new_balance", newBalance)

	return Outcome{
		CallType:   callType,
		Credits:    credits,
		NewBalance: newBalance,
		TenantID:   tenantID,
	}, nil
}

// CampaignRef identifies the campaign being finalized.
type CampaignRef struct {
	CampaignID string
	TenantID   string
	Name       string
}

// FinalizeCampaign writes the single aggregate ledger entry for a
// terminated campaign. The balance_updated CAS makes it exactly-once:
// the first finalizer flips the flag and writes, every later attempt
// sees zero rows and no-ops.
func (e *Engine) FinalizeCampaign(ctx context.Context, ref CampaignRef) (bool, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("billing: finalize begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET balance_updated = true, billing_processed_at = now(), updated_at = now()
		WHERE campaign_id = $1 AND balance_updated = false
	`, ref.CampaignID)
	if err != nil {
		return false, fmt.Errorf("billing: finalize cas: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	credits, callCount, err := e.store.CampaignTotals(ctx, tx, ref.CampaignID)
	if err != nil {
		return false, err
	}

	balance, err := e.tenants.AdjustBalance(ctx, tx, ref.TenantID, 0)
	if err != nil {
		return false, err
	}

	if err := e.store.InsertHistory(ctx, tx, HistoryEntry{
		TenantID:            ref.TenantID,
		BalanceCount:        -credits,
		NewAvailableBalance: balance,
		Description:         fmt.Sprintf("Campaign %s: %d calls, %d credits", ref.Name, callCount, credits),
		TransactionType:     TransactionDebit,
		CampaignID:          ref.CampaignID,
		CallCount:           callCount,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("billing: finalize commit: %w", err)
	}

	e.logger.Info("billing: campaign finalized",
		"campaign_id", ref.CampaignID,
		"tenant_id", ref.TenantID,
		"credits", credits,
		"call_count", callCount)
	return true, nil
}

// AggregateIncoming coalesces a tenant's unledgered incoming calls into
// one history entry when the aggregation window has elapsed. Invoked
// lazily from the history read path. Returns whether an aggregation ran.
func (e *Engine) AggregateIncoming(ctx context.Context, tenantID string) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-e.incomingWindow)

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("billing: aggregate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	claimed, err := e.tenants.ClaimIncomingAggregation(ctx, tx, tenantID, now, cutoff)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	credits, callCount, err := e.store.SweepIncoming(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}
	if callCount == 0 {
		// Nothing billed since the last sweep; the advanced watermark
		// still commits so the next read does not retry immediately.
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("billing: aggregate commit: %w", err)
		}
		return false, nil
	}

	balance, err := e.tenants.AdjustBalance(ctx, tx, tenantID, 0)
	if err != nil {
		return false, err
	}

	if err := e.store.InsertHistory(ctx, tx, HistoryEntry{
		TenantID:            tenantID,
		BalanceCount:        -credits,
		NewAvailableBalance: balance,
		Description:         fmt.Sprintf("Incoming calls: %d calls, %d credits", callCount, credits),
		TransactionType:     TransactionDebit,
		CallCount:           callCount,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("billing: aggregate commit: %w", err)
	}

	e.logger.Info("billing: incoming calls aggregated",
		"tenant_id", tenantID,
		"credits", credits,
		"call_count", callCount)
	return true, nil
}

// campaignIDForDetail keeps real campaign ids on the detail row and
// drops the sentinels, which are call types rather than campaigns.
func campaignIDForDetail(campaignID string) string {
	if calls.IsSentinelCampaign(campaignID) {
		return ""
	}
	return campaignID
}
