// Package billing charges calls against tenant credit balances and keeps
// the ledger: one billing detail per call, human-readable history entries,
// and periodic aggregates for campaigns and incoming traffic.
package billing

import "time"

// Call types, derived from the campaign-id sentinel on the call.
const (
	TypeCampaign = "campaign"
	TypeIncoming = "incoming"
	TypeTestCall = "testcall"
	TypeAPICall  = "api-call"
)

// Ledger transaction directions.
const (
	TransactionDebit  = "Dr"
	TransactionCredit = "Cr"
)

// Detail is the per-call credit record. Exactly one exists per call;
// the call_uuid primary key is the idempotency guard for duplicate
// hangup webhooks.
type Detail struct {
	CallUUID         string    `json:"call_uuid"`
	TenantID         string    `json:"tenant_id"`
	CallType         string    `json:"call_type"`
	Duration         int       `json:"duration"`
	From             string    `json:"from_number"`
	To               string    `json:"to_number"`
	Credits          int64     `json:"credits"`
	AICredits        int64     `json:"ai_credits"`
	TelephonyCredits int64     `json:"telephony_credits"`
	CampaignID       string    `json:"campaign_id,omitempty"`
	CampaignName     string    `json:"campaign_name,omitempty"`
	Aggregated       bool      `json:"aggregated"`
	CreatedAt        time.Time `json:"created_at"`
}

// HistoryEntry is one line of the tenant-facing ledger. BalanceCount is
// the signed delta; NewAvailableBalance snapshots the balance after it
// applied. Campaign calls get one aggregate entry at campaign end;
// incoming calls get coalesced hourly.
type HistoryEntry struct {
	ID                  int64     `json:"id"`
	TenantID            string    `json:"tenant_id"`
	BalanceCount        int64     `json:"balance_count"`
	NewAvailableBalance int64     `json:"new_available_balance"`
	Description         string    `json:"description"`
	TransactionType     string    `json:"transaction_type"`
	CampaignID          string    `json:"campaign_id,omitempty"`
	CallUUID            string    `json:"call_uuid,omitempty"`
	CallCount           int       `json:"call_count,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// TypeForCampaignID maps the campaign-id sentinel to the call type.
func TypeForCampaignID(campaignID string) string {
	switch campaignID {
	case "incoming":
		return TypeIncoming
	case "testcall":
		return TypeTestCall
	case "api-call":
		return TypeAPICall
	default:
		return TypeCampaign
	}
}
