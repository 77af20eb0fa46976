package calls

import "time"

// Status is the lifecycle phase of a tracked call. Phases only move
// forward; a late webhook for an earlier phase is dropped.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusCallEnded Status = "call-ended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the call has released its concurrency slot.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Sentinel campaign ids mark calls that did not come from a campaign
// dial loop. They flow through the same call and billing tables.
const (
	CampaignIncoming = "incoming"
	CampaignTestCall = "testcall"
	CampaignAPICall  = "api-call"
)

// IsSentinelCampaign reports whether the id is one of the reserved
// non-campaign markers.
func IsSentinelCampaign(campaignID string) bool {
	switch campaignID {
	case CampaignIncoming, CampaignTestCall, CampaignAPICall:
		return true
	}
	return false
}

// ActiveCall tracks one call from reservation to hangup. The row doubles
// as the concurrency slot: live phases occupy a slot, terminal phases
// release it.
type ActiveCall struct {
	CallUUID       string            `json:"call_uuid"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	TenantID       string            `json:"tenant_id"`
	CampaignID     string            `json:"campaign_id"`
	From           string            `json:"from_number"`
	To             string            `json:"to_number"`
	Status         Status            `json:"status"`
	Provider       string            `json:"provider"`
	AssistantID    string            `json:"assistant_id,omitempty"`
	Contact        map[string]string `json:"contact,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	RingAt         *time.Time        `json:"ring_at,omitempty"`
	StreamStartAt  *time.Time        `json:"stream_start_at,omitempty"`
	EndAt          *time.Time        `json:"end_at,omitempty"`
}
