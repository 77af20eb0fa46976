// Package campaign owns the dialing jobs: their state machine, the dial
// loop that works through a contact list, the heartbeat protocol that
// lets one container pick up another's crashed campaigns, and the
// scheduler that starts campaigns at their appointed time.
package campaign

import "time"

// Status is a campaign's lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the campaign can never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Pause reasons. Manual pauses come from the API; the runner pauses
// itself on exhausted credits or sustained platform saturation.
const (
	PauseReasonManual              = "manual"
	PauseReasonInsufficientBalance = "insufficient_balance"
	PauseReasonSystemOverloaded    = "system_overloaded"
)

// legalTransitions is the state machine. Anything absent is rejected.
var legalTransitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCancelled, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Campaign is one durable dialing job. CurrentIndex is the next contact
// to dial; it only moves forward, and it is the single source of truth a
// resuming or adopting runner starts from.
type Campaign struct {
	ID         string `json:"campaign_id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	ListID     string `json:"list_id"`
	FromNumber string `json:"from_number"`
	BotWSURL   string `json:"bot_ws_url"`
	Provider   string `json:"provider,omitempty"`
	Status     Status `json:"status"`

	CurrentIndex      int `json:"current_index"`
	TotalContacts     int `json:"total_contacts"`
	ProcessedContacts int `json:"processed_contacts"`
	ConnectedCalls    int `json:"connected_calls"`
	FailedCalls       int `json:"failed_calls"`

	Heartbeat    *time.Time `json:"heartbeat,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	ContainerID  string     `json:"container_id,omitempty"`

	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	PausedBy     string     `json:"paused_by,omitempty"`
	PauseReason  string     `json:"pause_reason,omitempty"`
	ResumedAt    *time.Time `json:"resumed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	BalanceUpdated     bool       `json:"balance_updated"`
	BillingProcessedAt *time.Time `json:"billing_processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is the live view exposed to the collaborator API.
type Progress struct {
	CampaignID        string         `json:"campaign_id"`
	Status            Status         `json:"status"`
	TotalContacts     int            `json:"total_contacts"`
	ProcessedContacts int            `json:"processed_contacts"`
	ConnectedCalls    int            `json:"connected_calls"`
	FailedCalls       int            `json:"failed_calls"`
	CallCounts        map[string]int `json:"call_counts"`
	PauseReason       string         `json:"pause_reason,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}
