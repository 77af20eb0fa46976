package provider

import (
	"strconv"
	"strings"

	"github.com/voicelane/voicelane/internal/calls"
)

// CallMeta carries what the admission row knew about the call, merged
// into the normalized record when the provider callback omits it.
type CallMeta struct {
	TenantID    string
	CampaignID  string
	AssistantID string
	From        string
	To          string
	Provider    Name
	Contact     map[string]string
}

// Normalize folds a provider hangup event into the provider-agnostic
// terminal record. Pure; it never touches the store.
func Normalize(ev HangupEvent, meta CallMeta) calls.HangupRecord {
	status := normalizeOutcome(ev.Status)
	return calls.HangupRecord{
		CallUUID:     ev.CallUUID,
		TenantID:     meta.TenantID,
		CampaignID:   meta.CampaignID,
		AssistantID:  meta.AssistantID,
		From:         firstNonEmpty(ev.From, meta.From),
		To:           firstNonEmpty(ev.To, meta.To),
		Duration:     normalizeDuration(ev.DurationRaw),
		Status:       status,
		HangupCause:  normalizeHangupCause(ev.HangupCause, ev.SIPCode, status),
		StartAt:      ev.StartAt,
		AnswerAt:     ev.AnswerAt,
		EndAt:        ev.EndAt,
		RecordingURL: ev.RecordingURL,
		Source:       SourceFor(meta.CampaignID),
		Provider:     string(meta.Provider),
		Contact:      meta.Contact,
	}
}

// SourceFor maps the campaign-id sentinel to the record source.
func SourceFor(campaignID string) string {
	switch campaignID {
	case calls.CampaignAPICall:
		return calls.SourceAPI
	case calls.CampaignTestCall:
		return calls.SourceTest
	case calls.CampaignIncoming:
		return calls.SourceInbound
	default:
		return calls.SourceCampaign
	}
}

// normalizeDuration coerces the provider's duration string to integer
// seconds. Anything unparseable or negative becomes 0.
func normalizeDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func normalizeOutcome(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "answered", "answer":
		return calls.OutcomeCompleted
	case "busy":
		return calls.OutcomeBusy
	case "no-answer", "noanswer", "no_answer", "timeout":
		return calls.OutcomeNoAnswer
	case "canceled", "cancelled", "cancel":
		return calls.OutcomeCanceled
	default:
		return calls.OutcomeFailed
	}
}

// normalizeHangupCause keeps the provider's cause when given, otherwise
// synthesizes one from the SIP response code, falling back to a table
// keyed on the normalized status.
func normalizeHangupCause(cause, sipCode, status string) string {
	if cause != "" {
		return cause
	}
	switch sipCode {
	case "200":
		return "NORMAL_CLEARING"
	case "486":
		return "USER_BUSY"
	case "487":
		return "ORIGINATOR_CANCEL"
	case "480", "408":
		return "NO_ANSWER"
	case "403":
		return "CALL_REJECTED"
	}
	switch status {
	case calls.OutcomeCompleted:
		return "NORMAL_CLEARING"
	case calls.OutcomeBusy:
		return "USER_BUSY"
	case calls.OutcomeNoAnswer:
		return "NO_ANSWER"
	case calls.OutcomeCanceled:
		return "ORIGINATOR_CANCEL"
	default:
		return "NORMAL_TEMPORARY_FAILURE"
	}
}
