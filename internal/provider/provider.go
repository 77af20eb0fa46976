// Package provider speaks the telephony providers' wire dialects. Each
// driver knows how to fire a call, answer the provider's instruction
// webhook, and parse its callbacks; everything past that point is
// normalized (see normalize.go) so the rest of the system never sees
// provider vocabulary.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/voicelane/voicelane/internal/calls"
)

// Name identifies a telephony provider.
type Name string

const (
	Plivo  Name = "plivo"
	Twilio Name = "twilio"
)

var (
	// ErrCredentialsMissing means the driver was built without API credentials.
	ErrCredentialsMissing = errors.New("provider: credentials missing")
	// ErrTimeout means the provider did not answer within the request timeout.
	ErrTimeout = errors.New("provider: request timed out")
	// ErrNetwork means the request never completed at the transport level.
	ErrNetwork = errors.New("provider: network failure")
)

// RejectedError is a definitive refusal from the provider API. Rejections
// are not retried; the dial is recorded as failed and the loop moves on.
type RejectedError struct {
	Provider Name
	Status   int
	Code     int
	Message  string
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider: %s rejected call: status %d code %d: %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s rejected call: status %d: %s", e.Provider, e.Status, e.Message)
}

// OriginateRequest carries one outbound dial. CallUUID is generated by
// the caller before the HTTP round-trip; it is the authoritative
// identifier and rides along in every callback URL the driver registers.
type OriginateRequest struct {
	CallUUID    string
	From        string
	To          string
	BotWSURL    string
	TenantID    string
	CampaignID  string
	ListID      string
	AssistantID string
	FirstName   string
	Variables   map[string]string
}

// OriginateResult reports the provider-native id for bookkeeping. The
// call is tracked under CallUUID regardless.
type OriginateResult struct {
	ProviderCallID string
}

// InstructionContext is what the answer webhook knows when the provider
// asks how to run the call.
type InstructionContext struct {
	CallUUID    string
	BotWSURL    string
	AssistantID string
	Variables   map[string]string
}

// InstructionDoc is the provider-dialect call-control document returned
// to the answer webhook.
type InstructionDoc struct {
	ContentType string
	Body        []byte
}

// HangupEvent is a parsed hangup callback, still in provider vocabulary.
type HangupEvent struct {
	CallUUID       string
	ProviderCallID string
	From           string
	To             string
	Status         string
	HangupCause    string
	SIPCode        string
	DurationRaw    string
	StartAt        *time.Time
	AnswerAt       *time.Time
	EndAt          *time.Time
	RecordingURL   string
}

// RecordingEvent is a parsed recording-ready callback.
type RecordingEvent struct {
	CallUUID       string
	ProviderCallID string
	RecordingURL   string
	DurationRaw    string
}

// Driver is one telephony provider. Originate performs a single attempt;
// retry policy belongs to the dial loop, not the adapter.
type Driver interface {
	Name() Name
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
	Instructions(ic InstructionContext) (InstructionDoc, error)
	ClassifyStatus(raw string) calls.Status
	ParseHangup(values url.Values) (HangupEvent, error)
	ParseRecording(values url.Values) (RecordingEvent, error)
}

// classifyTransportError folds HTTP client failures into the adapter
// error taxonomy so callers can switch on sentinel errors.
func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s", ErrNetwork, err)
	}
}

func callbackURL(base, provider, event, callUUID string) string {
	return fmt.Sprintf("%s/webhooks/%s/%s?call_uuid=%s",
		trimBase(base), provider, event, url.QueryEscape(callUUID))
}

func trimBase(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}
