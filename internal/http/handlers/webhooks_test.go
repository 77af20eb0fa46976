package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/voicelane/voicelane/internal/billing"
	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/provider"
)

type fakeCallTracker struct {
	calls      map[string]*calls.ActiveCall
	byProvider map[string]*calls.ActiveCall

	ringing    []string
	ongoing    []string
	ended      []string
	finished   map[string]calls.Status
	hangups    map[string]calls.HangupRecord
	recordings map[string]string
}

func newFakeCallTracker() *fakeCallTracker {
	return &fakeCallTracker{
		calls:      map[string]*calls.ActiveCall{},
		byProvider: map[string]*calls.ActiveCall{},
		finished:   map[string]calls.Status{},
		hangups:    map[string]calls.HangupRecord{},
		recordings: map[string]string{},
	}
}

func (f *fakeCallTracker) add(c *calls.ActiveCall) {
	f.calls[c.CallUUID] = c
	if c.ProviderCallID != "" {
		f.byProvider[c.ProviderCallID] = c
	}
}

func (f *fakeCallTracker) Get(ctx context.Context, callUUID string) (*calls.ActiveCall, error) {
	c, ok := f.calls[callUUID]
	if !ok {
		return nil, calls.ErrCallNotFound
	}
	return c, nil
}

func (f *fakeCallTracker) ByProviderCallID(ctx context.Context, providerCallID string) (*calls.ActiveCall, error) {
	c, ok := f.byProvider[providerCallID]
	if !ok {
		return nil, calls.ErrCallNotFound
	}
	return c, nil
}

func (f *fakeCallTracker) MarkRinging(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	f.ringing = append(f.ringing, callUUID)
	return true, nil
}

func (f *fakeCallTracker) MarkOngoing(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	f.ongoing = append(f.ongoing, callUUID)
	return true, nil
}

func (f *fakeCallTracker) MarkEnded(ctx context.Context, callUUID string, at time.Time) (bool, error) {
	f.ended = append(f.ended, callUUID)
	return true, nil
}

func (f *fakeCallTracker) Finish(ctx context.Context, q calls.Querier, callUUID string, status calls.Status, at time.Time) (bool, error) {
	f.finished[callUUID] = status
	return true, nil
}

func (f *fakeCallTracker) InsertHangup(ctx context.Context, q calls.Querier, rec calls.HangupRecord) (bool, error) {
	if _, exists := f.hangups[rec.CallUUID]; exists {
		return false, nil
	}
	f.hangups[rec.CallUUID] = rec
	return true, nil
}

func (f *fakeCallTracker) SetRecordingURL(ctx context.Context, callUUID, recordingURL string) (bool, error) {
	f.recordings[callUUID] = recordingURL
	return true, nil
}

type fakeBiller struct {
	records []calls.HangupRecord
	outcome billing.Outcome
}

func (f *fakeBiller) ProcessHangup(ctx context.Context, rec calls.HangupRecord) (billing.Outcome, error) {
	f.records = append(f.records, rec)
	out := f.outcome
	out.TenantID = rec.TenantID
	return out, nil
}

type fakeCampaigns struct{ campaigns map[string]*campaign.Campaign }

func (f *fakeCampaigns) Get(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	c, ok := f.campaigns[campaignID]
	if !ok {
		return nil, campaign.ErrCampaignNotFound
	}
	return c, nil
}

func newWebhookFixture(t *testing.T) (*WebhookHandler, *fakeCallTracker, *fakeBiller) {
	t.Helper()
	registry := provider.NewRegistry(provider.Plivo,
		provider.NewPlivoDriver("auth-id", "auth-token", "https://orchestrator.example.com", nil),
		provider.NewTwilioDriver("AC123", "token", "https://orchestrator.example.com", nil))
	tracker := newFakeCallTracker()
	biller := &fakeBiller{outcome: billing.Outcome{CallType: billing.TypeCampaign, Credits: 42}}
	campaigns := &fakeCampaigns{campaigns: map[string]*campaign.Campaign{
		"cmp-1": {ID: "cmp-1", TenantID: "tenant-1", BotWSURL: "wss://bots.example.com/ws/agent-7"},
	}}
	h := NewWebhookHandler(registry, tracker, campaigns, biller, nil, nil)
	return h, tracker, biller
}

func postForm(t *testing.T, handler http.HandlerFunc, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestPlivoRingMarksCall(t *testing.T) {
	h, tracker, _ := newWebhookFixture(t)

	rr := postForm(t, h.HandlePlivoRing, "/webhooks/plivo/ring?call_uuid=call-1", url.Values{})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(tracker.ringing) != 1 || tracker.ringing[0] != "call-1" {
		t.Fatalf("ringing marks = %v", tracker.ringing)
	}
}

func TestPlivoAnswerReturnsStreamXML(t *testing.T) {
	h, tracker, _ := newWebhookFixture(t)
	tracker.add(&calls.ActiveCall{
		CallUUID: "call-1", TenantID: "tenant-1", CampaignID: "cmp-1",
		AssistantID: "agent-7", Contact: map[string]string{"first_name": "Asha"},
	})

	rr := postForm(t, h.HandlePlivoAnswer, "/webhooks/plivo/answer?call_uuid=call-1", url.Values{})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("content type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "wss://bots.example.com/ws/agent-7") {
		t.Fatalf("instruction doc missing bot url: %s", body)
	}
	if !strings.Contains(body, "call_uuid=call-1") {
		t.Fatalf("instruction doc missing call uuid: %s", body)
	}
	if len(tracker.ongoing) != 1 {
		t.Fatalf("ongoing marks = %v", tracker.ongoing)
	}
}

func TestPlivoAnswerUnknownCall(t *testing.T) {
	h, _, _ := newWebhookFixture(t)

	rr := postForm(t, h.HandlePlivoAnswer, "/webhooks/plivo/answer?call_uuid=ghost", url.Values{})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestPlivoHangupBillsOnce(t *testing.T) {
	h, tracker, biller := newWebhookFixture(t)
	tracker.add(&calls.ActiveCall{
		CallUUID: "call-1", TenantID: "tenant-1", CampaignID: "cmp-1",
		From: "+15550001", To: "+919876543210", Provider: "plivo",
	})

	form := url.Values{
		"CallStatus":   {"completed"},
		"BillDuration": {"42"},
		"HangupCause":  {"NORMAL_CLEARING"},
	}
	rr := postForm(t, h.HandlePlivoHangup, "/webhooks/plivo/hangup?call_uuid=call-1", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if len(biller.records) != 1 {
		t.Fatalf("billed %d times, want 1", len(biller.records))
	}
	rec := biller.records[0]
	if rec.Duration != 42 || rec.TenantID != "tenant-1" || rec.Status != calls.OutcomeCompleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if tracker.finished["call-1"] != calls.StatusCompleted {
		t.Fatalf("finish status = %s", tracker.finished["call-1"])
	}

	// Same callback again: absorbed by the record insert, never re-billed.
	rr = postForm(t, h.HandlePlivoHangup, "/webhooks/plivo/hangup?call_uuid=call-1", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"duplicate":true`) {
		t.Fatalf("duplicate not reported: %s", rr.Body.String())
	}
	if len(biller.records) != 1 {
		t.Fatalf("duplicate was billed: %d records", len(biller.records))
	}
}

func TestPlivoHangupUnknownCallBecomesIncoming(t *testing.T) {
	h, tracker, biller := newWebhookFixture(t)

	form := url.Values{
		"CallUUID":     {"plivo-native-9"},
		"From":         {"+919876543210"},
		"To":           {"+15550001"},
		"CallStatus":   {"completed"},
		"BillDuration": {"30"},
	}
	rr := postForm(t, h.HandlePlivoHangup, "/webhooks/plivo/hangup", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if len(biller.records) != 1 {
		t.Fatalf("billed %d times, want 1", len(biller.records))
	}
	rec := biller.records[0]
	if rec.CampaignID != calls.CampaignIncoming || rec.Source != calls.SourceInbound {
		t.Fatalf("unexpected incoming record: %+v", rec)
	}
	if rec.TenantID != "" {
		t.Fatalf("incoming tenant must be resolved by billing, got %q", rec.TenantID)
	}
	if _, ok := tracker.hangups["plivo-native-9"]; !ok {
		t.Fatal("hangup record keyed by provider id missing")
	}
}

func TestTwilioStatusRouting(t *testing.T) {
	h, tracker, biller := newWebhookFixture(t)
	tracker.add(&calls.ActiveCall{
		CallUUID: "call-1", TenantID: "tenant-1", CampaignID: "cmp-1", Provider: "twilio",
	})

	rr := postForm(t, h.HandleTwilioStatus, "/webhooks/twilio/status?call_uuid=call-1",
		url.Values{"CallStatus": {"ringing"}, "CallSid": {"CA1"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("ringing status = %d", rr.Code)
	}
	if len(tracker.ringing) != 1 {
		t.Fatalf("ringing marks = %v", tracker.ringing)
	}

	rr = postForm(t, h.HandleTwilioStatus, "/webhooks/twilio/status?call_uuid=call-1",
		url.Values{"CallStatus": {"in-progress"}, "CallSid": {"CA1"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("in-progress status = %d", rr.Code)
	}
	if len(tracker.ongoing) != 1 {
		t.Fatalf("ongoing marks = %v", tracker.ongoing)
	}

	rr = postForm(t, h.HandleTwilioStatus, "/webhooks/twilio/status?call_uuid=call-1",
		url.Values{"CallStatus": {"completed"}, "CallSid": {"CA1"}, "CallDuration": {"18"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("completed status = %d: %s", rr.Code, rr.Body.String())
	}
	if len(biller.records) != 1 || biller.records[0].Duration != 18 {
		t.Fatalf("terminal status must bill: %+v", biller.records)
	}
}

func TestPlivoRecordingAttachesURL(t *testing.T) {
	h, tracker, _ := newWebhookFixture(t)
	tracker.add(&calls.ActiveCall{CallUUID: "call-1", CampaignID: "cmp-1"})

	form := url.Values{
		"RecordUrl":         {"https://media.plivo.com/rec-1.mp3"},
		"RecordingDuration": {"42"},
	}
	rr := postForm(t, h.HandlePlivoRecording, "/webhooks/plivo/recording?call_uuid=call-1", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if tracker.recordings["call-1"] != "https://media.plivo.com/rec-1.mp3" {
		t.Fatalf("recordings = %v", tracker.recordings)
	}
}
