package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/voicelane/voicelane/internal/calls"
)

func TestPlivoOriginate(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uuid":"req-123","message":"call fired"}`))
	}))
	defer srv.Close()

	d := NewPlivoDriver("AUTH_ID", "AUTH_TOKEN", "https://voicelane.example.com/", nil)
	d.apiBase = srv.URL

	res, err := d.Originate(context.Background(), OriginateRequest{
		CallUUID: "call-1",
		From:     "+15550001",
		To:       "+919876543210",
	})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if res.ProviderCallID != "req-123" {
		t.Errorf("provider call id = %q, want req-123", res.ProviderCallID)
	}
	if gotPath != "/v1/Account/AUTH_ID/Call/" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Errorf("expected basic auth, got %q", gotAuth)
	}
	if want := "https://voicelane.example.com/webhooks/plivo/hangup?call_uuid=call-1"; gotPayload["hangup_url"] != want {
		t.Errorf("hangup_url = %q, want %q", gotPayload["hangup_url"], want)
	}
	if gotPayload["answer_url"] == "" || gotPayload["ring_url"] == "" {
		t.Errorf("missing callback urls in payload: %v", gotPayload)
	}
}

func TestPlivoOriginateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid destination number"}`))
	}))
	defer srv.Close()

	d := NewPlivoDriver("AUTH_ID", "AUTH_TOKEN", "https://cb.example.com", nil)
	d.apiBase = srv.URL

	_, err := d.Originate(context.Background(), OriginateRequest{CallUUID: "c", From: "+1", To: "+2"})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rej.Status != http.StatusBadRequest || rej.Message != "invalid destination number" {
		t.Errorf("rejection = %+v", rej)
	}
}

func TestPlivoOriginateWithoutCredentials(t *testing.T) {
	d := NewPlivoDriver("", "", "https://cb.example.com", nil)
	_, err := d.Originate(context.Background(), OriginateRequest{From: "+1", To: "+2"})
	if !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}

func TestPlivoInstructionsStream(t *testing.T) {
	d := NewPlivoDriver("id", "token", "https://cb.example.com", nil)
	doc, err := d.Instructions(InstructionContext{
		CallUUID:    "call-1",
		BotWSURL:    "wss://bot.example.com/chat/v2/agent-9",
		AssistantID: "agent-9",
		Variables:   map[string]string{"first_name": "Asha", "tag": "vip"},
	})
	if err != nil {
		t.Fatalf("instructions: %v", err)
	}
	body := string(doc.Body)
	if !strings.Contains(body, "wss://bot.example.com/chat/v2/agent-9") {
		t.Errorf("stream url missing: %s", body)
	}
	if !strings.Contains(body, "call_uuid=call-1") {
		t.Errorf("call uuid missing from extraHeaders: %s", body)
	}
	if !strings.Contains(body, "first_name=Asha") {
		t.Errorf("contact variable missing: %s", body)
	}
	if doc.ContentType != "application/xml" {
		t.Errorf("content type = %q", doc.ContentType)
	}
}

func TestPlivoInstructionsRequireBotURL(t *testing.T) {
	d := NewPlivoDriver("id", "token", "https://cb.example.com", nil)
	if _, err := d.Instructions(InstructionContext{CallUUID: "c"}); err == nil {
		t.Fatal("expected error for missing bot ws url")
	}
}

func TestPlivoClassifyStatus(t *testing.T) {
	d := NewPlivoDriver("id", "token", "", nil)
	tests := map[string]calls.Status{
		"queued":      calls.StatusProcessed,
		"ringing":     calls.StatusRinging,
		"in-progress": calls.StatusOngoing,
		"answered":    calls.StatusOngoing,
		"completed":   calls.StatusCallEnded,
		"busy":        calls.StatusFailed,
		"no-answer":   calls.StatusFailed,
		"mystery":     calls.StatusProcessed,
	}
	for raw, want := range tests {
		if got := d.ClassifyStatus(raw); got != want {
			t.Errorf("ClassifyStatus(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPlivoParseHangup(t *testing.T) {
	d := NewPlivoDriver("id", "token", "", nil)
	values := url.Values{
		"call_uuid":    {"call-1"},
		"CallUUID":     {"plivo-abc"},
		"From":         {"+15550001"},
		"To":           {"+919876543210"},
		"CallStatus":   {"completed"},
		"HangupCause":  {"NORMAL_CLEARING"},
		"BillDuration": {"62"},
		"StartTime":    {"2026-08-26 10:00:00"},
		"AnswerTime":   {"2026-08-26 10:00:05"},
		"EndTime":      {"2026-08-26 10:01:07"},
	}
	ev, err := d.ParseHangup(values)
	if err != nil {
		t.Fatalf("parse hangup: %v", err)
	}
	if ev.CallUUID != "call-1" || ev.ProviderCallID != "plivo-abc" {
		t.Errorf("ids = %q/%q", ev.CallUUID, ev.ProviderCallID)
	}
	if ev.DurationRaw != "62" {
		t.Errorf("duration = %q", ev.DurationRaw)
	}
	if ev.StartAt == nil || ev.AnswerAt == nil || ev.EndAt == nil {
		t.Errorf("timestamps not parsed: %+v", ev)
	}
	if ev.EndAt != nil && ev.EndAt.Sub(*ev.AnswerAt).Seconds() != 62 {
		t.Errorf("answer-to-end = %v", ev.EndAt.Sub(*ev.AnswerAt))
	}
}

func TestPlivoParseHangupWithoutIDs(t *testing.T) {
	d := NewPlivoDriver("id", "token", "", nil)
	if _, err := d.ParseHangup(url.Values{"CallStatus": {"completed"}}); err == nil {
		t.Fatal("expected error without correlation id")
	}
}

func TestPlivoParseRecording(t *testing.T) {
	d := NewPlivoDriver("id", "token", "", nil)
	ev, err := d.ParseRecording(url.Values{
		"call_uuid":         {"call-1"},
		"RecordUrl":         {"https://media.plivo.com/rec/1.mp3"},
		"RecordingDuration": {"61"},
	})
	if err != nil {
		t.Fatalf("parse recording: %v", err)
	}
	if ev.RecordingURL != "https://media.plivo.com/rec/1.mp3" {
		t.Errorf("url = %q", ev.RecordingURL)
	}
}
