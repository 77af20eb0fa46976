package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/pkg/logging"
)

var plivoTracer = otel.Tracer("voicelane.internal.provider.plivo")

const plivoTimeLayout = "2006-01-02 15:04:05"

// PlivoDriver fires calls through Plivo's REST API and answers its
// XML-based webhooks.
type PlivoDriver struct {
	authID       string
	authToken    string
	callbackBase string
	apiBase      string
	httpClient   *http.Client
	logger       *logging.Logger
}

// NewPlivoDriver builds a driver. callbackBase is the public URL this
// service is reachable at; Plivo posts its callbacks there.
func NewPlivoDriver(authID, authToken, callbackBase string, logger *logging.Logger) *PlivoDriver {
	if logger == nil {
		logger = logging.Default()
	}
	return &PlivoDriver{
		authID:       authID,
		authToken:    authToken,
		callbackBase: callbackBase,
		apiBase:      "https://api.plivo.com",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

var _ Driver = (*PlivoDriver)(nil)

func (d *PlivoDriver) Name() Name { return Plivo }

// Originate fires one call. A single attempt: the dial loop owns retries
// and pacing, the adapter only classifies what happened.
func (d *PlivoDriver) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if d.authID == "" || d.authToken == "" {
		return OriginateResult{}, ErrCredentialsMissing
	}
	if req.From == "" || req.To == "" {
		return OriginateResult{}, fmt.Errorf("provider: plivo originate: from and to required")
	}

	ctx, span := plivoTracer.Start(ctx, "provider.plivo.originate")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicelane.call_uuid", req.CallUUID),
		attribute.String("voicelane.campaign_id", req.CampaignID),
	)

	payload := map[string]string{
		"from":          req.From,
		"to":            req.To,
		"answer_url":    callbackURL(d.callbackBase, "plivo", "answer", req.CallUUID),
		"answer_method": http.MethodPost,
		"hangup_url":    callbackURL(d.callbackBase, "plivo", "hangup", req.CallUUID),
		"hangup_method": http.MethodPost,
		"ring_url":      callbackURL(d.callbackBase, "plivo", "ring", req.CallUUID),
		"ring_method":   http.MethodPost,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return OriginateResult{}, fmt.Errorf("provider: marshal plivo payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/Account/%s/Call/", d.apiBase, d.authID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return OriginateResult{}, fmt.Errorf("provider: build plivo request: %w", err)
	}
	httpReq.SetBasicAuth(d.authID, d.authToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		err = classifyTransportError(err)
		span.RecordError(err)
		return OriginateResult{}, err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rej := &RejectedError{Provider: Plivo, Status: resp.StatusCode, Message: parsePlivoError(respBody)}
		span.RecordError(rej)
		return OriginateResult{}, rej
	}

	var parsed struct {
		RequestUUID string `json:"request_uuid"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(respBody, &parsed)

	d.logger.Info("provider: plivo call fired",
		"call_uuid", req.CallUUID,
		"to", req.To,
		"request_uuid", parsed.RequestUUID)
	return OriginateResult{ProviderCallID: parsed.RequestUUID}, nil
}

type plivoStream struct {
	Bidirectional string `xml:"bidirectional,attr"`
	KeepCallAlive string `xml:"keepCallAlive,attr"`
	ContentType   string `xml:"contentType,attr"`
	ExtraHeaders  string `xml:"extraHeaders,attr,omitempty"`
	URL           string `xml:",chardata"`
}

type plivoResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Stream  *plivoStream `xml:"Stream,omitempty"`
}

// Instructions answers the answer webhook with a Stream element pointing
// the call's audio at the bot. The call uuid rides in extraHeaders so
// the bot can correlate the socket.
func (d *PlivoDriver) Instructions(ic InstructionContext) (InstructionDoc, error) {
	if ic.BotWSURL == "" {
		return InstructionDoc{}, fmt.Errorf("provider: plivo instructions: bot websocket url required")
	}
	doc := plivoResponse{Stream: &plivoStream{
		Bidirectional: "true",
		KeepCallAlive: "true",
		ContentType:   "audio/x-l16;rate=16000",
		ExtraHeaders:  plivoExtraHeaders(ic),
		URL:           ic.BotWSURL,
	}}
	body, err := xml.Marshal(doc)
	if err != nil {
		return InstructionDoc{}, fmt.Errorf("provider: marshal plivo xml: %w", err)
	}
	return InstructionDoc{
		ContentType: "application/xml",
		Body:        append([]byte(xml.Header), body...),
	}, nil
}

// EmptyInstructions is the no-op document: Plivo hangs up when the
// response carries no elements.
func (d *PlivoDriver) EmptyInstructions() InstructionDoc {
	body, _ := xml.Marshal(plivoResponse{})
	return InstructionDoc{
		ContentType: "application/xml",
		Body:        append([]byte(xml.Header), body...),
	}
}

func (d *PlivoDriver) ClassifyStatus(raw string) calls.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return calls.StatusProcessed
	case "ringing", "ring":
		return calls.StatusRinging
	case "in-progress", "answered", "answer":
		return calls.StatusOngoing
	case "completed", "hangup":
		return calls.StatusCallEnded
	case "busy", "failed", "timeout", "no-answer", "cancel", "canceled", "cancelled":
		return calls.StatusFailed
	default:
		return calls.StatusProcessed
	}
}

// ParseHangup reads Plivo's hangup callback. The call_uuid query
// parameter is ours; CallUUID is Plivo's own id, kept for incoming
// calls that never went through admission.
func (d *PlivoDriver) ParseHangup(values url.Values) (HangupEvent, error) {
	ev := HangupEvent{
		CallUUID:       values.Get("call_uuid"),
		ProviderCallID: values.Get("CallUUID"),
		From:           values.Get("From"),
		To:             values.Get("To"),
		Status:         values.Get("CallStatus"),
		HangupCause:    firstNonEmpty(values.Get("HangupCause"), values.Get("HangupCauseName")),
		DurationRaw:    firstNonEmpty(values.Get("BillDuration"), values.Get("Duration")),
		RecordingURL:   values.Get("RecordUrl"),
		StartAt:        parsePlivoTime(values.Get("StartTime")),
		AnswerAt:       parsePlivoTime(values.Get("AnswerTime")),
		EndAt:          parsePlivoTime(values.Get("EndTime")),
	}
	if ev.CallUUID == "" && ev.ProviderCallID == "" {
		return HangupEvent{}, fmt.Errorf("provider: plivo hangup without correlation id")
	}
	return ev, nil
}

func (d *PlivoDriver) ParseRecording(values url.Values) (RecordingEvent, error) {
	ev := RecordingEvent{
		CallUUID:       values.Get("call_uuid"),
		ProviderCallID: values.Get("CallUUID"),
		RecordingURL:   firstNonEmpty(values.Get("RecordUrl"), values.Get("RecordingUrl")),
		DurationRaw:    values.Get("RecordingDuration"),
	}
	if ev.RecordingURL == "" {
		return RecordingEvent{}, fmt.Errorf("provider: plivo recording callback without url")
	}
	if ev.CallUUID == "" && ev.ProviderCallID == "" {
		return RecordingEvent{}, fmt.Errorf("provider: plivo recording without correlation id")
	}
	return ev, nil
}

func plivoExtraHeaders(ic InstructionContext) string {
	pairs := make([]string, 0, len(ic.Variables)+2)
	add := func(k, v string) {
		if v == "" {
			return
		}
		pairs = append(pairs, k+"="+sanitizeHeaderValue(v))
	}
	add("call_uuid", ic.CallUUID)
	add("assistant_id", ic.AssistantID)

	keys := make([]string, 0, len(ic.Variables))
	for k := range ic.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, ic.Variables[k])
	}
	return strings.Join(pairs, ",")
}

// sanitizeHeaderValue strips the characters Plivo's comma-separated
// header grammar cannot carry.
func sanitizeHeaderValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == ',' || r == '=' {
			return -1
		}
		return r
	}, v)
}

func parsePlivoTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.ParseInLocation(plivoTimeLayout, raw, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func parsePlivoError(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "empty response"
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
