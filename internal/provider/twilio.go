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

var twilioTracer = otel.Tracer("voicelane.internal.provider.twilio")

// Twilio timestamps arrive RFC1123Z: "Mon, 02 Jan 2006 15:04:05 -0700".
const twilioTimeLayout = time.RFC1123Z

// TwilioDriver fires calls through Twilio's REST API and answers its
// TwiML webhooks.
type TwilioDriver struct {
	accountSID   string
	authToken    string
	callbackBase string
	apiBase      string
	httpClient   *http.Client
	logger       *logging.Logger
}

func NewTwilioDriver(accountSID, authToken, callbackBase string, logger *logging.Logger) *TwilioDriver {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioDriver{
		accountSID:   accountSID,
		authToken:    authToken,
		callbackBase: callbackBase,
		apiBase:      "https://api.twilio.com",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

var _ Driver = (*TwilioDriver)(nil)

func (d *TwilioDriver) Name() Name { return Twilio }

// Originate fires one call. Twilio answers with a CallSid which we keep
// as the provider id; the call stays tracked under our pre-generated
// uuid riding in every callback URL.
func (d *TwilioDriver) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if d.accountSID == "" || d.authToken == "" {
		return OriginateResult{}, ErrCredentialsMissing
	}
	if req.From == "" || req.To == "" {
		return OriginateResult{}, fmt.Errorf("provider: twilio originate: from and to required")
	}

	ctx, span := twilioTracer.Start(ctx, "provider.twilio.originate")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicelane.call_uuid", req.CallUUID),
		attribute.String("voicelane.campaign_id", req.CampaignID),
	)

	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("Url", callbackURL(d.callbackBase, "twilio", "answer", req.CallUUID))
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", callbackURL(d.callbackBase, "twilio", "status", req.CallUUID))
	form.Set("StatusCallbackMethod", http.MethodPost)
	form.Add("StatusCallbackEvent", "ringing")
	form.Add("StatusCallbackEvent", "answered")
	form.Add("StatusCallbackEvent", "completed")
	form.Set("Record", "true")
	form.Set("RecordingStatusCallback", callbackURL(d.callbackBase, "twilio", "recording", req.CallUUID))
	form.Set("RecordingStatusCallbackMethod", http.MethodPost)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", d.apiBase, d.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return OriginateResult{}, fmt.Errorf("provider: build twilio request: %w", err)
	}
	httpReq.SetBasicAuth(d.accountSID, d.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		err = classifyTransportError(err)
		span.RecordError(err)
		return OriginateResult{}, err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := parseTwilioError(respBody)
		rej := &RejectedError{Provider: Twilio, Status: resp.StatusCode, Code: code, Message: message}
		span.RecordError(rej)
		return OriginateResult{}, rej
	}

	var parsed struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(respBody, &parsed)

	d.logger.Info("provider: twilio call fired",
		"call_uuid", req.CallUUID,
		"to", req.To,
		"call_sid", parsed.Sid)
	return OriginateResult{ProviderCallID: parsed.Sid}, nil
}

type twilioParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twilioStream struct {
	URL        string            `xml:"url,attr"`
	Parameters []twilioParameter `xml:"Parameter"`
}

type twilioConnect struct {
	Stream twilioStream `xml:"Stream"`
}

type twilioResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Connect *twilioConnect `xml:"Connect,omitempty"`
}

// Instructions answers the answer webhook with TwiML connecting the
// call's audio to the bot. Contact variables ride as Stream parameters,
// which Twilio hands to the socket in the start message.
func (d *TwilioDriver) Instructions(ic InstructionContext) (InstructionDoc, error) {
	if ic.BotWSURL == "" {
		return InstructionDoc{}, fmt.Errorf("provider: twilio instructions: bot websocket url required")
	}
	params := []twilioParameter{{Name: "call_uuid", Value: ic.CallUUID}}
	if ic.AssistantID != "" {
		params = append(params, twilioParameter{Name: "assistant_id", Value: ic.AssistantID})
	}
	keys := make([]string, 0, len(ic.Variables))
	for k := range ic.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if ic.Variables[k] == "" {
			continue
		}
		params = append(params, twilioParameter{Name: k, Value: ic.Variables[k]})
	}

	doc := twilioResponse{Connect: &twilioConnect{Stream: twilioStream{
		URL:        ic.BotWSURL,
		Parameters: params,
	}}}
	body, err := xml.Marshal(doc)
	if err != nil {
		return InstructionDoc{}, fmt.Errorf("provider: marshal twiml: %w", err)
	}
	return InstructionDoc{
		ContentType: "application/xml",
		Body:        append([]byte(xml.Header), body...),
	}, nil
}

func (d *TwilioDriver) ClassifyStatus(raw string) calls.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return calls.StatusProcessed
	case "ringing":
		return calls.StatusRinging
	case "in-progress", "answered":
		return calls.StatusOngoing
	case "completed":
		return calls.StatusCallEnded
	case "busy", "failed", "no-answer", "canceled", "cancelled":
		return calls.StatusFailed
	default:
		return calls.StatusProcessed
	}
}

// ParseHangup reads a Twilio status callback for a terminal CallStatus.
// call_uuid in the query string is ours; CallSid is Twilio's.
func (d *TwilioDriver) ParseHangup(values url.Values) (HangupEvent, error) {
	ev := HangupEvent{
		CallUUID:       values.Get("call_uuid"),
		ProviderCallID: values.Get("CallSid"),
		From:           values.Get("From"),
		To:             values.Get("To"),
		Status:         values.Get("CallStatus"),
		SIPCode:        values.Get("SipResponseCode"),
		DurationRaw:    firstNonEmpty(values.Get("CallDuration"), values.Get("Duration")),
		RecordingURL:   values.Get("RecordingUrl"),
		EndAt:          parseTwilioTime(values.Get("Timestamp")),
	}
	if ev.CallUUID == "" && ev.ProviderCallID == "" {
		return HangupEvent{}, fmt.Errorf("provider: twilio status callback without correlation id")
	}
	return ev, nil
}

func (d *TwilioDriver) ParseRecording(values url.Values) (RecordingEvent, error) {
	ev := RecordingEvent{
		CallUUID:       values.Get("call_uuid"),
		ProviderCallID: values.Get("CallSid"),
		RecordingURL:   values.Get("RecordingUrl"),
		DurationRaw:    values.Get("RecordingDuration"),
	}
	if ev.RecordingURL == "" {
		return RecordingEvent{}, fmt.Errorf("provider: twilio recording callback without url")
	}
	if ev.CallUUID == "" && ev.ProviderCallID == "" {
		return RecordingEvent{}, fmt.Errorf("provider: twilio recording without correlation id")
	}
	return ev, nil
}

func parseTwilioTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(twilioTimeLayout, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func parseTwilioError(body []byte) (int, string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return 0, "empty response"
	}
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Code, parsed.Message
	}
	return 0, string(body)
}
