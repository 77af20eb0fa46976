package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/voicelane/voicelane/internal/billing"
	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/observability/metrics"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/pkg/logging"
)

// callTracker is the slice of the call store the webhook edge touches.
type callTracker interface {
	Get(ctx context.Context, callUUID string) (*calls.ActiveCall, error)
	ByProviderCallID(ctx context.Context, providerCallID string) (*calls.ActiveCall, error)
	MarkRinging(ctx context.Context, callUUID string, at time.Time) (bool, error)
	MarkOngoing(ctx context.Context, callUUID string, at time.Time) (bool, error)
	MarkEnded(ctx context.Context, callUUID string, at time.Time) (bool, error)
	Finish(ctx context.Context, q calls.Querier, callUUID string, status calls.Status, at time.Time) (bool, error)
	InsertHangup(ctx context.Context, q calls.Querier, rec calls.HangupRecord) (bool, error)
	SetRecordingURL(ctx context.Context, callUUID, recordingURL string) (bool, error)
}

// hangupBiller settles a terminated call's charges.
type hangupBiller interface {
	ProcessHangup(ctx context.Context, rec calls.HangupRecord) (billing.Outcome, error)
}

// campaignReader resolves the bot endpoint for a call's campaign.
type campaignReader interface {
	Get(ctx context.Context, campaignID string) (*campaign.Campaign, error)
}

// WebhookHandler answers the providers' callbacks. Everything here is
// built to absorb the providers' delivery quirks: duplicates are free,
// out-of-order phases are dropped by the monotonic status marks, and a
// callback for a call we never dialed is treated as an incoming call.
type WebhookHandler struct {
	drivers   *provider.Registry
	calls     callTracker
	campaigns campaignReader
	biller    hangupBiller
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

func NewWebhookHandler(drivers *provider.Registry, callStore callTracker, campaigns campaignReader,
	biller hangupBiller, m *metrics.Metrics, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		drivers:   drivers,
		calls:     callStore,
		campaigns: campaigns,
		biller:    biller,
		metrics:   m,
		logger:    logger,
	}
}

// HandlePlivoRing marks the call ringing. Always 200: a late ring after
// answer is normal provider behavior, not an error.
func (h *WebhookHandler) HandlePlivoRing(w http.ResponseWriter, r *http.Request) {
	callUUID := r.URL.Query().Get("call_uuid")
	if callUUID == "" {
		h.metrics.ObserveWebhook("plivo", "ring", "bad_request")
		respondError(w, http.StatusBadRequest, "call_uuid required")
		return
	}
	ok, err := h.calls.MarkRinging(r.Context(), callUUID, time.Now().UTC())
	if err != nil {
		h.logger.Error("webhook: mark ringing", "call_uuid", callUUID, "error", err)
		h.metrics.ObserveWebhook("plivo", "ring", "error")
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	if !ok {
		h.logger.Debug("webhook: late ring dropped", "call_uuid", callUUID)
	}
	h.metrics.ObserveWebhook("plivo", "ring", "ok")
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WebhookHandler) HandlePlivoAnswer(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, provider.Plivo)
}

func (h *WebhookHandler) HandleTwilioAnswer(w http.ResponseWriter, r *http.Request) {
	h.answer(w, r, provider.Twilio)
}

// answer responds with the provider-dialect instruction document that
// bridges the call's audio to the bot, and marks the media stream live.
func (h *WebhookHandler) answer(w http.ResponseWriter, r *http.Request, name provider.Name) {
	driver, err := h.drivers.Get(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	callUUID := r.URL.Query().Get("call_uuid")
	if callUUID == "" {
		h.metrics.ObserveWebhook(string(name), "answer", "bad_request")
		respondError(w, http.StatusBadRequest, "call_uuid required")
		return
	}

	call, err := h.calls.Get(r.Context(), callUUID)
	if err != nil {
		h.logger.Warn("webhook: answer for unknown call", "call_uuid", callUUID, "provider", string(name), "error", err)
		h.metrics.ObserveWebhook(string(name), "answer", "unknown_call")
		respondError(w, http.StatusNotFound, "unknown call")
		return
	}

	botWSURL, err := h.botURLFor(r.Context(), call)
	if err != nil {
		h.logger.Error("webhook: resolve bot url", "call_uuid", callUUID, "campaign_id", call.CampaignID, "error", err)
		h.metrics.ObserveWebhook(string(name), "answer", "error")
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}

	doc, err := driver.Instructions(provider.InstructionContext{
		CallUUID:    call.CallUUID,
		BotWSURL:    botWSURL,
		AssistantID: call.AssistantID,
		Variables:   call.Contact,
	})
	if err != nil {
		h.logger.Error("webhook: build instructions", "call_uuid", callUUID, "error", err)
		h.metrics.ObserveWebhook(string(name), "answer", "error")
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}

	if _, err := h.calls.MarkOngoing(r.Context(), callUUID, time.Now().UTC()); err != nil {
		h.logger.Error("webhook: mark ongoing", "call_uuid", callUUID, "error", err)
	}

	h.metrics.ObserveWebhook(string(name), "answer", "ok")
	w.Header().Set("Content-Type", doc.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

// botURLFor finds the WS endpoint for a call. Campaign calls carry it on
// the campaign row; sentinel calls carry it in the call's metadata.
func (h *WebhookHandler) botURLFor(ctx context.Context, call *calls.ActiveCall) (string, error) {
	if calls.IsSentinelCampaign(call.CampaignID) {
		return call.Contact["bot_ws_url"], nil
	}
	cmp, err := h.campaigns.Get(ctx, call.CampaignID)
	if err != nil {
		return "", err
	}
	return cmp.BotWSURL, nil
}

func (h *WebhookHandler) HandlePlivoHangup(w http.ResponseWriter, r *http.Request) {
	h.hangup(w, r, provider.Plivo)
}

// HandleTwilioStatus multiplexes Twilio's status callback: ringing and
// in-progress are phase marks, terminal statuses are the hangup path.
func (h *WebhookHandler) HandleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	driver, err := h.drivers.Get(provider.Twilio)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.metrics.ObserveWebhook("twilio", "status", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}

	callUUID := r.URL.Query().Get("call_uuid")
	switch driver.ClassifyStatus(r.Form.Get("CallStatus")) {
	case calls.StatusRinging:
		if callUUID != "" {
			if _, err := h.calls.MarkRinging(r.Context(), callUUID, time.Now().UTC()); err != nil {
				h.logger.Error("webhook: mark ringing", "call_uuid", callUUID, "error", err)
			}
		}
		h.metrics.ObserveWebhook("twilio", "status", "ok")
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case calls.StatusOngoing:
		if callUUID != "" {
			if _, err := h.calls.MarkOngoing(r.Context(), callUUID, time.Now().UTC()); err != nil {
				h.logger.Error("webhook: mark ongoing", "call_uuid", callUUID, "error", err)
			}
		}
		h.metrics.ObserveWebhook("twilio", "status", "ok")
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case calls.StatusCallEnded, calls.StatusFailed:
		h.hangup(w, r, provider.Twilio)
	default:
		h.metrics.ObserveWebhook("twilio", "status", "ignored")
		w.WriteHeader(http.StatusNoContent)
	}
}

// hangup is the one-way door: normalize the event, write the terminal
// record exactly once, bill it, release the concurrency slot. Duplicate
// callbacks stop at the record insert and answer 200 anyway.
func (h *WebhookHandler) hangup(w http.ResponseWriter, r *http.Request, name provider.Name) {
	driver, err := h.drivers.Get(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.metrics.ObserveWebhook(string(name), "hangup", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	values := r.Form
	if qUUID := r.URL.Query().Get("call_uuid"); qUUID != "" {
		values.Set("call_uuid", qUUID)
	}

	ev, err := driver.ParseHangup(values)
	if err != nil {
		h.logger.Warn("webhook: unparseable hangup", "provider", string(name), "error", err)
		h.metrics.ObserveWebhook(string(name), "hangup", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	call, meta := h.resolveCall(r.Context(), ev, name)
	if ev.CallUUID == "" {
		if call != nil {
			ev.CallUUID = call.CallUUID
		} else {
			// Incoming call that never went through admission: the
			// provider's id is all the identity it has.
			ev.CallUUID = ev.ProviderCallID
		}
	}

	if _, err := h.calls.MarkEnded(r.Context(), ev.CallUUID, time.Now().UTC()); err != nil {
		h.logger.Error("webhook: mark ended", "call_uuid", ev.CallUUID, "error", err)
	}

	rec := provider.Normalize(ev, meta)
	inserted, err := h.calls.InsertHangup(r.Context(), nil, rec)
	if err != nil {
		h.logger.Error("webhook: insert hangup", "call_uuid", rec.CallUUID, "error", err)
		h.metrics.ObserveWebhook(string(name), "hangup", "error")
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	if !inserted {
		h.logger.Info("webhook: duplicate hangup absorbed",
			"call_uuid", rec.CallUUID, "provider", string(name))
		h.metrics.ObserveWebhook(string(name), "hangup", "duplicate")
		respondJSON(w, http.StatusOK, map[string]bool{"duplicate": true})
		return
	}

	outcome, err := h.biller.ProcessHangup(r.Context(), rec)
	if err != nil {
		// The terminal record is down; billing can be replayed from it.
		h.logger.Error("webhook: billing failed",
			"call_uuid", rec.CallUUID, "tenant_id", rec.TenantID, "error", err)
	} else if !outcome.Duplicate {
		h.metrics.ObserveCredits(outcome.CallType, outcome.Credits)
	}

	final := calls.StatusFailed
	if rec.Status == calls.OutcomeCompleted {
		final = calls.StatusCompleted
	}
	if _, err := h.calls.Finish(r.Context(), nil, ev.CallUUID, final, time.Now().UTC()); err != nil {
		h.logger.Error("webhook: finish call", "call_uuid", ev.CallUUID, "error", err)
	}

	h.logger.Info("webhook: hangup processed",
		"call_uuid", rec.CallUUID,
		"provider", string(name),
		"status", rec.Status,
		"duration", rec.Duration)
	h.metrics.ObserveWebhook(string(name), "hangup", "ok")
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "status": rec.Status})
}

// resolveCall correlates the event back to the tracked call. Unknown
// calls fall back to incoming-call metadata so they still get recorded
// and billed.
func (h *WebhookHandler) resolveCall(ctx context.Context, ev provider.HangupEvent, name provider.Name) (*calls.ActiveCall, provider.CallMeta) {
	var call *calls.ActiveCall
	var err error
	if ev.CallUUID != "" {
		call, err = h.calls.Get(ctx, ev.CallUUID)
	} else {
		err = calls.ErrCallNotFound
	}
	if err != nil && ev.ProviderCallID != "" {
		call, err = h.calls.ByProviderCallID(ctx, ev.ProviderCallID)
	}
	if err != nil || call == nil {
		if err != nil && !errors.Is(err, calls.ErrCallNotFound) {
			h.logger.Error("webhook: call lookup failed",
				"call_uuid", ev.CallUUID, "provider_call_id", ev.ProviderCallID, "error", err)
		}
		return nil, provider.CallMeta{
			CampaignID: calls.CampaignIncoming,
			From:       ev.From,
			To:         ev.To,
			Provider:   name,
		}
	}
	return call, provider.CallMeta{
		TenantID:    call.TenantID,
		CampaignID:  call.CampaignID,
		AssistantID: call.AssistantID,
		From:        call.From,
		To:          call.To,
		Provider:    name,
		Contact:     call.Contact,
	}
}

func (h *WebhookHandler) HandlePlivoRecording(w http.ResponseWriter, r *http.Request) {
	h.recording(w, r, provider.Plivo)
}

func (h *WebhookHandler) HandleTwilioRecording(w http.ResponseWriter, r *http.Request) {
	h.recording(w, r, provider.Twilio)
}

func (h *WebhookHandler) recording(w http.ResponseWriter, r *http.Request, name provider.Name) {
	driver, err := h.drivers.Get(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.metrics.ObserveWebhook(string(name), "recording", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	values := r.Form
	if qUUID := r.URL.Query().Get("call_uuid"); qUUID != "" {
		values.Set("call_uuid", qUUID)
	}

	ev, err := driver.ParseRecording(values)
	if err != nil {
		h.metrics.ObserveWebhook(string(name), "recording", "bad_request")
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	callUUID := ev.CallUUID
	if callUUID == "" {
		if call, lookupErr := h.calls.ByProviderCallID(r.Context(), ev.ProviderCallID); lookupErr == nil {
			callUUID = call.CallUUID
		} else {
			callUUID = ev.ProviderCallID
		}
	}

	ok, err := h.calls.SetRecordingURL(r.Context(), callUUID, ev.RecordingURL)
	if err != nil {
		h.logger.Error("webhook: set recording url", "call_uuid", callUUID, "error", err)
		h.metrics.ObserveWebhook(string(name), "recording", "error")
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	if !ok {
		// The recording outran the hangup record; the hangup handler
		// carries RecordUrl too, so nothing is lost.
		h.logger.Debug("webhook: recording before hangup record", "call_uuid", callUUID)
	}
	h.metrics.ObserveWebhook(string(name), "recording", "ok")
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
