package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/tenancy"
	"github.com/voicelane/voicelane/pkg/logging"
)

// campaignController drives the campaign state machine.
type campaignController interface {
	Create(ctx context.Context, in campaign.CreateInput) (*campaign.CreateResult, error)
	Pause(ctx context.Context, campaignID, pausedBy, reason string) error
	Resume(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

// campaignSource reads campaign rows.
type campaignSource interface {
	Get(ctx context.Context, campaignID string) (*campaign.Campaign, error)
}

// callReporter serves per-call progress and report data.
type callReporter interface {
	CountsByCampaign(ctx context.Context, campaignID string) (map[calls.Status]int, error)
	ListHangupsByCampaign(ctx context.Context, campaignID, cursor string, limit int, statusFilter string) (*calls.ReportPage, error)
	CampaignCallTotals(ctx context.Context, campaignID string) (int, int64, error)
}

// endpointProber is the optional create-time bot connectivity check.
type endpointProber interface {
	ProbeWebSocket(ctx context.Context, wsURL string) error
}

// CampaignHandler is the collaborator API for campaigns.
type CampaignHandler struct {
	ctrl      campaignController
	campaigns campaignSource
	reporter  callReporter
	prober    endpointProber
	logger    *logging.Logger
}

func NewCampaignHandler(ctrl campaignController, campaigns campaignSource, reporter callReporter,
	prober endpointProber, logger *logging.Logger) *CampaignHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignHandler{
		ctrl:      ctrl,
		campaigns: campaigns,
		reporter:  reporter,
		prober:    prober,
		logger:    logger,
	}
}

type createCampaignRequest struct {
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	ListID      string     `json:"list_id"`
	FromNumber  string     `json:"from_number"`
	BotWSURL    string     `json:"bot_ws_url"`
	Provider    string     `json:"provider,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// HandleCreate validates and creates a campaign. Warnings (low balance,
// unreachable bot endpoint) ride in the response without blocking.
func (h *CampaignHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TenantID == "" {
		if tenantID, ok := tenancy.TenantIDFromContext(r.Context()); ok {
			req.TenantID = tenantID
		}
	}

	res, err := h.ctrl.Create(r.Context(), campaign.CreateInput{
		TenantID:    req.TenantID,
		Name:        req.Name,
		ListID:      req.ListID,
		FromNumber:  req.FromNumber,
		BotWSURL:    req.BotWSURL,
		Provider:    req.Provider,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNameTaken):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	warnings := res.Warnings
	if h.prober != nil {
		probeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if err := h.prober.ProbeWebSocket(probeCtx, req.BotWSURL); err != nil {
			h.logger.Warn("campaign: bot endpoint probe failed",
				"campaign_id", res.Campaign.ID, "bot_ws_url", req.BotWSURL, "error", err)
			warnings = append(warnings, "bot websocket endpoint did not respond to a probe")
		}
		cancel()
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"campaign": res.Campaign,
		"warnings": warnings,
	})
}

type pauseRequest struct {
	PausedBy string `json:"paused_by,omitempty"`
}

func (h *CampaignHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	var req pauseRequest
	_ = decodeJSON(r, &req)
	if req.PausedBy == "" {
		req.PausedBy = "api"
	}
	h.transition(w, r, campaignID, func(ctx context.Context) error {
		return h.ctrl.Pause(ctx, campaignID, req.PausedBy, campaign.PauseReasonManual)
	})
}

func (h *CampaignHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	h.transition(w, r, campaignID, func(ctx context.Context) error {
		return h.ctrl.Resume(ctx, campaignID)
	})
}

func (h *CampaignHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	h.transition(w, r, campaignID, func(ctx context.Context) error {
		return h.ctrl.Cancel(ctx, campaignID)
	})
}

func (h *CampaignHandler) transition(w http.ResponseWriter, r *http.Request, campaignID string, op func(context.Context) error) {
	if campaignID == "" {
		respondError(w, http.StatusBadRequest, "campaign id required")
		return
	}
	err := op(r.Context())
	if err != nil {
		var ite *campaign.IllegalTransitionError
		switch {
		case errors.As(err, &ite):
			respondError(w, http.StatusConflict, ite.Error())
		case errors.Is(err, campaign.ErrCampaignNotFound):
			respondError(w, http.StatusNotFound, "campaign not found")
		default:
			h.logger.Error("campaign: transition failed", "campaign_id", campaignID, "error", err)
			respondError(w, http.StatusInternalServerError, "server error")
		}
		return
	}
	cmp, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "status": cmp.Status})
}

// HandleProgress reports live campaign progress including the per-state
// call counts from the call tracker.
func (h *CampaignHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	cmp, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.logger.Error("campaign: progress read failed", "campaign_id", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}

	counts, err := h.reporter.CountsByCampaign(r.Context(), campaignID)
	if err != nil {
		h.logger.Error("campaign: call counts failed", "campaign_id", campaignID, "error", err)
		counts = map[calls.Status]int{}
	}
	callCounts := make(map[string]int, len(counts))
	for status, n := range counts {
		callCounts[string(status)] = n
	}

	respondJSON(w, http.StatusOK, campaign.Progress{
		CampaignID:        cmp.ID,
		Status:            cmp.Status,
		TotalContacts:     cmp.TotalContacts,
		ProcessedContacts: cmp.ProcessedContacts,
		ConnectedCalls:    cmp.ConnectedCalls,
		FailedCalls:       cmp.FailedCalls,
		CallCounts:        callCounts,
		PauseReason:       cmp.PauseReason,
		ErrorMessage:      cmp.ErrorMessage,
	})
}

// HandleReport pages through a campaign's terminal call records.
func (h *CampaignHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if _, err := h.campaigns.Get(r.Context(), campaignID); err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := h.reporter.ListHangupsByCampaign(r.Context(), campaignID, q.Get("cursor"), limit, q.Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	totalCount, totalDuration, err := h.reporter.CampaignCallTotals(r.Context(), campaignID)
	if err != nil {
		h.logger.Error("campaign: report totals failed", "campaign_id", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"records":        page.Records,
		"next_cursor":    page.NextCursor,
		"total_count":    totalCount,
		"total_duration": totalDuration,
	})
}
