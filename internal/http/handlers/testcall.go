package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/internal/tenancy"
	"github.com/voicelane/voicelane/internal/warmup"
	"github.com/voicelane/voicelane/pkg/logging"
)

// slotReserver admits one call into the live set.
type slotReserver interface {
	Reserve(ctx context.Context, call calls.ActiveCall, tenantCap int) error
}

// dialDispatcher resolves a driver by the caller's provider choice.
type dialDispatcher interface {
	ForCampaign(choice string) (provider.Driver, error)
}

// testCallTracker is the slice of the call store the test-call path uses.
type testCallTracker interface {
	SetProviderCallID(ctx context.Context, callUUID, providerCallID string) error
	Finish(ctx context.Context, q calls.Querier, callUUID string, status calls.Status, at time.Time) (bool, error)
}

// TestCallHandler fires one ad-hoc call outside any campaign. The call
// carries the testcall sentinel, so its billing settles immediately on
// hangup instead of waiting for a campaign finalize.
type TestCallHandler struct {
	admission slotReserver
	drivers   dialDispatcher
	calls     testCallTracker
	tenantCap int
	logger    *logging.Logger
}

func NewTestCallHandler(admission slotReserver, drivers dialDispatcher, callStore testCallTracker,
	tenantCap int, logger *logging.Logger) *TestCallHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if tenantCap <= 0 {
		tenantCap = 10
	}
	return &TestCallHandler{
		admission: admission,
		drivers:   drivers,
		calls:     callStore,
		tenantCap: tenantCap,
		logger:    logger,
	}
}

type testCallRequest struct {
	TenantID   string `json:"tenant_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	BotWSURL   string `json:"bot_ws_url"`
	Provider   string `json:"provider,omitempty"`
}

func (h *TestCallHandler) HandleTestCall(w http.ResponseWriter, r *http.Request) {
	var req testCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TenantID == "" {
		if tenantID, ok := tenancy.TenantIDFromContext(r.Context()); ok {
			req.TenantID = tenantID
		}
	}
	if req.TenantID == "" || req.FromNumber == "" || req.ToNumber == "" || req.BotWSURL == "" {
		respondError(w, http.StatusBadRequest, "tenant_id, from_number, to_number and bot_ws_url are required")
		return
	}

	driver, err := h.drivers.ForCampaign(req.Provider)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	callUUID := uuid.NewString()
	assistantID := warmup.AssistantID(req.BotWSURL)
	err = h.admission.Reserve(r.Context(), calls.ActiveCall{
		CallUUID:    callUUID,
		TenantID:    req.TenantID,
		CampaignID:  calls.CampaignTestCall,
		From:        req.FromNumber,
		To:          req.ToNumber,
		Status:      calls.StatusProcessed,
		Provider:    string(driver.Name()),
		AssistantID: assistantID,
		// The answer webhook reads the bot endpoint from here; sentinel
		// calls have no campaign row to carry it.
		Contact: map[string]string{"bot_ws_url": req.BotWSURL},
	}, h.tenantCap)
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrTenantSaturated), errors.Is(err, calls.ErrGlobalSaturated):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("testcall: admission failed", "tenant_id", req.TenantID, "error", err)
			respondError(w, http.StatusInternalServerError, "server error")
		}
		return
	}

	result, err := driver.Originate(r.Context(), provider.OriginateRequest{
		CallUUID:    callUUID,
		From:        req.FromNumber,
		To:          req.ToNumber,
		BotWSURL:    req.BotWSURL,
		TenantID:    req.TenantID,
		CampaignID:  calls.CampaignTestCall,
		AssistantID: assistantID,
	})
	if err != nil {
		_, _ = h.calls.Finish(r.Context(), nil, callUUID, calls.StatusFailed, time.Now().UTC())
		h.logger.Error("testcall: originate failed",
			"call_uuid", callUUID, "tenant_id", req.TenantID, "error", err)
		respondError(w, http.StatusBadGateway, "call could not be placed")
		return
	}
	if result.ProviderCallID != "" {
		if err := h.calls.SetProviderCallID(r.Context(), callUUID, result.ProviderCallID); err != nil {
			h.logger.Warn("testcall: record provider call id", "call_uuid", callUUID, "error", err)
		}
	}

	h.logger.Info("testcall: call placed",
		"call_uuid", callUUID, "tenant_id", req.TenantID, "provider", string(driver.Name()))
	respondJSON(w, http.StatusAccepted, map[string]string{
		"call_uuid": callUUID,
		"provider":  string(driver.Name()),
	})
}
