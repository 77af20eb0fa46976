package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voicelane/voicelane/internal/billing"
	"github.com/voicelane/voicelane/pkg/logging"
)

// billingReader pages through a tenant's charges and ledger.
type billingReader interface {
	ListDetailsByTenant(ctx context.Context, tenantID, cursor string, limit int) (*billing.DetailPage, error)
	ListHistoryByTenant(ctx context.Context, tenantID string, limit int) ([]billing.HistoryEntry, error)
}

// incomingAggregator coalesces incoming-call charges into the ledger.
type incomingAggregator interface {
	AggregateIncoming(ctx context.Context, tenantID string) (bool, error)
}

// TenantHandler serves a tenant's billing views.
type TenantHandler struct {
	billing    billingReader
	aggregator incomingAggregator
	logger     *logging.Logger
}

func NewTenantHandler(billingStore billingReader, aggregator incomingAggregator, logger *logging.Logger) *TenantHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &TenantHandler{billing: billingStore, aggregator: aggregator, logger: logger}
}

// HandleCalls pages through the tenant's per-call billing details.
func (h *TenantHandler) HandleCalls(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant id required")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := h.billing.ListDetailsByTenant(r.Context(), tenantID, q.Get("cursor"), limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// HandleHistory returns the tenant's ledger. The read triggers the lazy
// incoming-call aggregation first so the ledger the caller sees is
// current.
func (h *TenantHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant id required")
		return
	}

	if h.aggregator != nil {
		if _, err := h.aggregator.AggregateIncoming(r.Context(), tenantID); err != nil {
			// The ledger read still serves; the next read retries.
			h.logger.Error("tenant: incoming aggregation failed", "tenant_id", tenantID, "error", err)
		}
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.billing.ListHistoryByTenant(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("tenant: history read failed", "tenant_id", tenantID, "error", err)
		respondError(w, http.StatusInternalServerError, "server error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
