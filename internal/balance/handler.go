package balance

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/voicelane/voicelane/pkg/logging"
)

// BalanceReader fetches the current balance for the greeting frame. The
// stream itself carries no history, so the connect-time snapshot is how
// an observer catches up.
type BalanceReader interface {
	Balance(ctx context.Context, tenantID string) (int64, error)
}

// Handler serves the balance stream over WebSocket.
type Handler struct {
	stream *Stream
	reader BalanceReader
	logger *logging.Logger
}

func NewHandler(stream *Stream, reader BalanceReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{stream: stream, reader: reader, logger: logger}
}

// HandleStream upgrades to WebSocket and pushes balance events for the
// tenant in the route until the client goes away.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		http.Error(w, "tenant id required", http.StatusBadRequest)
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r, tenantID)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request, tenantID string) {
	defer conn.Close()

	events, cancel := h.stream.Subscribe(tenantID)
	defer cancel()

	if h.reader != nil {
		if bal, err := h.reader.Balance(r.Context(), tenantID); err == nil {
			_ = websocket.JSON.Send(conn, Event{TenantID: tenantID, Balance: bal, Reason: "snapshot"})
		}
	}

	h.logger.Info("balance: stream opened", "tenant_id", tenantID)

	// Reader goroutine only exists to notice the disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			h.logger.Debug("balance: stream closed", "tenant_id", tenantID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev.Origin = ""
			if err := websocket.JSON.Send(conn, ev); err != nil {
				return
			}
		}
	}
}
