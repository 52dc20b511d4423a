package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

// Status is the engine summary returned by GET /api/status.
type Status struct {
	Mode          string               `json:"mode"`
	Halted        bool                 `json:"halted"`
	HaltReason    string               `json:"halt_reason,omitempty"`
	Strategies    []string             `json:"strategies"`
	Instruments   []string             `json:"instruments"`
	Equity        float64              `json:"equity"`
	Cash          float64              `json:"cash"`
	Exposure      float64              `json:"exposure"`
	OpenOrders    int                  `json:"open_orders"`
	Session       ledger.TradeStats    `json:"session"`
	WinRate       float64              `json:"win_rate"`
	// RecentIntents lists the latest strategy intents, newest first.
	RecentIntents []domain.OrderIntent `json:"recent_intents,omitempty"`
	Components    map[string]any       `json:"components,omitempty"`
}

// Portfolio is the ledger view returned by GET /api/positions.
type Portfolio struct {
	Cash        float64           `json:"cash"`
	Equity      float64           `json:"equity"`
	Exposure    float64           `json:"exposure"`
	RealizedPnL float64           `json:"realized_pnl"`
	Positions   []domain.Position `json:"positions"`
}

// Engine is what the ops API needs from the trading engine. Implementations
// backed by persisted state only return errors.ErrUnsupported from the
// mutating methods.
type Engine interface {
	Status(ctx context.Context) (Status, error)
	Portfolio(ctx context.Context) (Portfolio, error)
	Orders(ctx context.Context, openOnly bool, opts domain.ListOpts) ([]domain.Order, error)
	CancelOrder(ctx context.Context, id string) error
	Resume(ctx context.Context) error
}

// EngineHandler serves the engine endpoints.
type EngineHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(engine Engine, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{engine: engine, logger: logger}
}

// GetStatus returns the engine summary.
// GET /api/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListPositions returns the ledger positions.
// GET /api/positions
func (h *EngineHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Portfolio(r.Context())
	if err != nil {
		h.fail(w, r, "positions", err)
		return
	}
	if p.Positions == nil {
		p.Positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, p)
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns recent orders, or only working ones with ?open=true.
// GET /api/orders?open=true&limit=50&offset=0
func (h *EngineHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	orders, err := h.engine.Orders(r.Context(), openOnly, parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// CancelOrder asks the broker to cancel a working order.
// POST /api/orders/{id}/cancel
func (h *EngineHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	if err := h.engine.CancelOrder(r.Context(), id); err != nil {
		h.fail(w, r, "cancel order", err, slog.String("order_id", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancel_requested",
		"order_id": id,
	})
}

// Resume clears a reconciliation halt.
// POST /api/engine/resume
func (h *EngineHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context()); err != nil {
		h.fail(w, r, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *EngineHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error, attrs ...any) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			append(attrs, slog.String("error", err.Error()))...,
		)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	var brokerErr *domain.BrokerRejection
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "order is not working"
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, "engine shutting down"
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented, "not available in this mode"
	case errors.Is(err, domain.ErrCancelRefused), errors.As(err, &brokerErr):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
