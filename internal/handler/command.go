package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/service"
)

// CommandHandler handles command intake and per-user queries.
type CommandHandler struct {
	commands *service.CommandService
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(commands *service.CommandService) *CommandHandler {
	return &CommandHandler{commands: commands}
}

// commandResponse is the JSON response for POST /commands. Status is
// "applied", "rejected" or "duplicate".
type commandResponse struct {
	CommandID string         `json:"command_id"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Events    []domain.Event `json:"events"`
}

// orderResponse is the JSON response for GET .../orders/{order_id}.
type orderResponse struct {
	OrderID           string           `json:"order_id"`
	UserID            string           `json:"user_id"`
	InstrumentID      string           `json:"instrument_id"`
	Side              domain.OrderSide `json:"side"`
	Type              domain.OrderType `json:"order_type"`
	Strategy          string           `json:"strategy_type"`
	Tag               string           `json:"tag,omitempty"`
	Quantity          int64            `json:"quantity"`
	ExecutedQuantity  int64            `json:"executed_quantity"`
	CancelledQuantity int64            `json:"cancelled_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity"`
	Price             *decimal.Decimal `json:"price"`
	StopPrice         *decimal.Decimal `json:"stop_price,omitempty"`
	ParentID          string           `json:"parent_id,omitempty"`
	ChildID           string           `json:"child_id,omitempty"`
	GroupID           string           `json:"group_id,omitempty"`
	Status            string           `json:"status"`
	CreatedAt         string           `json:"created_at"`
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
	Escrowed  decimal.Decimal `json:"escrowed"`
}

type assetResponse struct {
	Available int64 `json:"available"`
	Escrowed  int64 `json:"escrowed"`
}

type positionResponse struct {
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"average_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// accountResponse is the JSON response for GET .../accounts/{user_id}.
type accountResponse struct {
	UserID       string           `json:"user_id"`
	InstrumentID string           `json:"instrument_id"`
	Cash         balanceResponse  `json:"cash"`
	Asset        assetResponse    `json:"asset"`
	Position     positionResponse `json:"position"`
}

// Submit handles POST /commands.
func (h *CommandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := ReadBody(w, r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cmd, err := domain.DecodeCommand(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.commands.Submit(r.Context(), cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := commandResponse{CommandID: res.CommandID, Status: "applied", Events: res.Events}
	switch ev, rejected := res.Rejection(); {
	case rejected:
		resp.Status = "rejected"
		resp.Reason = ev.Metadata["reason"]
	case len(res.Events) == 0:
		resp.Status = "duplicate"
		resp.Events = []domain.Event{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetOrder handles GET /instruments/{instrument_id}/orders/{order_id}.
func (h *CommandHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.commands.GetOrder(r.Context(), chi.URLParam(r, "instrument_id"), chi.URLParam(r, "order_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(o))
}

// GetAccount handles GET /instruments/{instrument_id}/accounts/{user_id}.
func (h *CommandHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrument_id")
	a, err := h.commands.GetAccount(r.Context(), instrumentID, chi.URLParam(r, "user_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, accountResponse{
		UserID:       a.UserID,
		InstrumentID: instrumentID,
		Cash: balanceResponse{
			Available: domain.FromTicks(a.Cash.Available),
			Escrowed:  domain.FromTicks(a.Cash.Escrowed),
		},
		Asset: assetResponse{Available: a.Asset.Available, Escrowed: a.Asset.Escrowed},
		Position: positionResponse{
			Quantity:    a.Position.Quantity,
			AvgPrice:    domain.FromTicks(a.Position.AvgPrice),
			RealizedPnL: domain.FromTicks(a.Position.RealizedPnL),
		},
	})
}

// buildOrderResponse renders an order. Price is null for market orders
// that carry no collar.
func buildOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:           o.ID,
		UserID:            o.UserID,
		InstrumentID:      o.InstrumentID,
		Side:              o.Side,
		Type:              o.Type,
		Strategy:          string(o.Strategy),
		Tag:               string(o.Tag),
		Quantity:          o.Quantity,
		ExecutedQuantity:  o.Executed,
		CancelledQuantity: o.Cancelled,
		RemainingQuantity: o.Remaining(),
		ParentID:          o.ParentID,
		ChildID:           o.ChildID,
		GroupID:           o.GroupID,
		Status:            string(o.Status),
		CreatedAt:         formatTime(o.CreatedAt),
	}
	if o.Price > 0 {
		p := domain.FromTicks(o.Price)
		resp.Price = &p
	}
	if o.StopPrice > 0 {
		p := domain.FromTicks(o.StopPrice)
		resp.StopPrice = &p
	}
	return resp
}
