package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/engine"
	"github.com/efreitasn/ordermatch/internal/service"
)

// MarketHandler handles HTTP requests for market data endpoints.
type MarketHandler struct {
	market *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(market *service.MarketService) *MarketHandler {
	return &MarketHandler{market: market}
}

type instrumentResponse struct {
	InstrumentID   string           `json:"instrument_id"`
	ReferencePrice *decimal.Decimal `json:"reference_price"`
}

// priceResponse is the JSON response for GET /instruments/{instrument_id}/price.
type priceResponse struct {
	InstrumentID string           `json:"instrument_id"`
	CurrentPrice *decimal.Decimal `json:"current_price"`
	Window       string           `json:"window"`
	TradesInWin  int              `json:"trades_in_window"`
	LastTradeAt  *string          `json:"last_trade_at"`
}

// bookLevelResponse is a single price level in the book response.
type bookLevelResponse struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// bookResponse is the JSON response for GET /instruments/{instrument_id}/book.
type bookResponse struct {
	InstrumentID string              `json:"instrument_id"`
	Bids         []bookLevelResponse `json:"bids"`
	Asks         []bookLevelResponse `json:"asks"`
	Spread       *decimal.Decimal    `json:"spread"`
	LastPrice    *decimal.Decimal    `json:"last_price"`
	ParkedStops  int                 `json:"parked_stops"`
	Sequence     uint64              `json:"sequence"`
	Halted       bool                `json:"halted"`
	SnapshotAt   string              `json:"snapshot_at"`
}

type tradeResponse struct {
	TradeID      string           `json:"trade_id"`
	TakerOrderID string           `json:"taker_order_id"`
	MakerOrderID string           `json:"maker_order_id"`
	TakerSide    domain.OrderSide `json:"taker_side"`
	Price        decimal.Decimal  `json:"price"`
	Quantity     int64            `json:"quantity"`
	ExecutedAt   string           `json:"executed_at"`
}

// ListInstruments handles GET /instruments.
func (h *MarketHandler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := h.market.Instruments()
	resp := make([]instrumentResponse, len(instruments))
	for i, in := range instruments {
		resp[i] = instrumentResponse{InstrumentID: in.ID, ReferencePrice: optDecimal(in.ReferencePrice, in.ReferencePrice > 0)}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetPrice handles GET /instruments/{instrument_id}/price.
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.market.GetPrice(chi.URLParam(r, "instrument_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := priceResponse{
		InstrumentID: price.InstrumentID,
		Window:       price.Window,
		TradesInWin:  price.TradesInWindow,
	}
	if price.CurrentPrice != nil {
		resp.CurrentPrice = optDecimal(*price.CurrentPrice, true)
	}
	if price.LastTradeAt != nil {
		s := formatTime(*price.LastTradeAt)
		resp.LastTradeAt = &s
	}

	WriteJSON(w, http.StatusOK, resp)
}

// GetBook handles GET /instruments/{instrument_id}/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	// Parse depth query param (default 10, max 50).
	depth, ok := intQuery(w, r, "depth", 10)
	if !ok {
		return
	}

	book, err := h.market.GetBook(r.Context(), chi.URLParam(r, "instrument_id"), depth)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := bookResponse{
		InstrumentID: book.InstrumentID,
		Bids:         buildLevels(book.Bids),
		Asks:         buildLevels(book.Asks),
		ParkedStops:  book.ParkedStops,
		Sequence:     book.Sequence,
		Halted:       book.Halted,
		SnapshotAt:   formatTime(book.SnapshotAt),
	}
	if book.Spread != nil {
		resp.Spread = optDecimal(*book.Spread, true)
	}
	if book.LastPrice != nil {
		resp.LastPrice = optDecimal(*book.LastPrice, true)
	}

	WriteJSON(w, http.StatusOK, resp)
}

// GetTrades handles GET /instruments/{instrument_id}/trades.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 50)
	if !ok {
		return
	}

	trades, err := h.market.GetTrades(chi.URLParam(r, "instrument_id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]tradeResponse, len(trades))
	for i, t := range trades {
		resp[i] = tradeResponse{
			TradeID:      t.TradeID,
			TakerOrderID: t.TakerOrderID,
			MakerOrderID: t.MakerOrderID,
			TakerSide:    t.TakerSide,
			Price:        domain.FromTicks(t.Price),
			Quantity:     t.Quantity,
			ExecutedAt:   formatTime(t.ExecutedAt),
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildLevels(levels []engine.DepthLevel) []bookLevelResponse {
	out := make([]bookLevelResponse, len(levels))
	for i, l := range levels {
		out[i] = bookLevelResponse{
			Price:         domain.FromTicks(l.Price),
			TotalQuantity: l.TotalQuantity,
			OrderCount:    l.OrderCount,
		}
	}
	return out
}

// intQuery reads an integer query parameter, writing a 400 when it is
// present but malformed.
func intQuery(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", name+" must be a valid integer")
		return 0, false
	}
	return v, true
}

func optDecimal(ticks int64, ok bool) *decimal.Decimal {
	if !ok {
		return nil
	}
	d := domain.FromTicks(ticks)
	return &d
}
