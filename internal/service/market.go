package service

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/engine"
	"github.com/efreitasn/ordermatch/internal/store"
)

// PriceResponse represents the response for GET /instruments/{id}/price.
type PriceResponse struct {
	InstrumentID   string
	CurrentPrice   *int64 // nil when nothing ever traded and no reference is set
	Window         string // e.g. "5m"
	TradesInWindow int
	LastTradeAt    *time.Time // nil when no trades ever
}

// BookResponse represents the response for GET /instruments/{id}/book.
type BookResponse struct {
	InstrumentID string
	Bids         []engine.DepthLevel
	Asks         []engine.DepthLevel
	Spread       *int64 // nil if either side empty
	LastPrice    *int64
	ParkedStops  int
	Sequence     uint64
	Halted       bool
	SnapshotAt   time.Time
}

// MarketService answers read-only market data queries.
type MarketService struct {
	engine     *engine.Engine
	tradeStore *store.TradeStore
	vwapWindow time.Duration
	now        func() time.Time
}

// NewMarketService creates a MarketService with the given dependencies.
func NewMarketService(e *engine.Engine, tradeStore *store.TradeStore, vwapWindow time.Duration) *MarketService {
	return &MarketService{
		engine:     e,
		tradeStore: tradeStore,
		vwapWindow: vwapWindow,
		now:        time.Now,
	}
}

// GetPrice returns the instrument's reference price, computed as VWAP
// over the configured window. Falls back to the last trade's price if no
// trades fall in the window, and to the configured reference price if
// nothing has ever traded.
func (s *MarketService) GetPrice(instrumentID string) (*PriceResponse, error) {
	in, ok := s.engine.Instrument(instrumentID)
	if !ok {
		return nil, domain.ErrUnknownInstrument
	}

	resp := &PriceResponse{
		InstrumentID: instrumentID,
		Window:       formatDuration(s.vwapWindow),
	}

	trades := s.tradeStore.GetByInstrument(instrumentID)
	if len(trades) == 0 {
		if in.ReferencePrice > 0 {
			ref := in.ReferencePrice
			resp.CurrentPrice = &ref
		}
		return resp, nil
	}

	lastTrade := trades[len(trades)-1]
	resp.LastTradeAt = &lastTrade.ExecutedAt

	// Walk back from the tail until executed_at leaves the window.
	windowStart := s.now().Add(-s.vwapWindow)
	var sumPriceQty, sumQty int64
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if t.ExecutedAt.Before(windowStart) {
			break
		}
		sumPriceQty += t.Price * t.Quantity
		sumQty += t.Quantity
		resp.TradesInWindow++
	}

	if sumQty > 0 {
		vwap := sumPriceQty / sumQty
		resp.CurrentPrice = &vwap
	} else {
		resp.CurrentPrice = &lastTrade.Price
	}
	return resp, nil
}

// GetBook returns the top depth price levels of an instrument's book.
func (s *MarketService) GetBook(ctx context.Context, instrumentID string, depth int) (*BookResponse, error) {
	if depth < 1 || depth > 50 {
		return nil, &domain.ValidationError{Message: "depth must be between 1 and 50"}
	}

	snap, err := s.engine.Snapshot(ctx, instrumentID, depth)
	if err != nil {
		return nil, err
	}

	resp := &BookResponse{
		InstrumentID: instrumentID,
		Bids:         snap.Bids,
		Asks:         snap.Asks,
		ParkedStops:  snap.ParkedStops,
		Sequence:     snap.Sequence,
		Halted:       snap.Halted,
		SnapshotAt:   s.now(),
	}
	if snap.HasLastPrice {
		last := snap.LastPrice
		resp.LastPrice = &last
	}
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		spread := snap.Asks[0].Price - snap.Bids[0].Price
		resp.Spread = &spread
	}
	return resp, nil
}

// GetTrades returns up to limit of the instrument's most recent trades,
// newest first.
func (s *MarketService) GetTrades(instrumentID string, limit int) ([]domain.Trade, error) {
	if _, ok := s.engine.Instrument(instrumentID); !ok {
		return nil, domain.ErrUnknownInstrument
	}
	if limit < 1 || limit > 500 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 500"}
	}

	trades := s.tradeStore.GetByInstrument(instrumentID)
	out := make([]domain.Trade, 0, min(limit, len(trades)))
	for i := len(trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, trades[i])
	}
	return out, nil
}

// Instruments lists the instruments being served.
func (s *MarketService) Instruments() []domain.Instrument {
	return s.engine.Instruments()
}

// formatDuration converts a time.Duration to a human-readable string
// like "5m" for the window field.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	minutes := int(d.Minutes())
	if d == time.Duration(minutes)*time.Minute && minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return d.String()
}
