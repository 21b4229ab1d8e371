package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/store"
)

// newTestMarketService creates a MarketService over a started engine whose
// trades land in the returned store.
func newTestMarketService(t *testing.T, window time.Duration) (*MarketService, *CommandService, *store.TradeStore) {
	t.Helper()
	trades := store.NewTradeStore(1000)
	e := newTestEngine(t, trades)
	return NewMarketService(e, trades, window), NewCommandService(e, nil), trades
}

func trade(id string, price, qty int64, at time.Time) domain.Trade {
	return domain.Trade{TradeID: id, InstrumentID: "BTC-USD", Price: price, Quantity: qty, ExecutedAt: at}
}

// --- GetPrice tests ---

func TestGetPrice_UnknownInstrument(t *testing.T) {
	svc, _, _ := newTestMarketService(t, 5*time.Minute)

	if _, err := svc.GetPrice("DOGE-USD"); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestGetPrice_NoTradesFallsBackToReference(t *testing.T) {
	svc, _, _ := newTestMarketService(t, 5*time.Minute)

	resp, err := svc.GetPrice("BTC-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CurrentPrice == nil || *resp.CurrentPrice != 10000 {
		t.Fatalf("expected reference price 10000, got %v", resp.CurrentPrice)
	}
	if resp.LastTradeAt != nil || resp.TradesInWindow != 0 {
		t.Fatalf("expected no trade data, got %+v", resp)
	}
	if resp.Window != "5m" {
		t.Fatalf("expected window '5m', got %q", resp.Window)
	}

	resp, err = svc.GetPrice("ETH-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CurrentPrice != nil {
		t.Fatalf("expected nil price without reference, got %d", *resp.CurrentPrice)
	}
}

func TestGetPrice_VWAPWithTradesInWindow(t *testing.T) {
	svc, _, trades := newTestMarketService(t, 5*time.Minute)
	now := time.Now()
	svc.now = func() time.Time { return now }

	trades.Append(
		trade("t0", 50000, 100, now.Add(-10*time.Minute)), // outside
		trade("t1", 10000, 200, now.Add(-2*time.Minute)),
		trade("t2", 11000, 300, now.Add(-1*time.Minute)),
	)

	resp, err := svc.GetPrice("BTC-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (10000*200 + 11000*300) / 500 = 10600
	if resp.CurrentPrice == nil || *resp.CurrentPrice != 10600 {
		t.Fatalf("expected VWAP 10600, got %v", resp.CurrentPrice)
	}
	if resp.TradesInWindow != 2 {
		t.Fatalf("expected 2 trades in window, got %d", resp.TradesInWindow)
	}
	if resp.LastTradeAt == nil || !resp.LastTradeAt.Equal(now.Add(-1*time.Minute)) {
		t.Fatalf("unexpected last_trade_at %v", resp.LastTradeAt)
	}
}

func TestGetPrice_StaleTradesFallBackToLast(t *testing.T) {
	svc, _, trades := newTestMarketService(t, 5*time.Minute)
	now := time.Now()
	svc.now = func() time.Time { return now }

	trades.Append(
		trade("t1", 9000, 10, now.Add(-20*time.Minute)),
		trade("t2", 9500, 10, now.Add(-10*time.Minute)),
	)

	resp, err := svc.GetPrice("BTC-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CurrentPrice == nil || *resp.CurrentPrice != 9500 {
		t.Fatalf("expected last trade price 9500, got %v", resp.CurrentPrice)
	}
	if resp.TradesInWindow != 0 {
		t.Fatalf("expected 0 trades in window, got %d", resp.TradesInWindow)
	}
}

// --- GetBook tests ---

func TestGetBook_DepthBounds(t *testing.T) {
	svc, _, _ := newTestMarketService(t, time.Minute)

	for _, depth := range []int{0, 51, -1} {
		var ve *domain.ValidationError
		if _, err := svc.GetBook(context.Background(), "BTC-USD", depth); !errors.As(err, &ve) {
			t.Errorf("depth %d: expected ValidationError, got %v", depth, err)
		}
	}
	if _, err := svc.GetBook(context.Background(), "DOGE-USD", 10); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestGetBook_SpreadAndLastPrice(t *testing.T) {
	svc, cmds, _ := newTestMarketService(t, time.Minute)
	ctx := context.Background()

	for _, cmd := range []domain.Command{
		deposit("d1", "seller", 0, 10),
		deposit("d2", "buyer", 1_000_000, 0),
		limitOrder("c1", "ask-1", "seller", domain.OrderSideAsk, 10200, 4),
		limitOrder("c2", "ask-2", "seller", domain.OrderSideAsk, 10300, 2),
		limitOrder("c3", "bid-1", "buyer", domain.OrderSideBid, 10200, 1),
		limitOrder("c4", "bid-2", "buyer", domain.OrderSideBid, 10000, 5),
	} {
		if _, err := cmds.Submit(ctx, cmd); err != nil {
			t.Fatalf("submit %s: %v", cmd.ID, err)
		}
	}

	book, err := svc.GetBook(ctx, "BTC-USD", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Asks) != 2 || book.Asks[0].Price != 10200 || book.Asks[0].TotalQuantity != 3 {
		t.Fatalf("unexpected asks %+v", book.Asks)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != 10000 {
		t.Fatalf("unexpected bids %+v", book.Bids)
	}
	if book.Spread == nil || *book.Spread != 200 {
		t.Fatalf("expected spread 200, got %v", book.Spread)
	}
	if book.LastPrice == nil || *book.LastPrice != 10200 {
		t.Fatalf("expected last price 10200, got %v", book.LastPrice)
	}

	top, err := svc.GetBook(ctx, "BTC-USD", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top.Asks) != 1 {
		t.Fatalf("expected depth 1 to return one ask level, got %d", len(top.Asks))
	}
}

func TestGetBook_EmptySideHasNoSpread(t *testing.T) {
	svc, _, _ := newTestMarketService(t, time.Minute)

	book, err := svc.GetBook(context.Background(), "ETH-USD", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if book.Spread != nil || book.LastPrice != nil {
		t.Fatalf("expected nil spread and last price, got %+v", book)
	}
}

// --- GetTrades tests ---

func TestGetTrades_NewestFirstWithLimit(t *testing.T) {
	svc, _, trades := newTestMarketService(t, time.Minute)
	now := time.Now()
	trades.Append(
		trade("t1", 100, 1, now.Add(-3*time.Second)),
		trade("t2", 101, 1, now.Add(-2*time.Second)),
		trade("t3", 102, 1, now.Add(-1*time.Second)),
	)

	got, err := svc.GetTrades("BTC-USD", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].TradeID != "t3" || got[1].TradeID != "t2" {
		t.Fatalf("unexpected trades %+v", got)
	}
}

func TestGetTrades_Validation(t *testing.T) {
	svc, _, _ := newTestMarketService(t, time.Minute)

	if _, err := svc.GetTrades("DOGE-USD", 10); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	for _, limit := range []int{0, 501} {
		var ve *domain.ValidationError
		if _, err := svc.GetTrades("BTC-USD", limit); !errors.As(err, &ve) {
			t.Errorf("limit %d: expected ValidationError, got %v", limit, err)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{5 * time.Minute, "5m"},
		{90 * time.Second, "1m30s"},
		{30 * time.Second, "30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
