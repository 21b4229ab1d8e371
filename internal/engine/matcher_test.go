package engine

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/store"
)

// fillLog records listener callbacks.
type fillLog struct {
	book        *OrderBook
	filled      []string
	touched     []string
	stillBooked []string
	err         error
}

func (l *fillLog) MakerFilled(maker *domain.Order, _ domain.Trade) error {
	l.filled = append(l.filled, maker.ID)
	if l.book.Contains(maker.ID) {
		l.stillBooked = append(l.stillBooked, maker.ID)
	}
	return l.err
}

func (l *fillLog) MakerTouched(maker *domain.Order, _ domain.Trade) error {
	l.touched = append(l.touched, maker.ID)
	return l.err
}

type matchFixture struct {
	book    *OrderBook
	orders  *store.OrderStore
	log     *fillLog
	matcher *Matcher
	trades  int
}

func newMatchFixture() *matchFixture {
	f := &matchFixture{
		book:   NewOrderBook("TEST"),
		orders: store.NewOrderStore(),
	}
	f.log = &fillLog{book: f.book}
	f.matcher = NewMatcher(f.book, f.orders, f.log, func(taker, maker *domain.Order, qty, price int64) domain.Trade {
		f.trades++
		return domain.Trade{
			TradeID:      fmt.Sprintf("t-%d", f.trades),
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerSide:    taker.Side,
			Price:        price,
			Quantity:     qty,
		}
	})
	return f
}

func (f *matchFixture) rest(t *testing.T, o *domain.Order) *domain.Order {
	t.Helper()
	if err := f.orders.Create(o); err != nil {
		t.Fatalf("create %s: %v", o.ID, err)
	}
	mustAppend(t, f.book, o)
	return o
}

func marketOrder(id string, side domain.OrderSide, qty int64) *domain.Order {
	return &domain.Order{
		ID:       id,
		UserID:   "u-" + id,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Strategy: domain.StrategySingle,
		Quantity: qty,
		Status:   domain.OrderStatusPending,
	}
}

func TestMatch_ScenarioA_FullFillAtMakerPrice(t *testing.T) {
	f := newMatchFixture()
	ask := f.rest(t, limitOrder("ask", domain.OrderSideAsk, 100, 10))
	bid := marketOrder("bid", domain.OrderSideBid, 10)

	res, err := f.matcher.Match(bid)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Outcome != MatchSuccess || res.Price != 100 || res.Quantity != 10 {
		t.Errorf("result = %+v, want SUCCESS 10 @ 100", res)
	}
	if bid.Executed != 10 || ask.Executed != 10 {
		t.Errorf("executed bid=%d ask=%d, want 10/10", bid.Executed, ask.Executed)
	}
	if f.book.Contains("ask") {
		t.Error("filled ask is still on the book")
	}
	if !slices.Equal(f.log.filled, []string{"ask"}) || len(f.log.stillBooked) != 0 {
		t.Errorf("filled = %v, still booked at callback = %v", f.log.filled, f.log.stillBooked)
	}
	if last, ok := f.book.LastPrice(); !ok || last != 100 {
		t.Errorf("last price = %d, %v", last, ok)
	}
}

func TestMatch_ScenarioB_PartialMakerStaysResting(t *testing.T) {
	f := newMatchFixture()
	ask := f.rest(t, limitOrder("ask", domain.OrderSideAsk, 100, 50))
	bid := marketOrder("bid", domain.OrderSideBid, 20)

	res, err := f.matcher.Match(bid)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Outcome != MatchSuccess {
		t.Errorf("outcome = %s, want SUCCESS", res.Outcome)
	}
	if ask.Executed != 20 || ask.Remaining() != 30 {
		t.Errorf("ask executed=%d remaining=%d, want 20/30", ask.Executed, ask.Remaining())
	}
	if !f.book.Contains("ask") {
		t.Error("partially filled ask left the book")
	}
	if best, _ := f.book.BestAsk(); best != 100 {
		t.Errorf("best ask = %d, want 100", best)
	}
	if !slices.Equal(f.log.touched, []string{"ask"}) || len(f.log.filled) != 0 {
		t.Errorf("touched = %v, filled = %v", f.log.touched, f.log.filled)
	}
}

func TestMatch_TimePriorityWithinLevel(t *testing.T) {
	f := newMatchFixture()
	f.rest(t, limitOrder("a1", domain.OrderSideAsk, 100, 5))
	f.rest(t, limitOrder("a2", domain.OrderSideAsk, 100, 5))
	a3 := f.rest(t, limitOrder("a3", domain.OrderSideAsk, 100, 5))

	res, err := f.matcher.Match(marketOrder("bid", domain.OrderSideBid, 12))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	var makers []string
	for _, tr := range res.Fills {
		makers = append(makers, fmt.Sprintf("%s:%d", tr.MakerOrderID, tr.Quantity))
	}
	if !slices.Equal(makers, []string{"a1:5", "a2:5", "a3:2"}) {
		t.Errorf("fills = %v", makers)
	}
	if a3.Remaining() != 3 {
		t.Errorf("a3 remaining = %d, want 3", a3.Remaining())
	}
}

func TestMatch_PricePriorityAcrossLevels(t *testing.T) {
	f := newMatchFixture()
	f.rest(t, limitOrder("a101", domain.OrderSideAsk, 101, 5))
	f.rest(t, limitOrder("a100", domain.OrderSideAsk, 100, 5))
	f.rest(t, limitOrder("a107", domain.OrderSideAsk, 107, 5))

	bid := limitOrder("bid", domain.OrderSideBid, 105, 8)
	res, err := f.matcher.Match(bid)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	var prices []int64
	for _, tr := range res.Fills {
		prices = append(prices, tr.Price)
	}
	if !slices.Equal(prices, []int64{100, 101}) {
		t.Errorf("fill prices = %v, want [100 101]", prices)
	}
	if res.Outcome != MatchSuccess || res.Price != 101 {
		t.Errorf("result = %+v", res)
	}
	if best, _ := f.book.BestAsk(); best != 101 {
		t.Errorf("best ask = %d, want 101", best)
	}
}

func TestMatch_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		resting   []*domain.Order
		aggressor *domain.Order
		want      MatchOutcome
		wantQty   int64
	}{
		{
			name:      "empty book",
			aggressor: marketOrder("bid", domain.OrderSideBid, 5),
			want:      MatchFailure,
		},
		{
			name:      "limit does not cross",
			resting:   []*domain.Order{limitOrder("ask", domain.OrderSideAsk, 105, 5)},
			aggressor: limitOrder("bid", domain.OrderSideBid, 100, 5),
			want:      MatchFailure,
		},
		{
			name:      "limit partially filled",
			resting:   []*domain.Order{limitOrder("ask", domain.OrderSideAsk, 100, 5)},
			aggressor: limitOrder("bid", domain.OrderSideBid, 100, 8),
			want:      MatchPartial,
			wantQty:   5,
		},
		{
			name:      "market ask sweeps bids",
			resting:   []*domain.Order{limitOrder("b1", domain.OrderSideBid, 99, 3), limitOrder("b2", domain.OrderSideBid, 98, 3)},
			aggressor: marketOrder("ask", domain.OrderSideAsk, 6),
			want:      MatchSuccess,
			wantQty:   6,
		},
		{
			name:      "market exhausts book",
			resting:   []*domain.Order{limitOrder("b1", domain.OrderSideBid, 99, 3)},
			aggressor: marketOrder("ask", domain.OrderSideAsk, 10),
			want:      MatchPartial,
			wantQty:   3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMatchFixture()
			for _, o := range tt.resting {
				f.rest(t, o)
			}
			res, err := f.matcher.Match(tt.aggressor)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if res.Outcome != tt.want || res.Quantity != tt.wantQty {
				t.Errorf("got %s/%d, want %s/%d", res.Outcome, res.Quantity, tt.want, tt.wantQty)
			}
			if tt.aggressor.Executed != tt.wantQty {
				t.Errorf("aggressor executed = %d, want %d", tt.aggressor.Executed, tt.wantQty)
			}
		})
	}
}

func TestMatch_SkipsOwnGroup(t *testing.T) {
	f := newMatchFixture()
	own := limitOrder("own", domain.OrderSideAsk, 100, 5)
	own.GroupID = "g1"
	f.rest(t, own)
	other := f.rest(t, limitOrder("other", domain.OrderSideAsk, 100, 5))

	bid := marketOrder("bid", domain.OrderSideBid, 5)
	bid.GroupID = "g1"
	res, err := f.matcher.Match(bid)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Quantity != 5 || other.Executed != 5 || own.Executed != 0 {
		t.Errorf("qty=%d other=%d own=%d", res.Quantity, other.Executed, own.Executed)
	}
}

func TestMatch_OwnGroupLevelDoesNotBlockWorseLevels(t *testing.T) {
	f := newMatchFixture()
	own := limitOrder("own", domain.OrderSideBid, 100, 6)
	own.GroupID = "g1"
	f.rest(t, own)
	other := f.rest(t, limitOrder("other", domain.OrderSideBid, 95, 10))
	f.rest(t, limitOrder("far", domain.OrderSideBid, 80, 10))

	ask := limitOrder("exit", domain.OrderSideAsk, 90, 10)
	ask.GroupID = "g1"
	res, err := f.matcher.Match(ask)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Outcome != MatchSuccess || res.Price != 95 || other.Executed != 10 {
		t.Errorf("result = %+v, other executed %d", res, other.Executed)
	}
	if own.Executed != 0 || !f.book.Contains("own") {
		t.Errorf("own group order touched: %+v", own)
	}
	if best, _ := f.book.BestBid(); best != 100 {
		t.Errorf("best bid = %d, want 100", best)
	}
	if f.book.Contains("other") {
		t.Error("filled bid still on the book")
	}
}

func TestMatch_StopsWhenBestDoesNotImprove(t *testing.T) {
	f := newMatchFixture()
	own := limitOrder("own", domain.OrderSideAsk, 100, 5)
	own.GroupID = "g1"
	f.rest(t, own)

	bid := marketOrder("bid", domain.OrderSideBid, 5)
	bid.GroupID = "g1"
	res, err := f.matcher.Match(bid)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Outcome != MatchFailure {
		t.Errorf("outcome = %s, want FAILURE", res.Outcome)
	}
}

func TestMatch_MissingMakerIsInvariant(t *testing.T) {
	f := newMatchFixture()
	mustAppend(t, f.book, limitOrder("ghost", domain.OrderSideAsk, 100, 5))

	_, err := f.matcher.Match(marketOrder("bid", domain.OrderSideBid, 5))
	if !domain.IsInvariant(err) {
		t.Fatalf("err = %v, want InvariantError", err)
	}
}

func TestMatch_ListenerErrorStopsMatch(t *testing.T) {
	f := newMatchFixture()
	f.rest(t, limitOrder("a1", domain.OrderSideAsk, 100, 5))
	f.rest(t, limitOrder("a2", domain.OrderSideAsk, 100, 5))
	boom := errors.New("boom")
	f.log.err = boom

	_, err := f.matcher.Match(marketOrder("bid", domain.OrderSideBid, 10))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(f.log.filled) != 1 {
		t.Errorf("callbacks after error: %v", f.log.filled)
	}
}
