package engine

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// Feature: matching, Property 1: quantity is conserved. What the
// aggressor executes equals what all makers executed, and both equal the
// sum of the fills.

func TestProperty_MatchConservesQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newMatchFixture()
		side := rapid.SampledFrom([]domain.OrderSide{domain.OrderSideBid, domain.OrderSideAsk}).Draw(t, "side")

		n := rapid.IntRange(0, 25).Draw(t, "resting")
		var makers []*domain.Order
		var before int64
		for i := 0; i < n; i++ {
			o := limitOrder(fmt.Sprintf("m-%d", i), side.Opposite(),
				rapid.Int64Range(95, 105).Draw(t, fmt.Sprintf("mp-%d", i)),
				rapid.Int64Range(1, 20).Draw(t, fmt.Sprintf("mq-%d", i)))
			o.Executed = rapid.Int64Range(0, o.Quantity-1).Draw(t, fmt.Sprintf("mx-%d", i))
			if err := f.orders.Create(o); err != nil {
				t.Fatal(err)
			}
			if err := f.book.Append(o); err != nil {
				t.Fatal(err)
			}
			makers = append(makers, o)
			before += o.Executed
		}

		var aggressor *domain.Order
		qty := rapid.Int64Range(1, 200).Draw(t, "qty")
		if rapid.Bool().Draw(t, "market") {
			aggressor = marketOrder("taker", side, qty)
		} else {
			aggressor = limitOrder("taker", side, rapid.Int64Range(90, 110).Draw(t, "limit"), qty)
		}

		res, err := f.matcher.Match(aggressor)
		if err != nil {
			t.Fatalf("match: %v", err)
		}

		var fills, after int64
		for _, tr := range res.Fills {
			if tr.Quantity <= 0 {
				t.Fatalf("non-positive fill %+v", tr)
			}
			if !aggressor.Crosses(tr.Price) {
				t.Fatalf("fill at %d outside aggressor limit %d", tr.Price, aggressor.Price)
			}
			fills += tr.Quantity
		}
		for _, m := range makers {
			if m.Remaining() < 0 {
				t.Fatalf("maker %s overfilled", m.ID)
			}
			if m.Remaining() == 0 && f.book.Contains(m.ID) {
				t.Fatalf("filled maker %s still on the book", m.ID)
			}
			after += m.Executed
		}
		if fills != aggressor.Executed || fills != after-before || fills != res.Quantity {
			t.Fatalf("fills=%d aggressor=%d makers=%d result=%d", fills, aggressor.Executed, after-before, res.Quantity)
		}
		if aggressor.Executed > aggressor.Quantity {
			t.Fatalf("aggressor overfilled: %d > %d", aggressor.Executed, aggressor.Quantity)
		}
	})
}

// Feature: matching, Property 2: price-time priority. Fills never get
// better for the aggressor as matching proceeds, and within a price they
// follow arrival order.

func TestProperty_MatchFollowsPriceTimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newMatchFixture()
		arrival := map[string]int{}
		n := rapid.IntRange(1, 30).Draw(t, "resting")
		for i := 0; i < n; i++ {
			o := limitOrder(fmt.Sprintf("a-%d", i), domain.OrderSideAsk,
				rapid.Int64Range(100, 104).Draw(t, fmt.Sprintf("p-%d", i)),
				rapid.Int64Range(1, 5).Draw(t, fmt.Sprintf("q-%d", i)))
			if err := f.orders.Create(o); err != nil {
				t.Fatal(err)
			}
			if err := f.book.Append(o); err != nil {
				t.Fatal(err)
			}
			arrival[o.ID] = i
		}

		res, err := f.matcher.Match(marketOrder("bid", domain.OrderSideBid, rapid.Int64Range(1, 150).Draw(t, "qty")))
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		for i := 1; i < len(res.Fills); i++ {
			prev, cur := res.Fills[i-1], res.Fills[i]
			if cur.Price < prev.Price {
				t.Fatalf("fill %d at %d after %d", i, cur.Price, prev.Price)
			}
			if cur.Price == prev.Price && arrival[cur.MakerOrderID] < arrival[prev.MakerOrderID] {
				t.Fatalf("at %d, %s filled after later %s", cur.Price, cur.MakerOrderID, prev.MakerOrderID)
			}
		}
		// Everything cheaper than the last fill price is gone.
		if len(res.Fills) > 0 {
			last := res.Fills[len(res.Fills)-1].Price
			if best, ok := f.book.BestAsk(); ok && best < last {
				t.Fatalf("ask %d left resting below last fill %d", best, last)
			}
		}
	})
}
