package engine

import (
	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/store"
)

// MatchOutcome summarizes how much of an aggressor traded.
type MatchOutcome string

const (
	MatchFailure MatchOutcome = "FAILURE"
	MatchPartial MatchOutcome = "PARTIAL"
	MatchSuccess MatchOutcome = "SUCCESS"
)

// MatchResult is returned by Matcher.Match. Price is the last fill price.
type MatchResult struct {
	Outcome  MatchOutcome
	Price    int64
	Quantity int64
	Fills    []domain.Trade
}

// FillListener is told about every resting order the matcher executes
// against. MakerFilled runs after the maker has left the book.
type FillListener interface {
	MakerFilled(maker *domain.Order, trade domain.Trade) error
	MakerTouched(maker *domain.Order, trade domain.Trade) error
}

// Matcher runs price-time priority matching for one book. It mutates
// order quantities and the book only; balances and events belong to the
// listener.
type Matcher struct {
	book     *OrderBook
	orders   *store.OrderStore
	listener FillListener
	newTrade func(taker, maker *domain.Order, qty, price int64) domain.Trade
}

// NewMatcher creates a Matcher. newTrade stamps ids and timestamps on fills.
func NewMatcher(
	book *OrderBook,
	orders *store.OrderStore,
	listener FillListener,
	newTrade func(taker, maker *domain.Order, qty, price int64) domain.Trade,
) *Matcher {
	return &Matcher{book: book, orders: orders, listener: listener, newTrade: newTrade}
}

// Match executes aggressor against the opposite side of the book. It
// walks levels best first and orders within a level oldest first, filling
// at the maker's price. Resting orders from the aggressor's own strategy
// group are skipped. Each pass moves to a strictly worse level than the
// one before, so the loop stops when the aggressor is done, the opposite
// side is exhausted, or the next level no longer crosses.
func (m *Matcher) Match(aggressor *domain.Order) (MatchResult, error) {
	var result MatchResult
	opposite := aggressor.Side.Opposite()

	// Step 1: Peek the best opposite price.
	price, ok := m.book.Best(opposite)
	for ok && aggressor.Remaining() > 0 {
		if !aggressor.Crosses(price) {
			break
		}

		// Step 2: Walk the level in time priority.
		for id := range m.book.Orders(opposite, price) {
			maker, err := m.orders.Get(id)
			if err != nil {
				return result, domain.Invariantf("match", "resting order %s missing from store: %v", id, err)
			}
			if aggressor.GroupID != "" && maker.GroupID == aggressor.GroupID {
				continue
			}

			qty := min(maker.Remaining(), aggressor.Remaining())
			if qty <= 0 {
				return result, domain.Invariantf("match", "resting order %s has remaining %d", id, maker.Remaining())
			}

			// Step 3: Apply the fill to both sides at the maker price.
			aggressor.Fill(qty)
			maker.Fill(qty)
			if aggressor.Remaining() < 0 || maker.Remaining() < 0 {
				return result, domain.Invariantf("match", "overfill between %s and %s", aggressor.ID, maker.ID)
			}
			m.book.SetLastPrice(price)

			trade := m.newTrade(aggressor, maker, qty, price)
			result.Fills = append(result.Fills, trade)
			result.Quantity += qty
			result.Price = price

			// Step 4: Notify the maker's owner.
			if maker.Remaining() == 0 {
				m.book.Remove(maker.ID)
				err = m.listener.MakerFilled(maker, trade)
			} else {
				err = m.listener.MakerTouched(maker, trade)
			}
			if err != nil {
				return result, err
			}

			if aggressor.Remaining() == 0 {
				break
			}
		}

		// Whatever still rests at this price belongs to the aggressor's
		// own group.
		price, ok = m.book.NextLevel(opposite, price)
	}

	switch {
	case result.Quantity == 0:
		result.Outcome = MatchFailure
	case aggressor.Remaining() > 0:
		result.Outcome = MatchPartial
	default:
		result.Outcome = MatchSuccess
	}
	return result, nil
}
