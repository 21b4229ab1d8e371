package engine

import (
	"iter"

	"github.com/google/btree"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// levelNode is one resting order inside a PriceLevel. A removed node keeps
// its next pointer so an iterator parked on it can still move forward.
type levelNode struct {
	id       string
	prev     *levelNode
	next     *levelNode
	detached bool
}

// PriceLevel is the FIFO queue of resting order ids at one price. Append
// and remove are O(1) through the id→node index.
type PriceLevel struct {
	Price int64
	head  *levelNode
	tail  *levelNode
	nodes map[string]*levelNode
}

func newPriceLevel(price int64) *PriceLevel {
	return &PriceLevel{Price: price, nodes: make(map[string]*levelNode)}
}

// Append adds id at the tail. It returns false if id is already queued.
func (l *PriceLevel) Append(id string) bool {
	if _, ok := l.nodes[id]; ok {
		return false
	}
	n := &levelNode{id: id, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.nodes[id] = n
	return true
}

// Remove unlinks id. It returns false if id is not queued here.
func (l *PriceLevel) Remove(id string) bool {
	n, ok := l.nodes[id]
	if !ok {
		return false
	}
	delete(l.nodes, id)
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.detached = true
	return true
}

// Len returns the number of queued orders.
func (l *PriceLevel) Len() int {
	return len(l.nodes)
}

// Contains reports whether id is queued at this level.
func (l *PriceLevel) Contains(id string) bool {
	_, ok := l.nodes[id]
	return ok
}

// Orders yields ids from head to tail, oldest first. The sequence is lazy
// and may be ranged over again. Orders removed while iterating, including
// the one just yielded, are skipped.
func (l *PriceLevel) Orders() iter.Seq[string] {
	return func(yield func(string) bool) {
		for n := l.head; n != nil; n = n.next {
			if n.detached {
				continue
			}
			if !yield(n.id) {
				return
			}
		}
	}
}

// DepthLevel is an aggregated view of one price level.
type DepthLevel struct {
	Price         int64
	TotalQuantity int64
	OrderCount    int
}

type location struct {
	side  domain.OrderSide
	price int64
}

// OrderBook holds the bid and ask sides of one instrument. Each side is a
// B-tree of PriceLevels whose minimum is the best price. The book stores
// ids only; order state lives in the order store.
type OrderBook struct {
	instrument string
	bids       *btree.BTreeG[*PriceLevel]
	asks       *btree.BTreeG[*PriceLevel]
	where      map[string]location

	bestBid, bestAsk int64
	hasBid, hasAsk   bool

	lastPrice int64
	hasLast   bool
}

// bidLess orders the bid side highest price first.
func bidLess(a, b *PriceLevel) bool { return a.Price > b.Price }

// askLess orders the ask side lowest price first.
func askLess(a, b *PriceLevel) bool { return a.Price < b.Price }

// NewOrderBook creates an empty book for the given instrument.
func NewOrderBook(instrument string) *OrderBook {
	const degree = 32
	return &OrderBook{
		instrument: instrument,
		bids:       btree.NewG[*PriceLevel](degree, bidLess),
		asks:       btree.NewG[*PriceLevel](degree, askLess),
		where:      make(map[string]location),
	}
}

func (ob *OrderBook) tree(side domain.OrderSide) *btree.BTreeG[*PriceLevel] {
	if side == domain.OrderSideBid {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) level(side domain.OrderSide, price int64) (*PriceLevel, bool) {
	return ob.tree(side).Get(&PriceLevel{Price: price})
}

// Append queues o at the tail of its price level, creating the level if
// needed, and moves the cached best price when o improves it.
func (ob *OrderBook) Append(o *domain.Order) error {
	if _, ok := ob.where[o.ID]; ok {
		return domain.Invariantf("book.append", "order %s is already resting", o.ID)
	}
	if o.Remaining() <= 0 {
		return domain.Invariantf("book.append", "order %s has nothing left to rest", o.ID)
	}

	lvl, ok := ob.level(o.Side, o.Price)
	if !ok {
		lvl = newPriceLevel(o.Price)
		ob.tree(o.Side).ReplaceOrInsert(lvl)
	}
	lvl.Append(o.ID)
	ob.where[o.ID] = location{side: o.Side, price: o.Price}

	switch o.Side {
	case domain.OrderSideBid:
		if !ob.hasBid || o.Price > ob.bestBid {
			ob.bestBid, ob.hasBid = o.Price, true
		}
	case domain.OrderSideAsk:
		if !ob.hasAsk || o.Price < ob.bestAsk {
			ob.bestAsk, ob.hasAsk = o.Price, true
		}
	}
	return nil
}

// Remove takes id off the book. An emptied level is dropped, and if it held
// the best price the next-best level becomes the best. It returns false if
// id was not resting.
func (ob *OrderBook) Remove(id string) bool {
	loc, ok := ob.where[id]
	if !ok {
		return false
	}
	delete(ob.where, id)

	tree := ob.tree(loc.side)
	lvl, ok := tree.Get(&PriceLevel{Price: loc.price})
	if !ok {
		return false
	}
	lvl.Remove(id)
	if lvl.Len() > 0 {
		return true
	}

	tree.Delete(lvl)
	next, hasNext := tree.Min()
	switch loc.side {
	case domain.OrderSideBid:
		if loc.price == ob.bestBid {
			ob.hasBid = hasNext
			ob.bestBid = 0
			if hasNext {
				ob.bestBid = next.Price
			}
		}
	case domain.OrderSideAsk:
		if loc.price == ob.bestAsk {
			ob.hasAsk = hasNext
			ob.bestAsk = 0
			if hasNext {
				ob.bestAsk = next.Price
			}
		}
	}
	return true
}

// Contains reports whether id is resting on either side.
func (ob *OrderBook) Contains(id string) bool {
	_, ok := ob.where[id]
	return ok
}

// Best returns the best price on side, or false if the side is empty.
func (ob *OrderBook) Best(side domain.OrderSide) (int64, bool) {
	if side == domain.OrderSideBid {
		return ob.bestBid, ob.hasBid
	}
	return ob.bestAsk, ob.hasAsk
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (int64, bool) { return ob.bestBid, ob.hasBid }

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (int64, bool) { return ob.bestAsk, ob.hasAsk }

// Orders yields the ids resting at price on side, oldest first. A price
// with no level yields nothing.
func (ob *OrderBook) Orders(side domain.OrderSide, price int64) iter.Seq[string] {
	lvl, ok := ob.level(side, price)
	if !ok {
		return func(func(string) bool) {}
	}
	return lvl.Orders()
}

// Walk visits levels on side from best to worst until fn returns false.
func (ob *OrderBook) Walk(side domain.OrderSide, fn func(*PriceLevel) bool) {
	ob.tree(side).Ascend(btree.ItemIteratorG[*PriceLevel](fn))
}

// NextLevel returns the best price on side strictly worse than after.
func (ob *OrderBook) NextLevel(side domain.OrderSide, after int64) (int64, bool) {
	var price int64
	found := false
	ob.tree(side).AscendGreaterOrEqual(&PriceLevel{Price: after}, func(lvl *PriceLevel) bool {
		if lvl.Price == after {
			return true
		}
		price, found = lvl.Price, true
		return false
	})
	return price, found
}

// Depth aggregates up to n levels of side. remaining reports the standing
// quantity of a resting order.
func (ob *OrderBook) Depth(side domain.OrderSide, n int, remaining func(id string) int64) []DepthLevel {
	if n <= 0 {
		return nil
	}
	levels := make([]DepthLevel, 0, n)
	ob.Walk(side, func(lvl *PriceLevel) bool {
		if len(levels) >= n {
			return false
		}
		d := DepthLevel{Price: lvl.Price, OrderCount: lvl.Len()}
		for id := range lvl.Orders() {
			d.TotalQuantity += remaining(id)
		}
		levels = append(levels, d)
		return true
	})
	return levels
}

// LevelCount returns the number of non-empty price levels on side.
func (ob *OrderBook) LevelCount(side domain.OrderSide) int {
	return ob.tree(side).Len()
}

// OrderCount returns the number of resting orders on side.
func (ob *OrderBook) OrderCount(side domain.OrderSide) int {
	count := 0
	ob.Walk(side, func(lvl *PriceLevel) bool {
		count += lvl.Len()
		return true
	})
	return count
}

// LastPrice returns the price of the most recent trade.
func (ob *OrderBook) LastPrice() (int64, bool) {
	return ob.lastPrice, ob.hasLast
}

// SetLastPrice records a trade print.
func (ob *OrderBook) SetLastPrice(price int64) {
	ob.lastPrice, ob.hasLast = price, true
}
