package engine

import (
	"github.com/google/btree"

	"github.com/efreitasn/ordermatch/internal/domain"
)

type stopEntry struct {
	stop int64
	seq  uint64
	id   string
}

// StopBook parks STOP orders until the last trade price reaches their
// trigger. Buy stops fire once the price rises to the stop, sell stops
// once it falls to it; among equal stops the earliest parked fires first.
type StopBook struct {
	buys  *btree.BTreeG[stopEntry]
	sells *btree.BTreeG[stopEntry]
	index map[string]stopEntry
	sides map[string]domain.OrderSide
	seq   uint64
}

// NewStopBook creates an empty StopBook.
func NewStopBook() *StopBook {
	return &StopBook{
		buys: btree.NewG[stopEntry](16, func(a, b stopEntry) bool {
			if a.stop != b.stop {
				return a.stop < b.stop
			}
			return a.seq < b.seq
		}),
		sells: btree.NewG[stopEntry](16, func(a, b stopEntry) bool {
			if a.stop != b.stop {
				return a.stop > b.stop
			}
			return a.seq < b.seq
		}),
		index: make(map[string]stopEntry),
		sides: make(map[string]domain.OrderSide),
	}
}

func (sb *StopBook) tree(side domain.OrderSide) *btree.BTreeG[stopEntry] {
	if side == domain.OrderSideBid {
		return sb.buys
	}
	return sb.sells
}

// Add parks o under its stop price.
func (sb *StopBook) Add(o *domain.Order) {
	sb.seq++
	e := stopEntry{stop: o.StopPrice, seq: sb.seq, id: o.ID}
	sb.tree(o.Side).ReplaceOrInsert(e)
	sb.index[o.ID] = e
	sb.sides[o.ID] = o.Side
}

// Remove unparks id. It returns false if id was not parked.
func (sb *StopBook) Remove(id string) bool {
	e, ok := sb.index[id]
	if !ok {
		return false
	}
	sb.tree(sb.sides[id]).Delete(e)
	delete(sb.index, id)
	delete(sb.sides, id)
	return true
}

// Contains reports whether id is parked.
func (sb *StopBook) Contains(id string) bool {
	_, ok := sb.index[id]
	return ok
}

// Len returns the number of parked orders.
func (sb *StopBook) Len() int {
	return len(sb.index)
}

// PopTriggered removes and returns the first parked order whose trigger
// is satisfied by price, buys before sells.
func (sb *StopBook) PopTriggered(price int64) (string, bool) {
	if e, ok := sb.buys.Min(); ok && e.stop <= price {
		sb.Remove(e.id)
		return e.id, true
	}
	if e, ok := sb.sells.Min(); ok && e.stop >= price {
		sb.Remove(e.id)
		return e.id, true
	}
	return "", false
}
