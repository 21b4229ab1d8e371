package domain

import "time"

// Trade is one execution between an aggressor and a resting order. It
// always prints at the maker's price.
type Trade struct {
	TradeID      string
	InstrumentID string
	TakerOrderID string
	MakerOrderID string
	TakerSide    OrderSide
	Price        int64 // ticks
	Quantity     int64
	ExecutedAt   time.Time
}
