package domain

import "time"

// OrderType distinguishes market, limit and stop orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderSide indicates whether an order is a bid (buy) or ask (sell).
type OrderSide string

const (
	OrderSideBid OrderSide = "BID"
	OrderSideAsk OrderSide = "ASK"
)

// Opposite returns the side an order of this side matches against.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBid {
		return OrderSideAsk
	}
	return OrderSideBid
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBid || s == OrderSideAsk
}

// Tag is the role an order plays inside its strategy group.
type Tag string

const (
	TagEntry      Tag = "ENTRY"
	TagStopLoss   Tag = "STOP_LOSS"
	TagTakeProfit Tag = "TAKE_PROFIT"
)

// StrategyType selects the lifecycle rules applied to an order.
type StrategyType string

const (
	StrategySingle StrategyType = "SINGLE"
	StrategyOCO    StrategyType = "OCO"
	StrategyOTO    StrategyType = "OTO"
	StrategyOTOCO  StrategyType = "OTOCO"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusWaiting         OrderStatus = "waiting_trigger"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills or cancels can apply.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is the unit matched by the book. Prices are in ticks (see money.go).
type Order struct {
	ID           string
	UserID       string
	InstrumentID string
	Tag          Tag
	Side         OrderSide
	Type         OrderType
	Strategy     StrategyType
	Quantity     int64
	Executed     int64
	Cancelled    int64
	Price        int64 // limit price, exit level for legs, or the collar of a market bid
	StopPrice    int64 // trigger price, STOP orders only
	ParentID     string
	ChildID      string
	GroupID      string
	Status       OrderStatus
	CreatedAt    time.Time

	// Escrowed is what is still held in escrow for this order: cash for
	// bids, asset quantity for asks. Exit legs escrow at group level instead.
	Escrowed int64
}

// Remaining is the quantity still standing: neither executed nor cancelled.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.Executed - o.Cancelled
}

// Fill applies qty of execution and advances the status.
func (o *Order) Fill(qty int64) {
	o.Executed += qty
	if o.Remaining() == 0 {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// IsMarketable reports whether the order executes without a limit price.
func (o *Order) IsMarketable() bool {
	return o.Type == OrderTypeMarket || o.Type == OrderTypeStop
}

// Crosses reports whether o trades against price. Market and stop orders
// cross every price unless they carry a collar in Price.
func (o *Order) Crosses(price int64) bool {
	if o.IsMarketable() && o.Price == 0 {
		return true
	}
	if o.Side == OrderSideBid {
		return o.Price >= price
	}
	return o.Price <= price
}
