package engine

import (
	"fmt"
	"math"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// StrategyHandler owns the lifecycle rules of one strategy type. Every
// method reports business rejections as ORDER_REJECTED events and returns
// nil; a returned error is an invariant violation.
type StrategyHandler interface {
	HandleNew(c *ExecutionContext, req domain.NewOrder) error
	HandleFilled(c *ExecutionContext, o *domain.Order, tr domain.Trade) error
	HandleTouched(c *ExecutionContext, o *domain.Order, tr domain.Trade) error
	Cancel(c *ExecutionContext, o *domain.Order, qty domain.CancelQuantity) error
	Modify(c *ExecutionContext, o *domain.Order, req domain.ModifyOrder) error
	// Activate runs a parked STOP order once its trigger is reached.
	Activate(c *ExecutionContext, o *domain.Order) error
}

// groupFinisher is implemented by handlers whose orders live in groups.
// It decides what happens when a grouped order has nothing left standing.
type groupFinisher interface {
	finishInGroup(c *ExecutionContext, g *Group, o *domain.Order) error
}

func newHandlers() map[domain.StrategyType]StrategyHandler {
	return map[domain.StrategyType]StrategyHandler{
		domain.StrategySingle: singleHandler{},
		domain.StrategyOCO:    ocoHandler{},
		domain.StrategyOTO:    otoHandler{},
		domain.StrategyOTOCO:  otocoHandler{},
	}
}

// ---- validation ----

func validateOrder(id string, side domain.OrderSide, typ domain.OrderType, qty, limit, stop int64) error {
	if id == "" {
		return &domain.ValidationError{Message: "order_id is required"}
	}
	if !side.Valid() {
		return &domain.ValidationError{Message: fmt.Sprintf("invalid side %q", side)}
	}
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}
	if limit < 0 || stop < 0 {
		return domain.ErrInvalidPrice
	}
	if _, ok := domain.Notional(qty, max(limit, stop)); !ok {
		return domain.ErrInvalidQuantity
	}
	switch typ {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if limit == 0 {
			return domain.ErrInvalidPrice
		}
	case domain.OrderTypeStop:
		if stop == 0 {
			return domain.ErrInvalidPrice
		}
	default:
		return &domain.ValidationError{Message: fmt.Sprintf("invalid order_type %q", typ)}
	}
	return nil
}

// admissible checks the fields every new order needs, whatever its strategy.
func (c *ExecutionContext) admissible(req domain.NewOrder) error {
	if req.UserID == "" {
		return &domain.ValidationError{Message: "user_id is required"}
	}
	if err := validateOrder(req.OrderID, req.Side, req.Type, req.Quantity, req.LimitPrice, req.StopPrice); err != nil {
		return err
	}
	if c.Orders.Exists(req.OrderID) {
		return domain.ErrDuplicateOrder
	}
	return nil
}

func noBracket(req domain.NewOrder) error {
	if req.TakeProfit != nil || req.StopLoss != nil {
		return &domain.ValidationError{Message: "take_profit and stop_loss apply to OCO orders only"}
	}
	return nil
}

// checkBracket validates exit prices around ref for an entry on side: a
// bid entry needs SL < ref < TP, an ask entry SL > ref > TP. Absent
// prices are unbounded and ref 0 skips the market check.
func checkBracket(side domain.OrderSide, sl, tp *int64, ref int64) error {
	if (sl != nil && *sl <= 0) || (tp != nil && *tp <= 0) {
		return domain.ErrInvalidPrice
	}
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	below, above := sl, tp
	if side == domain.OrderSideAsk {
		below, above = tp, sl
	}
	if below != nil {
		lo = *below
	}
	if above != nil {
		hi = *above
	}
	if lo >= hi {
		return domain.ErrInvalidBracket
	}
	if ref > 0 && (ref <= lo || ref >= hi) {
		return domain.ErrInvalidBracket
	}
	return nil
}

// exitsFit reports whether qty lots can be escrowed at each exit price.
func exitsFit(qty int64, prices ...*int64) bool {
	for _, p := range prices {
		if p == nil {
			continue
		}
		if _, ok := domain.Notional(qty, *p); !ok {
			return false
		}
	}
	return true
}

// bracketRef is the price exits are checked against: the entry's limit
// while it is an unexecuted LIMIT, its stop while parked, otherwise the
// market reference.
func (c *ExecutionContext) bracketRef(entry *domain.Order, limit int64) int64 {
	if entry.Executed == 0 && entry.Remaining() > 0 {
		switch entry.Type {
		case domain.OrderTypeLimit:
			return limit
		case domain.OrderTypeStop:
			if entry.Status == domain.OrderStatusWaiting {
				return entry.StopPrice
			}
		}
	}
	return c.ReferencePrice()
}

// ---- order construction ----

func (c *ExecutionContext) newOrder(req domain.NewOrder) *domain.Order {
	o := &domain.Order{
		ID:           req.OrderID,
		UserID:       req.UserID,
		InstrumentID: c.Instrument.ID,
		Tag:          domain.TagEntry,
		Side:         req.Side,
		Type:         req.Type,
		Strategy:     req.Strategy,
		Quantity:     req.Quantity,
		Status:       domain.OrderStatusPending,
		CreatedAt:    c.now,
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		o.Price = req.LimitPrice
	case domain.OrderTypeStop:
		o.StopPrice = req.StopPrice
	}
	return o
}

// newLeg builds an unplaced linked order belonging to parent.
func (c *ExecutionContext) newLeg(parent *domain.Order, leg domain.LegSpec) *domain.Order {
	tag := leg.Tag
	if tag == "" {
		tag = domain.TagEntry
	}
	o := &domain.Order{
		ID:           leg.OrderID,
		UserID:       parent.UserID,
		InstrumentID: c.Instrument.ID,
		Tag:          tag,
		Side:         leg.Side,
		Type:         leg.Type,
		Strategy:     parent.Strategy,
		Quantity:     leg.Quantity,
		ParentID:     parent.ID,
		GroupID:      parent.GroupID,
		Status:       domain.OrderStatusWaiting,
		CreatedAt:    c.now,
	}
	if leg.Type == domain.OrderTypeLimit {
		o.Price = leg.LimitPrice
	}
	return o
}

// ---- shared cancel and modify ----

// cancelStanding reduces o's standing quantity by q, releasing the escrow
// it held. An order left with nothing standing leaves the book and is
// finished.
func (c *ExecutionContext) cancelStanding(o *domain.Order, q domain.CancelQuantity, reason string) error {
	standing := o.Remaining()
	if o.Status.Terminal() || standing == 0 {
		return c.reject(o.ID, o.UserID, domain.ErrOrderClosed)
	}
	n := q.Clamp(standing)
	o.Cancelled += n
	if err := c.releaseOrder(o, cancelEscrow(o, n)); err != nil {
		return err
	}

	if o.Remaining() > 0 {
		c.emitOrder(domain.EventOrderPartiallyCancelled, o, n, displayPrice(o),
			"remaining", fmt.Sprint(o.Remaining()))
		return nil
	}
	c.unbook(o)
	o.Status = domain.OrderStatusCancelled
	c.emitOrder(domain.EventOrderCancelled, o, n, displayPrice(o), "reason", reason)
	return c.finish(o)
}

// modifyLimit reprices a LIMIT order that has not executed. The order
// loses its time priority. A bid's escrow follows the new price. Orders
// not yet placed are repriced without touching the book or balances.
// It reports whether the change was applied.
func (c *ExecutionContext) modifyLimit(o *domain.Order, price int64) (bool, error) {
	if o.Type != domain.OrderTypeLimit || o.Executed > 0 || c.exitGroupOf(o) != nil {
		return false, c.reject(o.ID, o.UserID, domain.ErrModifyNotAllowed)
	}
	if o.Status.Terminal() || o.Remaining() == 0 {
		return false, c.reject(o.ID, o.UserID, domain.ErrOrderClosed)
	}
	if price <= 0 {
		return false, c.reject(o.ID, o.UserID, domain.ErrInvalidPrice)
	}
	if _, ok := domain.Notional(o.Quantity, price); !ok {
		return false, c.reject(o.ID, o.UserID, domain.ErrInvalidPrice)
	}

	unplaced := o.Status == domain.OrderStatusWaiting
	if !unplaced {
		if best, ok := c.Book.Best(o.Side.Opposite()); ok {
			if (o.Side == domain.OrderSideBid && price >= best) || (o.Side == domain.OrderSideAsk && price <= best) {
				return false, c.reject(o.ID, o.UserID, domain.ErrCrossesMarket)
			}
		}
		if o.Side == domain.OrderSideBid {
			delta := o.Remaining()*price - o.Escrowed
			if delta > 0 {
				if _, err := c.Balances.Reserve(o.UserID, FundsCash, delta); err != nil {
					return false, c.reject(o.ID, o.UserID, err)
				}
				o.Escrowed += delta
			} else if err := c.releaseOrder(o, -delta); err != nil {
				return false, err
			}
		}
	}

	old := o.Price
	booked := c.Book.Remove(o.ID)
	o.Price = price
	o.CreatedAt = c.now
	if booked {
		if err := c.Book.Append(o); err != nil {
			return false, err
		}
	}
	c.emitOrder(domain.EventOrderModified, o, o.Remaining(), price,
		"previous_price", domain.FromTicks(old).String())
	return true, nil
}

// modifyPlain handles a modify on an order with no exits: only the limit
// price may change.
func (c *ExecutionContext) modifyPlain(o *domain.Order, req domain.ModifyOrder) error {
	if req.TakeProfit.Set || req.StopLoss.Set {
		return c.reject(o.ID, o.UserID,
			&domain.ValidationError{Message: "take_profit and stop_loss apply to OCO and OTOCO orders only"})
	}
	if req.LimitPrice.Removes() {
		return c.reject(o.ID, o.UserID, &domain.ValidationError{Message: "limit_price cannot be removed"})
	}
	_, err := c.modifyLimit(o, *req.LimitPrice.Value)
	return err
}
