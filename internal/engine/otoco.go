package engine

import (
	"fmt"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// otocoHandler runs a parent order whose full fill places a take-profit
// and a stop-loss that then behave as OCO exits.
type otocoHandler struct{}

func (otocoHandler) HandleNew(c *ExecutionContext, req domain.NewOrder) error {
	if err := c.admissible(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if err := noBracket(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	tp, sl, err := otocoLegs(c, req)
	if err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	ref := c.ReferencePrice()
	switch req.Type {
	case domain.OrderTypeLimit:
		ref = req.LimitPrice
	case domain.OrderTypeStop:
		ref = req.StopPrice
	}
	if err := checkBracket(req.Side, &sl.LimitPrice, &tp.LimitPrice, ref); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}

	parent := c.newOrder(req)
	parent.GroupID = c.groupID(parent.ID)
	tpOrder := c.newLeg(parent, tp)
	slOrder := c.newLeg(parent, sl)
	tpPrice, slPrice := tp.LimitPrice, sl.LimitPrice

	g := &Group{
		ID:              parent.GroupID,
		Kind:            domain.StrategyOTOCO,
		UserID:          parent.UserID,
		Side:            parent.Side,
		EntryID:         parent.ID,
		TakeProfitID:    tpOrder.ID,
		StopLossID:      slOrder.ID,
		TakeProfitPrice: &tpPrice,
		StopLossPrice:   &slPrice,
	}
	c.groups[g.ID] = g
	accepted, err := c.submit(parent, func() error {
		for _, o := range []*domain.Order{tpOrder, slOrder} {
			if err := c.Orders.Create(o); err != nil {
				return domain.Invariantf("otoco.new", "leg %s: %v", o.ID, err)
			}
			c.emitOrder(domain.EventOrderNew, o, o.Quantity, o.Price,
				"order_type", string(o.Type), "state", "pending_trigger")
		}
		return nil
	})
	if !accepted {
		delete(c.groups, g.ID)
	}
	return err
}

// otocoLegs checks the two linked legs: one take-profit and one
// stop-loss, both LIMIT, opposite the parent, of equal size no larger
// than the parent.
func otocoLegs(c *ExecutionContext, req domain.NewOrder) (tp, sl domain.LegSpec, err error) {
	if len(req.Legs) != 2 {
		return tp, sl, &domain.ValidationError{Message: "OTOCO requires exactly two linked legs"}
	}
	var haveTP, haveSL bool
	for _, leg := range req.Legs {
		if err := validateChild(c, req, leg); err != nil {
			return tp, sl, err
		}
		if leg.Type != domain.OrderTypeLimit {
			return tp, sl, &domain.ValidationError{Message: "OTOCO legs must be LIMIT"}
		}
		if leg.Side != req.Side.Opposite() {
			return tp, sl, &domain.ValidationError{Message: "OTOCO legs must be on the opposite side of the parent"}
		}
		switch leg.Tag {
		case domain.TagTakeProfit:
			tp, haveTP = leg, true
		case domain.TagStopLoss:
			sl, haveSL = leg, true
		}
	}
	if !haveTP || !haveSL {
		return tp, sl, &domain.ValidationError{Message: "OTOCO legs must be tagged TAKE_PROFIT and STOP_LOSS"}
	}
	if tp.OrderID == sl.OrderID {
		return tp, sl, domain.ErrDuplicateOrder
	}
	if tp.Quantity != sl.Quantity || tp.Quantity > req.Quantity {
		return tp, sl, &domain.ValidationError{
			Message: fmt.Sprintf("OTOCO legs must have equal quantity of at most %d", req.Quantity)}
	}
	return tp, sl, nil
}

func (h otocoHandler) HandleFilled(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	g := c.groupOf(o)
	if g == nil {
		return singleHandler{}.HandleFilled(c, o, tr)
	}
	if g.isExit(o.ID) {
		return c.exitFilled(g, o, tr, true)
	}
	if err := c.settle(o, tr, true); err != nil {
		return err
	}
	if err := c.releaseOrder(o, o.Escrowed); err != nil {
		return err
	}
	c.after(func() error { return h.trigger(c, g) })
	return nil
}

func (otocoHandler) HandleTouched(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	g := c.groupOf(o)
	if g != nil && g.Triggered && g.isExit(o.ID) {
		return c.exitFilled(g, o, tr, false)
	}
	return c.settle(o, tr, false)
}

// trigger places both exits once the parent has filled: the take-profit
// is executed and the stop-loss parked until its price trades. If the
// exit escrow cannot be held the legs are rejected and the group ends.
func (otocoHandler) trigger(c *ExecutionContext, g *Group) error {
	if g.closed {
		return nil
	}
	parent, err := c.Orders.Get(g.EntryID)
	if err != nil {
		return domain.Invariantf("otoco.trigger", "parent %s missing from store", g.EntryID)
	}
	tp, err := c.Orders.Get(g.TakeProfitID)
	if err != nil {
		return domain.Invariantf("otoco.trigger", "leg %s missing from store", g.TakeProfitID)
	}
	sl, err := c.Orders.Get(g.StopLossID)
	if err != nil {
		return domain.Invariantf("otoco.trigger", "leg %s missing from store", g.StopLossID)
	}

	g.Triggered = true
	g.Open = tp.Remaining()
	if err := c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice); err != nil {
		if domain.IsInvariant(err) {
			return err
		}
		g.Open = 0
		for _, leg := range []*domain.Order{tp, sl} {
			if err := c.rejectLeg(leg, err); err != nil {
				return err
			}
		}
		g.TakeProfitID, g.StopLossID = "", ""
		g.closed = true
		delete(c.groups, g.ID)
		return c.retire(parent)
	}

	tp.Status = domain.OrderStatusPending
	tp.CreatedAt, sl.CreatedAt = c.now, c.now
	c.parkExit(sl)
	c.emitOrder(domain.EventOrderTriggered, tp, tp.Remaining(), tp.Price, "parent_id", parent.ID)
	c.emitOrder(domain.EventOrderTriggered, sl, sl.Remaining(), sl.Price,
		"parent_id", parent.ID, "state", "waiting_trigger")
	if tp.Remaining() == 0 || c.Book.Contains(tp.ID) {
		return nil
	}
	return c.execute(tp)
}

func (otocoHandler) Cancel(c *ExecutionContext, o *domain.Order, q domain.CancelQuantity) error {
	g := c.groupOf(o)
	switch {
	case g == nil, o.ID == g.EntryID:
		return c.cancelStanding(o, q, "user_request")
	case g.Triggered:
		return c.cancelExits(g, o, q)
	}

	// Untriggered legs shrink together; cancelling all of either
	// abandons the whole intent.
	standing := o.Remaining()
	n := q.Clamp(standing)
	if n == standing {
		parent, err := c.Orders.Get(g.EntryID)
		if err != nil {
			return domain.Invariantf("otoco.cancel", "parent %s missing from store", g.EntryID)
		}
		return c.cancelStanding(parent, domain.CancelAll, "leg_cancelled")
	}
	for _, id := range []string{g.TakeProfitID, g.StopLossID} {
		leg, err := c.Orders.Get(id)
		if err != nil {
			return domain.Invariantf("otoco.cancel", "leg %s missing from store", id)
		}
		leg.Cancelled += n
		c.emitOrder(domain.EventOrderPartiallyCancelled, leg, n, leg.Price,
			"remaining", fmt.Sprint(leg.Remaining()), "state", "pending_trigger")
	}
	return nil
}

func (otocoHandler) Modify(c *ExecutionContext, o *domain.Order, req domain.ModifyOrder) error {
	g := c.groupOf(o)
	if g == nil {
		return c.modifyPlain(o, req)
	}
	return c.modifyBracket(g, o, req)
}

func (otocoHandler) Activate(c *ExecutionContext, o *domain.Order) error {
	return c.activate(o)
}

// finishInGroup runs when the parent stops standing before it filled in
// full. Neither leg will ever be placed, so both are cancelled.
func (otocoHandler) finishInGroup(c *ExecutionContext, g *Group, o *domain.Order) error {
	if o.ID != g.EntryID || g.Triggered {
		return domain.Invariantf("otoco.finish", "order %s finished outside a fill", o.ID)
	}
	for _, id := range []string{g.TakeProfitID, g.StopLossID} {
		if err := c.removeExit(g, id, "parent_cancelled"); err != nil {
			return err
		}
	}
	g.closed = true
	delete(c.groups, g.ID)
	return c.retire(o)
}
