package engine

import "github.com/efreitasn/ordermatch/internal/domain"

// ocoHandler runs an entry with take-profit and stop-loss exits that
// cancel each other. Exits cover whatever the entry has filled so far.
type ocoHandler struct{}

func (ocoHandler) HandleNew(c *ExecutionContext, req domain.NewOrder) error {
	if err := c.admissible(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if len(req.Legs) > 0 {
		return c.reject(req.OrderID, req.UserID,
			&domain.ValidationError{Message: "OCO exits are given as take_profit and stop_loss"})
	}
	if req.TakeProfit == nil && req.StopLoss == nil {
		return c.reject(req.OrderID, req.UserID,
			&domain.ValidationError{Message: "OCO requires take_profit or stop_loss"})
	}

	ref := c.ReferencePrice()
	switch req.Type {
	case domain.OrderTypeLimit:
		ref = req.LimitPrice
	case domain.OrderTypeStop:
		ref = req.StopPrice
	}
	if err := checkBracket(req.Side, req.StopLoss, req.TakeProfit, ref); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if !exitsFit(req.Quantity, req.TakeProfit, req.StopLoss) {
		return c.reject(req.OrderID, req.UserID, domain.ErrInvalidPrice)
	}

	o := c.newOrder(req)
	o.GroupID = c.groupID(o.ID)
	g := &Group{
		ID:              o.GroupID,
		Kind:            domain.StrategyOCO,
		UserID:          o.UserID,
		Side:            o.Side,
		EntryID:         o.ID,
		TakeProfitPrice: req.TakeProfit,
		StopLossPrice:   req.StopLoss,
	}
	// An ask entry buys back through its exits; that cash is held up front.
	if g.exitSide() == domain.OrderSideBid {
		unit := max(deref(g.TakeProfitPrice), deref(g.StopLossPrice))
		if !c.Balances.CanReserve(g.UserID, FundsCash, o.Quantity*unit) {
			return c.reject(o.ID, o.UserID, domain.ErrInsufficientBalance)
		}
	}

	c.groups[g.ID] = g
	accepted, err := c.submit(o, func() error {
		if err := c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice); err != nil {
			return domain.Invariantf("oco.new", "exit escrow for %s: %v", o.ID, err)
		}
		return nil
	})
	if !accepted {
		delete(c.groups, g.ID)
	}
	return err
}

func (h ocoHandler) HandleFilled(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	return h.filled(c, o, tr, true)
}

func (h ocoHandler) HandleTouched(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	return h.filled(c, o, tr, false)
}

func (ocoHandler) filled(c *ExecutionContext, o *domain.Order, tr domain.Trade, final bool) error {
	g := c.groupOf(o)
	if g == nil {
		return domain.Invariantf("oco.fill", "order %s has no live group", o.ID)
	}
	if g.isExit(o.ID) {
		return c.exitFilled(g, o, tr, final)
	}

	if err := c.settle(o, tr, final); err != nil {
		return err
	}
	g.Open += tr.Quantity
	if g.hasExits() {
		if err := c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice); err != nil {
			return domain.Invariantf("oco.fill", "exit escrow for %s: %v", o.ID, err)
		}
		// Resting exits grow now so a leg never covers less than Open;
		// missing legs are placed once matching is over.
		for _, leg := range g.exits() {
			if *leg.id == "" {
				continue
			}
			x, err := c.Orders.Get(*leg.id)
			if err != nil {
				return domain.Invariantf("oco.fill", "exit %s missing from store", *leg.id)
			}
			c.resizeExit(x, g.Open)
		}
		c.after(func() error { return c.syncExits(g) })
	}
	if final {
		if err := c.releaseOrder(o, o.Escrowed); err != nil {
			return err
		}
		return c.closeIfDone(g)
	}
	return nil
}

func (ocoHandler) Cancel(c *ExecutionContext, o *domain.Order, q domain.CancelQuantity) error {
	g := c.groupOf(o)
	if g == nil {
		return c.cancelStanding(o, q, "user_request")
	}
	if g.isExit(o.ID) {
		return c.cancelExits(g, o, q)
	}
	if err := c.cancelStanding(o, q, "user_request"); err != nil {
		return err
	}
	if g.closed || o.Remaining() == 0 {
		return nil
	}
	return c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice)
}

func (ocoHandler) Modify(c *ExecutionContext, o *domain.Order, req domain.ModifyOrder) error {
	g := c.groupOf(o)
	if g == nil {
		return c.modifyPlain(o, req)
	}
	return c.modifyBracket(g, o, req)
}

func (ocoHandler) Activate(c *ExecutionContext, o *domain.Order) error {
	return c.activate(o)
}

// finishInGroup runs when the entry stops standing without filling in
// full. Its own escrow goes back, exit escrow shrinks to the open lots,
// and the group closes unless exits still protect a position.
func (ocoHandler) finishInGroup(c *ExecutionContext, g *Group, o *domain.Order) error {
	if o.ID != g.EntryID {
		return domain.Invariantf("oco.finish", "exit %s finished outside a fill", o.ID)
	}
	if err := c.releaseOrder(o, o.Escrowed); err != nil {
		return err
	}
	if err := c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice); err != nil {
		return err
	}
	return c.closeIfDone(g)
}
