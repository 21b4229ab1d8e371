package engine

import (
	"fmt"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// otoHandler runs a parent order that places one child order once it has
// filled in full.
type otoHandler struct{}

func (otoHandler) HandleNew(c *ExecutionContext, req domain.NewOrder) error {
	if err := c.admissible(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if err := noBracket(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if len(req.Legs) != 1 {
		return c.reject(req.OrderID, req.UserID,
			&domain.ValidationError{Message: "OTO requires exactly one linked leg"})
	}
	leg := req.Legs[0]
	if err := validateChild(c, req, leg); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}

	parent := c.newOrder(req)
	parent.GroupID = c.groupID(parent.ID)
	child := c.newLeg(parent, leg)
	parent.ChildID = child.ID

	g := &Group{
		ID:      parent.GroupID,
		Kind:    domain.StrategyOTO,
		UserID:  parent.UserID,
		Side:    parent.Side,
		EntryID: parent.ID,
		ChildID: child.ID,
	}
	c.groups[g.ID] = g
	accepted, err := c.submit(parent, func() error {
		if err := c.Orders.Create(child); err != nil {
			return domain.Invariantf("oto.new", "child %s: %v", child.ID, err)
		}
		c.emitOrder(domain.EventOrderNew, child, child.Quantity, child.Price,
			"order_type", string(child.Type), "state", "pending_trigger")
		return nil
	})
	if !accepted {
		delete(c.groups, g.ID)
	}
	return err
}

func validateChild(c *ExecutionContext, req domain.NewOrder, leg domain.LegSpec) error {
	if err := validateOrder(leg.OrderID, leg.Side, leg.Type, leg.Quantity, leg.LimitPrice, leg.StopPrice); err != nil {
		return err
	}
	if leg.Type == domain.OrderTypeStop {
		return &domain.ValidationError{Message: "linked legs must be MARKET or LIMIT"}
	}
	if leg.OrderID == req.OrderID || c.Orders.Exists(leg.OrderID) {
		return domain.ErrDuplicateOrder
	}
	return nil
}

func (h otoHandler) HandleFilled(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	g := c.groupOf(o)
	if g == nil || o.ID != g.EntryID {
		return singleHandler{}.HandleFilled(c, o, tr)
	}
	if err := c.settle(o, tr, true); err != nil {
		return err
	}
	if err := c.retire(o); err != nil {
		return err
	}
	c.after(func() error { return h.trigger(c, g) })
	return nil
}

func (otoHandler) HandleTouched(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	return c.settle(o, tr, false)
}

// trigger places the child once the parent has filled. The group ends
// here and the child continues as a standalone order.
func (otoHandler) trigger(c *ExecutionContext, g *Group) error {
	delete(c.groups, g.ID)
	g.closed, g.Triggered = true, true

	child, err := c.Orders.Get(g.ChildID)
	if err != nil {
		return domain.Invariantf("oto.trigger", "child %s missing from store", g.ChildID)
	}
	if child.Type == domain.OrderTypeMarket {
		if _, ok := c.Book.Best(child.Side.Opposite()); !ok {
			return c.rejectLeg(child, domain.ErrNoLiquidity)
		}
	}
	amount, err := c.escrowFor(child, child.Remaining(), false)
	if err != nil {
		return c.rejectLeg(child, err)
	}
	if _, err := c.Balances.Reserve(child.UserID, FundsFor(child.Side), amount); err != nil {
		return c.rejectLeg(child, err)
	}
	child.Escrowed = amount
	child.Status = domain.OrderStatusPending
	child.CreatedAt = c.now
	c.emitOrder(domain.EventOrderTriggered, child, child.Remaining(), child.Price, "parent_id", g.EntryID)
	return c.execute(child)
}

// rejectLeg rejects a linked order that could not be placed on trigger.
func (c *ExecutionContext) rejectLeg(o *domain.Order, err error) error {
	o.Status = domain.OrderStatusRejected
	if rerr := c.reject(o.ID, o.UserID, err); rerr != nil {
		return rerr
	}
	c.Orders.Retire(o.ID)
	return nil
}

func (otoHandler) Cancel(c *ExecutionContext, o *domain.Order, q domain.CancelQuantity) error {
	g := c.groupOf(o)
	if g == nil || o.ID == g.EntryID {
		return c.cancelStanding(o, q, "user_request")
	}

	// Untriggered child: cancelling all of it abandons the whole intent.
	standing := o.Remaining()
	n := q.Clamp(standing)
	if n < standing {
		o.Cancelled += n
		c.emitOrder(domain.EventOrderPartiallyCancelled, o, n, o.Price,
			"remaining", fmt.Sprint(o.Remaining()), "state", "pending_trigger")
		return nil
	}
	parent, err := c.Orders.Get(g.EntryID)
	if err != nil {
		return domain.Invariantf("oto.cancel", "parent %s missing from store", g.EntryID)
	}
	return c.cancelStanding(parent, domain.CancelAll, "child_cancelled")
}

func (otoHandler) Modify(c *ExecutionContext, o *domain.Order, req domain.ModifyOrder) error {
	return c.modifyPlain(o, req)
}

func (otoHandler) Activate(c *ExecutionContext, o *domain.Order) error {
	return c.activate(o)
}

// finishInGroup runs when the parent stops standing without filling in
// full: the child it would have placed is cancelled with it.
func (otoHandler) finishInGroup(c *ExecutionContext, g *Group, o *domain.Order) error {
	if o.ID != g.EntryID {
		return c.retire(o)
	}
	delete(c.groups, g.ID)
	g.closed = true
	if child, err := c.Orders.Get(g.ChildID); err == nil {
		n := child.Remaining()
		child.Cancelled += n
		child.Status = domain.OrderStatusCancelled
		c.emitOrder(domain.EventOrderCancelled, child, n, child.Price, "reason", "parent_cancelled")
		c.Orders.Retire(child.ID)
	}
	return c.retire(o)
}
