package engine

import "github.com/efreitasn/ordermatch/internal/domain"

// singleHandler runs plain market, limit and stop orders.
type singleHandler struct{}

func (singleHandler) HandleNew(c *ExecutionContext, req domain.NewOrder) error {
	if err := c.admissible(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if err := noBracket(req); err != nil {
		return c.reject(req.OrderID, req.UserID, err)
	}
	if len(req.Legs) > 0 {
		return c.reject(req.OrderID, req.UserID,
			&domain.ValidationError{Message: "linked_legs apply to OTO and OTOCO orders only"})
	}
	_, err := c.submit(c.newOrder(req), nil)
	return err
}

func (singleHandler) HandleFilled(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	if err := c.settle(o, tr, true); err != nil {
		return err
	}
	return c.retire(o)
}

func (singleHandler) HandleTouched(c *ExecutionContext, o *domain.Order, tr domain.Trade) error {
	return c.settle(o, tr, false)
}

func (singleHandler) Cancel(c *ExecutionContext, o *domain.Order, q domain.CancelQuantity) error {
	return c.cancelStanding(o, q, "user_request")
}

func (singleHandler) Modify(c *ExecutionContext, o *domain.Order, req domain.ModifyOrder) error {
	return c.modifyPlain(o, req)
}

func (singleHandler) Activate(c *ExecutionContext, o *domain.Order) error {
	return c.activate(o)
}
