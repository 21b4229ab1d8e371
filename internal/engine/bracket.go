package engine

import (
	"fmt"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// Group links the orders of one OCO, OTO or OTOCO intent. It stores order
// ids only; the orders themselves live in the arena.
type Group struct {
	ID     string
	Kind   domain.StrategyType
	UserID string
	Side   domain.OrderSide // side of the entry (parent) order

	EntryID string
	ChildID string // OTO only

	TakeProfitID    string
	StopLossID      string
	TakeProfitPrice *int64
	StopLossPrice   *int64

	// Open is entry quantity filled and not yet closed out by an exit.
	Open      int64
	Triggered bool

	// Escrow shared by the exit legs: asset lots for ask exits, cash for
	// bid exits at EscrowUnit per lot.
	EscrowUnit int64
	Escrowed   int64

	legSeq int
	closed bool
}

type exitLeg struct {
	tag   domain.Tag
	id    *string
	price **int64
}

// exits lists the exit slots, take-profit first.
func (g *Group) exits() []exitLeg {
	return []exitLeg{
		{tag: domain.TagTakeProfit, id: &g.TakeProfitID, price: &g.TakeProfitPrice},
		{tag: domain.TagStopLoss, id: &g.StopLossID, price: &g.StopLossPrice},
	}
}

func (g *Group) exitSide() domain.OrderSide { return g.Side.Opposite() }

func (g *Group) hasExits() bool { return g.TakeProfitPrice != nil || g.StopLossPrice != nil }

func (g *Group) isExit(id string) bool {
	return id != "" && (id == g.TakeProfitID || id == g.StopLossID)
}

func (g *Group) sibling(id string) string {
	switch id {
	case g.TakeProfitID:
		return g.StopLossID
	case g.StopLossID:
		return g.TakeProfitID
	}
	return ""
}

func (g *Group) clearLeg(id string) {
	switch id {
	case g.TakeProfitID:
		g.TakeProfitID = ""
	case g.StopLossID:
		g.StopLossID = ""
	}
}

func (g *Group) legID(tag domain.Tag, taken func(string) bool) string {
	suffix := "tp"
	if tag == domain.TagStopLoss {
		suffix = "sl"
	}
	for {
		g.legSeq++
		id := fmt.Sprintf("%s:%s:%d", g.EntryID, suffix, g.legSeq)
		if !taken(id) {
			return id
		}
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// exitEscrowTarget is what the group must hold for exits at tp/sl. Ask
// exits need the open lots. Bid exits need cash at the highest exit price
// for every lot they may have to buy back: the open lots, plus for OCO the
// entry quantity still to fill.
func (c *ExecutionContext) exitEscrowTarget(g *Group, tp, sl *int64) (need, unit int64) {
	if tp == nil && sl == nil {
		return 0, 0
	}
	if g.exitSide() == domain.OrderSideAsk {
		return g.Open, 0
	}
	unit = max(deref(tp), deref(sl))
	base := g.Open
	if g.Kind == domain.StrategyOCO {
		if entry, err := c.Orders.Get(g.EntryID); err == nil {
			base += entry.Remaining()
		}
	}
	return base * unit, unit
}

// canRebalance reports whether rebalanceExits with tp/sl would succeed.
func (c *ExecutionContext) canRebalance(g *Group, tp, sl *int64) bool {
	need, _ := c.exitEscrowTarget(g, tp, sl)
	return need <= g.Escrowed || c.Balances.CanReserve(g.UserID, FundsFor(g.exitSide()), need-g.Escrowed)
}

// rebalanceExits reserves or releases group escrow to match tp/sl.
func (c *ExecutionContext) rebalanceExits(g *Group, tp, sl *int64) error {
	need, unit := c.exitEscrowTarget(g, tp, sl)
	f := FundsFor(g.exitSide())
	switch {
	case need > g.Escrowed:
		if _, err := c.Balances.Reserve(g.UserID, f, need-g.Escrowed); err != nil {
			return err
		}
	case need < g.Escrowed:
		if err := c.Balances.Release(g.UserID, f, g.Escrowed-need); err != nil {
			return err
		}
	}
	g.Escrowed = need
	g.EscrowUnit = unit
	return nil
}

// syncExits brings the exit legs in line with g.Open: missing legs are
// placed, resting ones resized.
func (c *ExecutionContext) syncExits(g *Group) error {
	for _, leg := range g.exits() {
		if g.closed || g.Open == 0 {
			return nil
		}
		if *leg.price == nil {
			continue
		}
		if *leg.id != "" {
			o, err := c.Orders.Get(*leg.id)
			if err != nil {
				return domain.Invariantf("oco.sync", "exit %s missing from store", *leg.id)
			}
			c.resizeExit(o, g.Open)
			continue
		}
		if err := c.placeExit(g, leg.tag, **leg.price); err != nil {
			return err
		}
	}
	return nil
}

// placeExit creates an exit leg for the open quantity. A take-profit is
// executed as a limit at its price. A stop-loss is parked as a trigger
// and only trades once the last price reaches it.
func (c *ExecutionContext) placeExit(g *Group, tag domain.Tag, price int64) error {
	o := &domain.Order{
		ID:           g.legID(tag, c.Orders.Exists),
		UserID:       g.UserID,
		InstrumentID: c.Instrument.ID,
		Tag:          tag,
		Side:         g.exitSide(),
		Type:         domain.OrderTypeLimit,
		Strategy:     g.Kind,
		Quantity:     g.Open,
		Price:        price,
		ParentID:     g.EntryID,
		GroupID:      g.ID,
		Status:       domain.OrderStatusPending,
		CreatedAt:    c.now,
	}
	if err := c.Orders.Create(o); err != nil {
		return domain.Invariantf("oco.place", "exit %s: %v", o.ID, err)
	}
	if tag == domain.TagTakeProfit {
		g.TakeProfitID = o.ID
		c.emitOrder(domain.EventOrderNew, o, o.Quantity, price, "order_type", string(o.Type))
		return c.execute(o)
	}
	g.StopLossID = o.ID
	c.parkExit(o)
	c.emitOrder(domain.EventOrderNew, o, o.Quantity, price,
		"order_type", string(o.Type), "state", "waiting_trigger")
	return nil
}

// parkExit puts a stop-loss leg in the stop book under its price.
func (c *ExecutionContext) parkExit(o *domain.Order) {
	o.StopPrice = o.Price
	o.Status = domain.OrderStatusWaiting
	c.Stops.Add(o)
}

// activateExit runs a stop-loss leg whose trigger has been reached as a
// limit at its price. Its escrow is the group's, so nothing is reserved.
func (c *ExecutionContext) activateExit(o *domain.Order) error {
	o.Status = domain.OrderStatusPending
	o.CreatedAt = c.now
	last, _ := c.Book.LastPrice()
	c.emitOrder(domain.EventOrderTriggered, o, o.Remaining(), last,
		"stop_price", domain.FromTicks(o.StopPrice).String())
	return c.execute(o)
}

// resizeExit sets o's standing quantity to open, keeping its place in
// the queue.
func (c *ExecutionContext) resizeExit(o *domain.Order, open int64) {
	if o.Remaining() == open {
		return
	}
	o.Quantity = o.Executed + o.Cancelled + open
	c.emitOrder(domain.EventOrderModified, o, open, o.Price, "reason", "open_quantity_changed")
}

// removeExit cancels whatever an exit leg has standing and drops it.
func (c *ExecutionContext) removeExit(g *Group, id, reason string) error {
	o, err := c.Orders.Get(id)
	if err != nil {
		return domain.Invariantf("oco.remove", "exit %s missing from store", id)
	}
	c.unbook(o)
	n := o.Remaining()
	o.Cancelled += n
	o.Status = domain.OrderStatusCancelled
	g.clearLeg(id)
	c.emitOrder(domain.EventOrderCancelled, o, n, o.Price, "reason", reason)
	c.Orders.Retire(id)
	return nil
}

// exitFilled books a fill of an exit leg. The sibling follows the new
// open quantity, or is removed once this leg is done.
func (c *ExecutionContext) exitFilled(g *Group, o *domain.Order, tr domain.Trade, final bool) error {
	if err := c.settle(o, tr, final); err != nil {
		return err
	}
	g.Open -= tr.Quantity
	if g.Open < 0 {
		return domain.Invariantf("oco.fill", "group %s open quantity %d", g.ID, g.Open)
	}
	sib := g.sibling(o.ID)

	if !final {
		if sib != "" {
			s, err := c.Orders.Get(sib)
			if err != nil {
				return domain.Invariantf("oco.fill", "sibling %s missing from store", sib)
			}
			c.resizeExit(s, g.Open)
		}
		return nil
	}

	if g.Open != 0 {
		return domain.Invariantf("oco.fill", "exit %s filled with %d still open in group %s", o.ID, g.Open, g.ID)
	}
	g.clearLeg(o.ID)
	c.Orders.Retire(o.ID)
	if sib != "" {
		if err := c.removeExit(g, sib, "oco_sibling_filled"); err != nil {
			return err
		}
	}
	return c.closeIfDone(g)
}

// cancelExits cancels q lots of the exits through one of the legs. A
// cancel of everything standing drops both legs and the exit prices; a
// partial one shrinks both legs and the open quantity.
func (c *ExecutionContext) cancelExits(g *Group, o *domain.Order, q domain.CancelQuantity) error {
	standing := o.Remaining()
	if standing == 0 {
		return c.reject(o.ID, o.UserID, domain.ErrOrderClosed)
	}
	n := q.Clamp(standing)

	if n < standing {
		g.Open -= n
		for _, leg := range g.exits() {
			if *leg.id == "" {
				continue
			}
			l, err := c.Orders.Get(*leg.id)
			if err != nil {
				return domain.Invariantf("oco.cancel", "exit %s missing from store", *leg.id)
			}
			l.Cancelled += n
			c.emitOrder(domain.EventOrderPartiallyCancelled, l, n, l.Price,
				"remaining", fmt.Sprint(l.Remaining()))
		}
		return c.rebalanceExits(g, g.TakeProfitPrice, g.StopLossPrice)
	}

	for _, leg := range g.exits() {
		if *leg.id == "" {
			continue
		}
		reason := "user_request"
		if *leg.id != o.ID {
			reason = "oco_sibling_cancelled"
		}
		if err := c.removeExit(g, *leg.id, reason); err != nil {
			return err
		}
	}
	g.TakeProfitPrice, g.StopLossPrice = nil, nil
	g.Open = 0
	if err := c.rebalanceExits(g, nil, nil); err != nil {
		return err
	}
	return c.closeIfDone(g)
}

// modifyExits replaces the exit prices. Escrow must already be known to
// suffice (see canRebalance). Removed legs are cancelled, a parked
// stop-loss is parked again at its new trigger, legs on the book leave
// it and are executed again at the new price, and missing ones are
// placed for any open quantity.
func (c *ExecutionContext) modifyExits(g *Group, tp, sl *int64) error {
	if err := c.rebalanceExits(g, tp, sl); err != nil {
		return err
	}
	g.TakeProfitPrice, g.StopLossPrice = tp, sl

	var repriced []string
	for _, leg := range g.exits() {
		if *leg.id == "" {
			continue
		}
		if *leg.price == nil {
			if err := c.removeExit(g, *leg.id, "exit_removed"); err != nil {
				return err
			}
			continue
		}
		o, err := c.Orders.Get(*leg.id)
		if err != nil {
			return domain.Invariantf("oco.modify", "exit %s missing from store", *leg.id)
		}
		if o.Price == **leg.price {
			continue
		}
		old := o.Price
		parked := c.Stops.Remove(o.ID)
		booked := c.Book.Remove(o.ID)
		o.Price = **leg.price
		o.CreatedAt = c.now
		if parked {
			c.parkExit(o)
		}
		c.emitOrder(domain.EventOrderModified, o, o.Remaining(), o.Price,
			"previous_price", domain.FromTicks(old).String())
		if booked {
			repriced = append(repriced, o.ID)
		}
	}

	c.after(func() error {
		for _, id := range repriced {
			if g.closed {
				return nil
			}
			o, err := c.Orders.Get(id)
			if err != nil || o.Remaining() == 0 || c.Book.Contains(id) {
				continue
			}
			if err := c.execute(o); err != nil {
				return err
			}
		}
		if err := c.syncExits(g); err != nil {
			return err
		}
		return c.closeIfDone(g)
	})
	return nil
}

// modifyBracket applies a TP/SL modify addressed to any order of g.
// OTOCO exits can be repriced but not removed.
func (c *ExecutionContext) modifyBracket(g *Group, o *domain.Order, req domain.ModifyOrder) error {
	entry, err := c.Orders.Get(g.EntryID)
	if err != nil {
		return domain.Invariantf("oco.modify", "entry %s missing from store", g.EntryID)
	}
	if g.Kind == domain.StrategyOTOCO && (req.TakeProfit.Removes() || req.StopLoss.Removes()) {
		return c.reject(o.ID, o.UserID, domain.ErrModifyNotAllowed)
	}
	if req.LimitPrice.Set && (o.ID != entry.ID || req.LimitPrice.Removes()) {
		return c.reject(o.ID, o.UserID, domain.ErrModifyNotAllowed)
	}

	tp, sl := g.TakeProfitPrice, g.StopLossPrice
	if req.TakeProfit.Set {
		tp = req.TakeProfit.Value
	}
	if req.StopLoss.Set {
		sl = req.StopLoss.Value
	}
	limit := entry.Price
	if req.LimitPrice.Set {
		limit = *req.LimitPrice.Value
	}
	if err := checkBracket(g.Side, sl, tp, c.bracketRef(entry, limit)); err != nil {
		return c.reject(o.ID, o.UserID, err)
	}
	if !exitsFit(entry.Quantity, tp, sl) {
		return c.reject(o.ID, o.UserID, domain.ErrInvalidPrice)
	}
	exitsChanged := req.TakeProfit.Set || req.StopLoss.Set
	if exitsChanged && !c.canRebalance(g, tp, sl) {
		return c.reject(o.ID, o.UserID, domain.ErrInsufficientBalance)
	}

	if req.LimitPrice.Set {
		ok, err := c.modifyLimit(entry, limit)
		if err != nil || !ok {
			return err
		}
	}
	if !exitsChanged {
		return nil
	}

	if g.Kind == domain.StrategyOTOCO && !g.Triggered {
		return c.repriceUntriggered(g, tp, sl)
	}
	if err := c.modifyExits(g, tp, sl); err != nil {
		return err
	}
	c.emitOrder(domain.EventOrderModified, entry, entry.Remaining(), entry.Price,
		"take_profit", priceLabel(tp), "stop_loss", priceLabel(sl))
	return nil
}

// repriceUntriggered moves the prices of OTOCO legs that are not placed yet.
func (c *ExecutionContext) repriceUntriggered(g *Group, tp, sl *int64) error {
	g.TakeProfitPrice, g.StopLossPrice = tp, sl
	for _, leg := range g.exits() {
		o, err := c.Orders.Get(*leg.id)
		if err != nil {
			return domain.Invariantf("otoco.modify", "leg %s missing from store", *leg.id)
		}
		if o.Price == **leg.price {
			continue
		}
		old := o.Price
		o.Price = **leg.price
		c.emitOrder(domain.EventOrderModified, o, o.Remaining(), o.Price,
			"previous_price", domain.FromTicks(old).String(), "state", "pending_trigger")
	}
	return nil
}

// closeIfDone discards g once the entry has nothing standing and no exit
// protects an open quantity. Leftover exit escrow is released.
func (c *ExecutionContext) closeIfDone(g *Group) error {
	if g.closed {
		return nil
	}
	entry, err := c.Orders.Get(g.EntryID)
	if err != nil {
		return domain.Invariantf("oco.close", "entry %s missing from store", g.EntryID)
	}
	if entry.Remaining() > 0 || (g.Open > 0 && g.hasExits()) {
		return nil
	}
	for _, leg := range g.exits() {
		if *leg.id != "" {
			if err := c.removeExit(g, *leg.id, "group_closed"); err != nil {
				return err
			}
		}
	}
	if g.Escrowed > 0 {
		if err := c.Balances.Release(g.UserID, FundsFor(g.exitSide()), g.Escrowed); err != nil {
			return err
		}
		g.Escrowed = 0
	}
	g.closed = true
	delete(c.groups, g.ID)
	return c.retire(entry)
}

func priceLabel(p *int64) string {
	if p == nil {
		return "none"
	}
	return domain.FromTicks(*p).String()
}
