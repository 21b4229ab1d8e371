package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/store"
)

// idSpace namespaces the deterministic ids minted by the engine, so that
// replaying the command journal reproduces the same trade and group ids.
var idSpace = uuid.MustParse("7b0f5d3e-61a4-4c7e-9d2b-4f1e8a6c3b90")

// Applied is what one command produced.
type Applied struct {
	Events    []domain.Event
	Trades    []domain.Trade
	Duplicate bool
}

// ExecutionContext is the complete state of one instrument: its book,
// balances, order arena and strategy groups. Only the instrument's
// command loop touches it.
type ExecutionContext struct {
	Instrument domain.Instrument
	Book       *OrderBook
	Balances   *BalanceManager
	Orders     *store.OrderStore
	Stops      *StopBook

	handlers map[domain.StrategyType]StrategyHandler
	matcher  *Matcher
	groups   map[string]*Group
	seen     map[string]struct{} // every applied command id, kept for the context's lifetime
	seq      uint64
	tradeSeq uint64

	// per-command scratch
	now      time.Time
	events   []domain.Event
	trades   []domain.Trade
	deferred []func() error
}

// NewExecutionContext creates an empty context for an instrument.
func NewExecutionContext(in domain.Instrument) *ExecutionContext {
	c := &ExecutionContext{
		Instrument: in,
		Book:       NewOrderBook(in.ID),
		Balances:   NewBalanceManager(),
		Orders:     store.NewOrderStore(),
		Stops:      NewStopBook(),
		handlers:   newHandlers(),
		groups:     make(map[string]*Group),
		seen:       make(map[string]struct{}),
	}
	c.matcher = NewMatcher(c.Book, c.Orders, c, c.newTrade)
	return c
}

// Seen reports whether a command id has already been applied.
func (c *ExecutionContext) Seen(commandID string) bool {
	_, ok := c.seen[commandID]
	return ok
}

// Sequence returns the sequence number of the last emitted event.
func (c *ExecutionContext) Sequence() uint64 {
	return c.seq
}

// ReferencePrice is the last trade price, or the instrument's configured
// reference before anything has traded. Zero means unknown.
func (c *ExecutionContext) ReferencePrice() int64 {
	if p, ok := c.Book.LastPrice(); ok {
		return p
	}
	return c.Instrument.ReferencePrice
}

// Group returns the strategy group with the given id.
func (c *ExecutionContext) Group(id string) (*Group, bool) {
	g, ok := c.groups[id]
	return g, ok
}

// Apply runs one command to completion. Rejections come back as
// ORDER_REJECTED events; a non-nil error is always an invariant violation
// and leaves the context unusable.
func (c *ExecutionContext) Apply(cmd domain.Command) (Applied, error) {
	if cmd.ID != "" && c.Seen(cmd.ID) {
		return Applied{Duplicate: true}, nil
	}

	c.now = cmd.ReceivedAt
	if c.now.IsZero() {
		c.now = time.Now().UTC()
	}
	c.events, c.trades, c.deferred = nil, nil, nil

	if err := c.dispatch(cmd); err != nil {
		return Applied{}, err
	}
	if err := c.drain(); err != nil {
		return Applied{}, err
	}

	if cmd.ID != "" {
		c.seen[cmd.ID] = struct{}{}
	}
	return Applied{Events: c.events, Trades: c.trades}, nil
}

func (c *ExecutionContext) dispatch(cmd domain.Command) error {
	switch cmd.Type {
	case domain.CommandNewOrder:
		req := cmd.NewOrder
		if req == nil {
			return c.reject("", "", &domain.ValidationError{Message: "new order payload is required"})
		}
		h, ok := c.handlers[req.Strategy]
		if !ok {
			return c.reject(req.OrderID, req.UserID,
				&domain.ValidationError{Message: fmt.Sprintf("unknown strategy_type %q", req.Strategy)})
		}
		return h.HandleNew(c, *req)

	case domain.CommandCancelOrder:
		req := cmd.Cancel
		if req == nil {
			return c.reject("", "", &domain.ValidationError{Message: "cancel payload is required"})
		}
		o, err := c.Orders.Get(req.OrderID)
		if err != nil {
			return c.rejectLookup(req.OrderID, err)
		}
		if !req.Quantity.All && req.Quantity.Quantity <= 0 {
			return c.reject(o.ID, o.UserID, domain.ErrInvalidQuantity)
		}
		return c.handlerFor(o).Cancel(c, o, req.Quantity)

	case domain.CommandModifyOrder:
		req := cmd.Modify
		if req == nil {
			return c.reject("", "", &domain.ValidationError{Message: "modify payload is required"})
		}
		o, err := c.Orders.Get(req.OrderID)
		if err != nil {
			return c.rejectLookup(req.OrderID, err)
		}
		if !req.LimitPrice.Set && !req.TakeProfit.Set && !req.StopLoss.Set {
			return c.reject(o.ID, o.UserID, &domain.ValidationError{Message: "modify changes nothing"})
		}
		return c.handlerFor(o).Modify(c, o, *req)

	case domain.CommandDeposit:
		req := cmd.Deposit
		if req == nil || req.UserID == "" {
			return c.reject("", "", &domain.ValidationError{Message: "deposit requires user_id"})
		}
		if err := c.Balances.Deposit(req.UserID, req.Cash, req.Asset); err != nil {
			return c.reject("", req.UserID, err)
		}
		c.emit(domain.EventBalanceUpdated, "", req.UserID, req.Asset, req.Cash, nil)
		return nil
	}
	return c.reject(cmd.OrderID(), cmd.UserID(),
		&domain.ValidationError{Message: fmt.Sprintf("unknown command_type %q", cmd.Type)})
}

// drain runs deferred work and then fires any stops the last trade price
// has reached, until neither produces more.
func (c *ExecutionContext) drain() error {
	for {
		for len(c.deferred) > 0 {
			fn := c.deferred[0]
			c.deferred = c.deferred[1:]
			if err := fn(); err != nil {
				return err
			}
		}

		last, ok := c.Book.LastPrice()
		if !ok {
			return nil
		}
		id, ok := c.Stops.PopTriggered(last)
		if !ok {
			return nil
		}
		o, err := c.Orders.Get(id)
		if err != nil {
			return domain.Invariantf("stops.trigger", "parked order %s missing from store", id)
		}
		if err := c.handlerFor(o).Activate(c, o); err != nil {
			return err
		}
	}
}

// after queues fn to run once the current match has returned. Anything
// that places orders from inside a fill callback goes through here.
func (c *ExecutionContext) after(fn func() error) {
	c.deferred = append(c.deferred, fn)
}

func (c *ExecutionContext) handlerFor(o *domain.Order) StrategyHandler {
	if h, ok := c.handlers[o.Strategy]; ok {
		return h
	}
	return c.handlers[domain.StrategySingle]
}

func (c *ExecutionContext) groupOf(o *domain.Order) *Group {
	if o.GroupID == "" {
		return nil
	}
	return c.groups[o.GroupID]
}

// exitGroupOf returns the group whose shared escrow backs o, when o is a
// placed exit leg.
func (c *ExecutionContext) exitGroupOf(o *domain.Order) *Group {
	g := c.groupOf(o)
	if g == nil || !g.isExit(o.ID) {
		return nil
	}
	return g
}

func (c *ExecutionContext) groupID(orderID string) string {
	return uuid.NewSHA1(idSpace, []byte("group/"+c.Instrument.ID+"/"+orderID)).String()
}

// ---- events ----

func (c *ExecutionContext) emit(t domain.EventType, orderID, userID string, qty, price int64, meta map[string]string) {
	acct := c.Balances.Account(userID)
	c.seq++
	c.events = append(c.events, domain.Event{
		EventType:    t,
		InstrumentID: c.Instrument.ID,
		Sequence:     c.seq,
		OrderID:      orderID,
		UserID:       userID,
		Quantity:     qty,
		Price:        price,
		Balance:      acct.Cash.Available,
		AssetBalance: acct.Asset.Available,
		Metadata:     meta,
		Timestamp:    c.now,
	})
}

// emitOrder emits an event about o. kv are extra metadata pairs.
func (c *ExecutionContext) emitOrder(t domain.EventType, o *domain.Order, qty, price int64, kv ...string) {
	meta := map[string]string{
		"tag":      string(o.Tag),
		"side":     string(o.Side),
		"strategy": string(o.Strategy),
	}
	if o.GroupID != "" {
		meta["group_id"] = o.GroupID
	}
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	c.emit(t, o.ID, o.UserID, qty, price, meta)
}

// reject emits ORDER_REJECTED for a recoverable error and swallows it.
// Invariant violations pass through untouched.
func (c *ExecutionContext) reject(orderID, userID string, err error) error {
	if domain.IsInvariant(err) {
		return err
	}
	meta := map[string]string{"reason": domain.RejectReason(err)}
	if meta["reason"] == "invalid_request" {
		meta["detail"] = err.Error()
	}
	c.emit(domain.EventOrderRejected, orderID, userID, 0, 0, meta)
	return nil
}

func (c *ExecutionContext) rejectLookup(orderID string, err error) error {
	userID := ""
	if o, ok := c.Orders.Lookup(orderID); ok {
		userID = o.UserID
	}
	return c.reject(orderID, userID, err)
}

// ---- matching plumbing ----

func (c *ExecutionContext) newTrade(taker, maker *domain.Order, qty, price int64) domain.Trade {
	c.tradeSeq++
	t := domain.Trade{
		TradeID:      uuid.NewSHA1(idSpace, []byte(fmt.Sprintf("trade/%s/%d", c.Instrument.ID, c.tradeSeq))).String(),
		InstrumentID: c.Instrument.ID,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerSide:    taker.Side,
		Price:        price,
		Quantity:     qty,
		ExecutedAt:   c.now,
	}
	c.trades = append(c.trades, t)
	return t
}

// MakerFilled routes a completed resting order to its strategy.
func (c *ExecutionContext) MakerFilled(maker *domain.Order, trade domain.Trade) error {
	return c.handlerFor(maker).HandleFilled(c, maker, trade)
}

// MakerTouched routes a partial fill of a resting order to its strategy.
func (c *ExecutionContext) MakerTouched(maker *domain.Order, trade domain.Trade) error {
	return c.handlerFor(maker).HandleTouched(c, maker, trade)
}

// execute matches o as the aggressor, reports its own fills to its
// strategy, then rests a limit remainder or cancels a market one.
func (c *ExecutionContext) execute(o *domain.Order) error {
	h := c.handlerFor(o)
	res, err := c.matcher.Match(o)
	if err != nil {
		return err
	}
	for i, tr := range res.Fills {
		if i == len(res.Fills)-1 && o.Remaining() == 0 {
			err = h.HandleFilled(c, o, tr)
		} else {
			err = h.HandleTouched(c, o, tr)
		}
		if err != nil {
			return err
		}
	}
	if o.Remaining() == 0 {
		return nil
	}

	if o.IsMarketable() {
		n := o.Remaining()
		o.Cancelled += n
		o.Status = domain.OrderStatusCancelled
		c.emitOrder(domain.EventOrderCancelled, o, n, 0, "reason", "unfilled_market_remainder")
		return c.finish(o)
	}
	if o.Status != domain.OrderStatusPartiallyFilled {
		o.Status = domain.OrderStatusPending
	}
	return c.Book.Append(o)
}

// submit admits a new entry order: reserve escrow, emit ORDER_NEW, then
// either park it as an untriggered stop or execute it. onAccept runs
// between ORDER_NEW and execution. It reports false if o was rejected.
func (c *ExecutionContext) submit(o *domain.Order, onAccept func() error) (bool, error) {
	if c.Orders.Exists(o.ID) {
		return false, c.reject(o.ID, o.UserID, domain.ErrDuplicateOrder)
	}
	parked := o.Type == domain.OrderTypeStop && !c.stopCrossable(o)
	if !parked && o.IsMarketable() {
		if _, ok := c.Book.Best(o.Side.Opposite()); !ok {
			return false, c.reject(o.ID, o.UserID, domain.ErrNoLiquidity)
		}
	}

	amount, err := c.escrowFor(o, o.Quantity, parked)
	if err != nil {
		return false, c.reject(o.ID, o.UserID, err)
	}
	if _, err := c.Balances.Reserve(o.UserID, FundsFor(o.Side), amount); err != nil {
		return false, c.reject(o.ID, o.UserID, err)
	}
	o.Escrowed = amount
	if err := c.Orders.Create(o); err != nil {
		return false, domain.Invariantf("submit", "order %s: %v", o.ID, err)
	}
	c.emitOrder(domain.EventOrderNew, o, o.Quantity, displayPrice(o), "order_type", string(o.Type))

	if onAccept != nil {
		if err := onAccept(); err != nil {
			return true, err
		}
	}
	if parked {
		o.Status = domain.OrderStatusWaiting
		c.Stops.Add(o)
		return true, nil
	}
	return true, c.execute(o)
}

// activate runs a parked stop whose trigger has been reached as a market
// order, topping up a bid's escrow to the current cost of the book.
// Stop-loss exits run as limits instead. The trigger is always reported;
// a stop that cannot be worked is cancelled right after.
func (c *ExecutionContext) activate(o *domain.Order) error {
	if c.exitGroupOf(o) != nil {
		return c.activateExit(o)
	}
	o.Status = domain.OrderStatusPending
	last, _ := c.Book.LastPrice()
	c.emitOrder(domain.EventOrderTriggered, o, o.Remaining(), last, "stop_price", domain.FromTicks(o.StopPrice).String())

	if _, ok := c.Book.Best(o.Side.Opposite()); !ok {
		return c.abandon(o, domain.ErrNoLiquidity)
	}
	if o.Side == domain.OrderSideBid {
		need, err := c.escrowFor(o, o.Remaining(), false)
		if err != nil {
			return c.abandon(o, err)
		}
		if extra := need - o.Escrowed; extra > 0 {
			if _, err := c.Balances.Reserve(o.UserID, FundsCash, extra); err != nil {
				return c.abandon(o, err)
			}
			o.Escrowed += extra
		}
	}
	return c.execute(o)
}

// abandon cancels everything o still has standing because it can no
// longer be worked.
func (c *ExecutionContext) abandon(o *domain.Order, reason error) error {
	n := o.Remaining()
	c.unbook(o)
	o.Cancelled += n
	o.Status = domain.OrderStatusCancelled
	c.emitOrder(domain.EventOrderCancelled, o, n, 0, "reason", domain.RejectReason(reason))
	return c.finish(o)
}

func (c *ExecutionContext) stopCrossable(o *domain.Order) bool {
	ref := c.ReferencePrice()
	if ref == 0 {
		return false
	}
	if o.Side == domain.OrderSideBid {
		return o.StopPrice <= ref
	}
	return o.StopPrice >= ref
}

func (c *ExecutionContext) unbook(o *domain.Order) {
	if !c.Book.Remove(o.ID) {
		c.Stops.Remove(o.ID)
	}
}

func displayPrice(o *domain.Order) int64 {
	switch o.Type {
	case domain.OrderTypeStop:
		return o.StopPrice
	case domain.OrderTypeMarket:
		return 0
	}
	return o.Price
}

// ---- escrow ----

// escrowFor is the escrow o needs for qty lots: the asset for an ask, and
// for a bid the limit value, the stop value while parked, or for a market
// bid the fillable lots at its collar. The collar is the worst price the
// book needs to fill the order; it is stored in o.Price and matching never
// goes past it.
func (c *ExecutionContext) escrowFor(o *domain.Order, qty int64, parked bool) (int64, error) {
	if o.Side == domain.OrderSideAsk {
		return qty, nil
	}
	switch {
	case o.Type == domain.OrderTypeLimit:
		return qty * o.Price, nil
	case o.Type == domain.OrderTypeStop && parked:
		return qty * o.StopPrice, nil
	}
	filled, worst := c.estimateBuy(qty, o.GroupID)
	if filled == 0 {
		return 0, domain.ErrNoLiquidity
	}
	amount, ok := domain.Notional(filled, worst)
	if !ok {
		return 0, domain.ErrInvalidQuantity
	}
	o.Price = worst
	return amount, nil
}

// estimateBuy walks the asks as a market buy of qty would, ignoring
// orders of the buyer's own group, and reports how many lots it reaches
// and the worst price paid.
func (c *ExecutionContext) estimateBuy(qty int64, groupID string) (filled, worst int64) {
	c.Book.Walk(domain.OrderSideAsk, func(lvl *PriceLevel) bool {
		for id := range lvl.Orders() {
			o, err := c.Orders.Get(id)
			if err != nil || (groupID != "" && o.GroupID == groupID) {
				continue
			}
			filled += min(o.Remaining(), qty-filled)
			worst = lvl.Price
			if filled == qty {
				return false
			}
		}
		return true
	})
	return filled, worst
}

// releaseOrder returns amount of o's own escrow to the user.
func (c *ExecutionContext) releaseOrder(o *domain.Order, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if amount > o.Escrowed {
		return domain.Invariantf("escrow.release", "order %s releasing %d with %d escrowed", o.ID, amount, o.Escrowed)
	}
	if err := c.Balances.Release(o.UserID, FundsFor(o.Side), amount); err != nil {
		return err
	}
	o.Escrowed -= amount
	return nil
}

// cancelEscrow is the part of o's escrow freed by cancelling n lots.
func cancelEscrow(o *domain.Order, n int64) int64 {
	if o.Remaining() == 0 {
		return o.Escrowed
	}
	if o.Side == domain.OrderSideAsk {
		return min(n, o.Escrowed)
	}
	if o.Type == domain.OrderTypeStop {
		return min(n*o.StopPrice, o.Escrowed)
	}
	return min(n*o.Price, o.Escrowed)
}

// settle books one fill of o: escrow is consumed from the order, or from
// its group for exit legs, balances are converted, and the trade and fill
// events are emitted.
func (c *ExecutionContext) settle(o *domain.Order, tr domain.Trade, final bool) error {
	qty, price := tr.Quantity, tr.Price
	unit := price

	holder := &o.Escrowed
	if g := c.exitGroupOf(o); g != nil {
		holder = &g.Escrowed
		if o.Side == domain.OrderSideBid {
			unit = g.EscrowUnit
		}
	} else if o.Side == domain.OrderSideBid && o.Price > 0 {
		unit = o.Price
	}

	need := qty
	if o.Side == domain.OrderSideBid {
		need = qty * unit
	}
	if *holder < need {
		return domain.Invariantf("settle", "order %s needs %d escrow, holds %d", o.ID, need, *holder)
	}
	*holder -= need
	if err := c.Balances.SettleFill(o.UserID, o.Side, qty, price, unit); err != nil {
		return err
	}

	role := "taker"
	if tr.MakerOrderID == o.ID {
		role = "maker"
	}
	c.emitOrder(domain.EventNewTrade, o, qty, price, "trade_id", tr.TradeID, "role", role)
	if final {
		c.emitOrder(domain.EventOrderFilled, o, qty, price, "executed", fmt.Sprint(o.Executed))
	} else {
		c.emitOrder(domain.EventOrderPartiallyFilled, o, qty, price, "executed", fmt.Sprint(o.Executed))
	}
	return nil
}

// retire releases whatever escrow o still holds and drops it from the arena.
func (c *ExecutionContext) retire(o *domain.Order) error {
	if err := c.releaseOrder(o, o.Escrowed); err != nil {
		return err
	}
	c.Orders.Retire(o.ID)
	return nil
}

// finish is called when o has nothing left standing. Orders outside a
// group are retired; grouped orders let their strategy decide.
func (c *ExecutionContext) finish(o *domain.Order) error {
	g := c.groupOf(o)
	if g == nil {
		return c.retire(o)
	}
	gf, ok := c.handlerFor(o).(groupFinisher)
	if !ok {
		return c.retire(o)
	}
	return gf.finishInGroup(c, g, o)
}
