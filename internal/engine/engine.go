package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/metrics"
	"github.com/efreitasn/ordermatch/internal/store"
)

// Journal records commands before they are applied so that an
// instrument's state can be rebuilt by replaying them.
type Journal interface {
	Append(cmd domain.Command) error
	Replay(instrumentID string, fn func(domain.Command) error) error
}

// PriceSink receives the last trade price after every command that traded.
// Implementations must not block.
type PriceSink interface {
	PublishPrice(instrumentID string, price int64)
}

// Options wires the engine's collaborators. Only Log is required.
type Options struct {
	Log        EventLog
	Journal    Journal
	Trades     *store.TradeStore
	Prices     PriceSink
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	QueueDepth int
}

type request struct {
	cmd   domain.Command
	query func(*ExecutionContext)
	reply chan response
}

type response struct {
	events []domain.Event
	err    error
}

// instrumentLoop is the single writer of one ExecutionContext.
type instrumentLoop struct {
	ec     *ExecutionContext
	reqs   chan request
	halted atomic.Bool
}

// Engine routes commands to one serialized loop per instrument. Loops of
// different instruments run concurrently.
type Engine struct {
	opts        Options
	logger      *zap.Logger
	instruments *domain.InstrumentRegistry
	loops       map[string]*instrumentLoop
	started     atomic.Bool
	wg          sync.WaitGroup
}

// New creates an engine serving the given instruments.
func New(instruments []domain.Instrument, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = NewMemoryLog()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		opts:        opts,
		logger:      logger,
		instruments: domain.NewInstrumentRegistry(instruments...),
		loops:       make(map[string]*instrumentLoop, len(instruments)),
	}
	for _, in := range instruments {
		e.loops[in.ID] = &instrumentLoop{
			ec:   NewExecutionContext(in),
			reqs: make(chan request, opts.QueueDepth),
		}
	}
	return e
}

// Instruments returns the instruments the engine serves, sorted by id.
func (e *Engine) Instruments() []domain.Instrument {
	return e.instruments.List()
}

// Instrument returns one served instrument.
func (e *Engine) Instrument(id string) (domain.Instrument, bool) {
	return e.instruments.Get(id)
}

// Halted reports whether an instrument's loop has stopped on an
// invariant violation.
func (e *Engine) Halted(instrumentID string) bool {
	l, ok := e.loops[instrumentID]
	return ok && l.halted.Load()
}

// Replay re-applies every journaled command, instrument by instrument.
// It must run before Start. Events go to the log again; the outbox keys
// them by sequence, so nothing is published twice.
func (e *Engine) Replay(ctx context.Context) error {
	if e.opts.Journal == nil {
		return nil
	}
	if e.started.Load() {
		return fmt.Errorf("replay after start")
	}
	for id, l := range e.loops {
		n := 0
		err := e.opts.Journal.Replay(id, func(cmd domain.Command) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
			_, err := e.process(l, cmd, false)
			return err
		})
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		e.logger.Info("journal replayed", zap.String("instrument", id), zap.Int("commands", n),
			zap.Uint64("sequence", l.ec.Sequence()))
	}
	return nil
}

// Start launches one goroutine per instrument. They exit when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for _, l := range e.loops {
		e.wg.Add(1)
		go func(l *instrumentLoop) {
			defer e.wg.Done()
			e.run(ctx, l)
		}(l)
	}
}

// Wait blocks until every loop has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, l *instrumentLoop) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.reqs:
			if req.query != nil {
				req.query(l.ec)
				req.reply <- response{}
				continue
			}
			events, err := e.process(l, req.cmd, true)
			req.reply <- response{events: events, err: err}
		}
	}
}

// Submit hands cmd to its instrument's loop and waits for the events it
// produced. A duplicate command id yields no events and no error.
func (e *Engine) Submit(ctx context.Context, cmd domain.Command) ([]domain.Event, error) {
	l, ok := e.loops[cmd.InstrumentID]
	if !ok {
		return nil, domain.ErrUnknownInstrument
	}
	if l.halted.Load() {
		return nil, domain.ErrInstrumentHalted
	}
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now().UTC()
	}
	resp, err := e.roundTrip(ctx, l, request{cmd: cmd})
	if err != nil {
		return nil, err
	}
	return resp.events, resp.err
}

// Query runs fn on the instrument's loop, so it sees a consistent state.
// fn must not retain the context.
func (e *Engine) Query(ctx context.Context, instrumentID string, fn func(*ExecutionContext)) error {
	l, ok := e.loops[instrumentID]
	if !ok {
		return domain.ErrUnknownInstrument
	}
	_, err := e.roundTrip(ctx, l, request{query: fn})
	return err
}

func (e *Engine) roundTrip(ctx context.Context, l *instrumentLoop, req request) (response, error) {
	if !e.started.Load() {
		return response{}, fmt.Errorf("engine not started")
	}
	req.reply = make(chan response, 1)
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// process runs one command on l. It is only ever called from l's loop,
// or from Replay before the loops start.
func (e *Engine) process(l *instrumentLoop, cmd domain.Command, journal bool) ([]domain.Event, error) {
	id := l.ec.Instrument.ID
	if l.halted.Load() {
		return nil, domain.ErrInstrumentHalted
	}
	if cmd.ID != "" && l.ec.Seen(cmd.ID) {
		e.opts.Metrics.CommandProcessed(id, cmd.Type, "duplicate")
		return nil, nil
	}
	if journal && e.opts.Journal != nil {
		if err := e.opts.Journal.Append(cmd); err != nil {
			e.opts.Metrics.CommandProcessed(id, cmd.Type, "journal_error")
			return nil, fmt.Errorf("journal command %s: %w", cmd.ID, err)
		}
	}

	applied, err := l.ec.Apply(cmd)
	if err != nil {
		e.halt(l, cmd, err)
		return nil, fmt.Errorf("apply command %s: %w", cmd.ID, err)
	}
	if err := e.opts.Log.Append(applied.Events...); err != nil {
		e.halt(l, cmd, err)
		return nil, fmt.Errorf("append events for command %s: %w", cmd.ID, err)
	}

	if e.opts.Trades != nil {
		e.opts.Trades.Append(applied.Trades...)
	}
	if len(applied.Trades) > 0 && e.opts.Prices != nil {
		e.opts.Prices.PublishPrice(id, applied.Trades[len(applied.Trades)-1].Price)
	}
	e.opts.Metrics.CommandProcessed(id, cmd.Type, outcome(applied.Events))
	e.opts.Metrics.EventsEmitted(applied.Events)
	e.opts.Metrics.TradesExecuted(id, len(applied.Trades))

	e.logger.Debug("command applied",
		zap.String("instrument", id),
		zap.String("command_id", cmd.ID),
		zap.String("command_type", string(cmd.Type)),
		zap.Int("events", len(applied.Events)),
		zap.Int("trades", len(applied.Trades)),
	)
	return applied.Events, nil
}

func (e *Engine) halt(l *instrumentLoop, cmd domain.Command, err error) {
	l.halted.Store(true)
	e.opts.Metrics.SetHalted(l.ec.Instrument.ID)
	e.opts.Metrics.CommandProcessed(l.ec.Instrument.ID, cmd.Type, "halted")
	e.logger.Error("instrument halted",
		zap.String("instrument", l.ec.Instrument.ID),
		zap.String("command_id", cmd.ID),
		zap.String("command_type", string(cmd.Type)),
		zap.Error(err),
	)
}

func outcome(events []domain.Event) string {
	for _, ev := range events {
		if ev.EventType == domain.EventOrderRejected {
			return "rejected"
		}
	}
	return "applied"
}

// BookSnapshot is a point-in-time view of one instrument's book.
type BookSnapshot struct {
	InstrumentID string
	Bids         []DepthLevel
	Asks         []DepthLevel
	LastPrice    int64
	HasLastPrice bool
	ParkedStops  int
	Sequence     uint64
	Halted       bool
}

// Snapshot returns up to depth aggregated levels per side.
func (e *Engine) Snapshot(ctx context.Context, instrumentID string, depth int) (BookSnapshot, error) {
	var snap BookSnapshot
	err := e.Query(ctx, instrumentID, func(c *ExecutionContext) {
		snap = c.Snapshot(depth)
	})
	snap.Halted = e.Halted(instrumentID)
	return snap, err
}

// Order returns the current or final state of an order.
func (e *Engine) Order(ctx context.Context, instrumentID, orderID string) (domain.Order, error) {
	var (
		o  domain.Order
		ok bool
	)
	if err := e.Query(ctx, instrumentID, func(c *ExecutionContext) {
		o, ok = c.Orders.Lookup(orderID)
	}); err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

// Account returns a user's balances and position in one instrument.
func (e *Engine) Account(ctx context.Context, instrumentID, userID string) (domain.Account, error) {
	var a domain.Account
	err := e.Query(ctx, instrumentID, func(c *ExecutionContext) {
		a = c.Balances.Account(userID)
	})
	return a, err
}

// Snapshot aggregates the book. It must be called from the owning loop.
func (c *ExecutionContext) Snapshot(depth int) BookSnapshot {
	remaining := func(id string) int64 {
		if o, err := c.Orders.Get(id); err == nil {
			return o.Remaining()
		}
		return 0
	}
	last, hasLast := c.Book.LastPrice()
	return BookSnapshot{
		InstrumentID: c.Instrument.ID,
		Bids:         c.Book.Depth(domain.OrderSideBid, depth, remaining),
		Asks:         c.Book.Depth(domain.OrderSideAsk, depth, remaining),
		LastPrice:    last,
		HasLastPrice: hasLast,
		ParkedStops:  c.Stops.Len(),
		Sequence:     c.seq,
	}
}
