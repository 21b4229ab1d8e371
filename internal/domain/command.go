package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CommandType names an inbound instruction.
type CommandType string

const (
	CommandNewOrder    CommandType = "NEW_ORDER"
	CommandCancelOrder CommandType = "CANCEL_ORDER"
	CommandModifyOrder CommandType = "MODIFY_ORDER"
	CommandDeposit     CommandType = "DEPOSIT"
)

// Command is one instrument-scoped instruction. Exactly one payload
// pointer is set, matching Type.
type Command struct {
	ID           string
	Type         CommandType
	InstrumentID string
	ReceivedAt   time.Time

	NewOrder *NewOrder
	Cancel   *CancelOrder
	Modify   *ModifyOrder
	Deposit  *Deposit
}

// LegSpec describes a linked order carried by an OTO or OTOCO command.
type LegSpec struct {
	OrderID    string
	Side       OrderSide
	Type       OrderType
	Quantity   int64
	LimitPrice int64
	StopPrice  int64
	Tag        Tag
}

// NewOrder is the NEW_ORDER payload. TakeProfit and StopLoss are nil
// when absent.
type NewOrder struct {
	OrderID    string
	UserID     string
	Side       OrderSide
	Type       OrderType
	Quantity   int64
	LimitPrice int64
	StopPrice  int64
	Strategy   StrategyType
	TakeProfit *int64
	StopLoss   *int64
	Legs       []LegSpec
}

// CancelQuantity is either a bounded quantity or ALL.
type CancelQuantity struct {
	All      bool
	Quantity int64
}

// CancelAll requests cancellation of everything still standing.
var CancelAll = CancelQuantity{All: true}

// Clamp returns how much of standing this request cancels.
func (q CancelQuantity) Clamp(standing int64) int64 {
	if q.All || q.Quantity > standing {
		return standing
	}
	return q.Quantity
}

// CancelOrder is the CANCEL_ORDER payload.
type CancelOrder struct {
	OrderID  string
	Quantity CancelQuantity
}

// PriceUpdate is a tri-state modify field: unset leaves the price
// unchanged, set with a nil Value removes it, set with a Value replaces it.
type PriceUpdate struct {
	Set   bool
	Value *int64
}

// SetPrice returns an update replacing the price with v.
func SetPrice(v int64) PriceUpdate {
	return PriceUpdate{Set: true, Value: &v}
}

// RemovePrice returns an update clearing the price.
func RemovePrice() PriceUpdate {
	return PriceUpdate{Set: true}
}

// Removes reports whether the update clears the price.
func (u PriceUpdate) Removes() bool {
	return u.Set && u.Value == nil
}

// ModifyOrder is the MODIFY_ORDER payload.
type ModifyOrder struct {
	OrderID    string
	LimitPrice PriceUpdate
	TakeProfit PriceUpdate
	StopLoss   PriceUpdate
}

// Deposit credits funds to a user inside one instrument's context.
type Deposit struct {
	UserID string
	Cash   int64 // ticks
	Asset  int64
}

// OrderID returns the order the command addresses, if any.
func (c Command) OrderID() string {
	switch {
	case c.NewOrder != nil:
		return c.NewOrder.OrderID
	case c.Cancel != nil:
		return c.Cancel.OrderID
	case c.Modify != nil:
		return c.Modify.OrderID
	}
	return ""
}

// UserID returns the user the command acts for, when the payload names one.
func (c Command) UserID() string {
	switch {
	case c.NewOrder != nil:
		return c.NewOrder.UserID
	case c.Deposit != nil:
		return c.Deposit.UserID
	}
	return ""
}

// ---- wire format ----

type envelope struct {
	ID           string          `json:"command_id"`
	Type         CommandType     `json:"command_type"`
	InstrumentID string          `json:"instrument_id"`
	ReceivedAt   time.Time       `json:"received_at"`
	Payload      json.RawMessage `json:"payload"`
}

type legJSON struct {
	OrderID    string           `json:"order_id"`
	Side       OrderSide        `json:"side"`
	Type       OrderType        `json:"order_type"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Tag        Tag              `json:"tag,omitempty"`
}

type newOrderJSON struct {
	OrderID    string           `json:"order_id"`
	UserID     string           `json:"user_id"`
	Side       OrderSide        `json:"side"`
	Type       OrderType        `json:"order_type"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Strategy   StrategyType     `json:"strategy_type"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	LinkedLegs []legJSON        `json:"linked_legs,omitempty"`
}

type cancelJSON struct {
	OrderID  string         `json:"order_id"`
	Quantity CancelQuantity `json:"quantity"`
}

// modifyJSON decodes with optionalPrice so that an omitted field and an
// explicit null stay distinguishable.
type modifyJSON struct {
	OrderID    string        `json:"order_id"`
	LimitPrice optionalPrice `json:"limit_price"`
	TakeProfit optionalPrice `json:"take_profit"`
	StopLoss   optionalPrice `json:"stop_loss"`
}

type modifyOutJSON struct {
	OrderID    string          `json:"order_id"`
	LimitPrice json.RawMessage `json:"limit_price,omitempty"`
	TakeProfit json.RawMessage `json:"take_profit,omitempty"`
	StopLoss   json.RawMessage `json:"stop_loss,omitempty"`
}

type depositJSON struct {
	UserID string          `json:"user_id"`
	Cash   decimal.Decimal `json:"cash"`
	Asset  int64           `json:"asset"`
}

type optionalPrice struct {
	PriceUpdate
	err error
}

func (p *optionalPrice) UnmarshalJSON(data []byte) error {
	p.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		p.Value = nil
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := ToTicks(d)
	if err != nil {
		p.err = err
		return nil
	}
	p.Value = &v
	return nil
}

func marshalUpdate(u PriceUpdate) (json.RawMessage, error) {
	if !u.Set {
		return nil, nil
	}
	if u.Value == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(FromTicks(*u.Value))
}

// UnmarshalJSON accepts either an integer or the string "ALL".
func (q *CancelQuantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.ToUpper(s) != "ALL" {
			return fmt.Errorf("cancel quantity must be an integer or \"ALL\", got %q", s)
		}
		*q = CancelAll
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cancel quantity must be an integer or \"ALL\"")
	}
	*q = CancelQuantity{Quantity: n}
	return nil
}

// MarshalJSON renders ALL as a string and bounded quantities as integers.
func (q CancelQuantity) MarshalJSON() ([]byte, error) {
	if q.All {
		return []byte(`"ALL"`), nil
	}
	return json.Marshal(q.Quantity)
}

func ticksPtr(d *decimal.Decimal) (int64, error) {
	if d == nil {
		return 0, nil
	}
	return ToTicks(*d)
}

func optTicks(d *decimal.Decimal) (*int64, error) {
	if d == nil {
		return nil, nil
	}
	v, err := ToTicks(*d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decimalPtr(t int64) *decimal.Decimal {
	if t == 0 {
		return nil
	}
	d := FromTicks(t)
	return &d
}

func optDecimal(t *int64) *decimal.Decimal {
	if t == nil {
		return nil
	}
	d := FromTicks(*t)
	return &d
}

// DecodeCommand parses the JSON envelope and its typed payload. Any
// structural problem is reported as a *ValidationError.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, &ValidationError{Message: "malformed command: " + err.Error()}
	}
	if env.InstrumentID == "" {
		return Command{}, &ValidationError{Message: "instrument_id is required"}
	}
	if len(env.Payload) == 0 {
		return Command{}, &ValidationError{Message: "payload is required"}
	}

	cmd := Command{
		ID:           env.ID,
		Type:         env.Type,
		InstrumentID: env.InstrumentID,
		ReceivedAt:   env.ReceivedAt,
	}

	var err error
	switch env.Type {
	case CommandNewOrder:
		cmd.NewOrder, err = decodeNewOrder(env.Payload)
	case CommandCancelOrder:
		var p cancelJSON
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			cmd.Cancel = &CancelOrder{OrderID: p.OrderID, Quantity: p.Quantity}
		}
	case CommandModifyOrder:
		cmd.Modify, err = decodeModify(env.Payload)
	case CommandDeposit:
		var p depositJSON
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			var cash int64
			if cash, err = ToTicks(p.Cash); err == nil {
				cmd.Deposit = &Deposit{UserID: p.UserID, Cash: cash, Asset: p.Asset}
			}
		}
	default:
		return Command{}, &ValidationError{Message: fmt.Sprintf("unknown command_type %q", env.Type)}
	}
	if err != nil {
		return Command{}, &ValidationError{Message: "malformed payload: " + err.Error()}
	}
	return cmd, nil
}

func decodeNewOrder(raw json.RawMessage) (*NewOrder, error) {
	var p newOrderJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	limit, err := ticksPtr(p.LimitPrice)
	if err != nil {
		return nil, err
	}
	stop, err := ticksPtr(p.StopPrice)
	if err != nil {
		return nil, err
	}
	tp, err := optTicks(p.TakeProfit)
	if err != nil {
		return nil, err
	}
	sl, err := optTicks(p.StopLoss)
	if err != nil {
		return nil, err
	}
	strategy := p.Strategy
	if strategy == "" {
		strategy = StrategySingle
	}
	n := &NewOrder{
		OrderID:    p.OrderID,
		UserID:     p.UserID,
		Side:       p.Side,
		Type:       p.Type,
		Quantity:   p.Quantity,
		LimitPrice: limit,
		StopPrice:  stop,
		Strategy:   strategy,
		TakeProfit: tp,
		StopLoss:   sl,
	}
	for _, l := range p.LinkedLegs {
		ll, err := ticksPtr(l.LimitPrice)
		if err != nil {
			return nil, err
		}
		ls, err := ticksPtr(l.StopPrice)
		if err != nil {
			return nil, err
		}
		n.Legs = append(n.Legs, LegSpec{
			OrderID:    l.OrderID,
			Side:       l.Side,
			Type:       l.Type,
			Quantity:   l.Quantity,
			LimitPrice: ll,
			StopPrice:  ls,
			Tag:        l.Tag,
		})
	}
	return n, nil
}

func decodeModify(raw json.RawMessage) (*ModifyOrder, error) {
	var p modifyJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	for _, f := range []optionalPrice{p.LimitPrice, p.TakeProfit, p.StopLoss} {
		if f.err != nil {
			return nil, f.err
		}
	}
	return &ModifyOrder{
		OrderID:    p.OrderID,
		LimitPrice: p.LimitPrice.PriceUpdate,
		TakeProfit: p.TakeProfit.PriceUpdate,
		StopLoss:   p.StopLoss.PriceUpdate,
	}, nil
}

// MarshalJSON renders the command in the envelope form DecodeCommand reads.
func (c Command) MarshalJSON() ([]byte, error) {
	var (
		payload any
		err     error
	)
	switch {
	case c.NewOrder != nil:
		n := c.NewOrder
		p := newOrderJSON{
			OrderID:    n.OrderID,
			UserID:     n.UserID,
			Side:       n.Side,
			Type:       n.Type,
			Quantity:   n.Quantity,
			LimitPrice: decimalPtr(n.LimitPrice),
			StopPrice:  decimalPtr(n.StopPrice),
			Strategy:   n.Strategy,
			TakeProfit: optDecimal(n.TakeProfit),
			StopLoss:   optDecimal(n.StopLoss),
		}
		for _, l := range n.Legs {
			p.LinkedLegs = append(p.LinkedLegs, legJSON{
				OrderID:    l.OrderID,
				Side:       l.Side,
				Type:       l.Type,
				Quantity:   l.Quantity,
				LimitPrice: decimalPtr(l.LimitPrice),
				StopPrice:  decimalPtr(l.StopPrice),
				Tag:        l.Tag,
			})
		}
		payload = p
	case c.Cancel != nil:
		payload = cancelJSON{OrderID: c.Cancel.OrderID, Quantity: c.Cancel.Quantity}
	case c.Modify != nil:
		out := modifyOutJSON{OrderID: c.Modify.OrderID}
		if out.LimitPrice, err = marshalUpdate(c.Modify.LimitPrice); err != nil {
			return nil, err
		}
		if out.TakeProfit, err = marshalUpdate(c.Modify.TakeProfit); err != nil {
			return nil, err
		}
		if out.StopLoss, err = marshalUpdate(c.Modify.StopLoss); err != nil {
			return nil, err
		}
		payload = out
	case c.Deposit != nil:
		payload = depositJSON{UserID: c.Deposit.UserID, Cash: FromTicks(c.Deposit.Cash), Asset: c.Deposit.Asset}
	default:
		return nil, fmt.Errorf("command %q has no payload", c.ID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:           c.ID,
		Type:         c.Type,
		InstrumentID: c.InstrumentID,
		ReceivedAt:   c.ReceivedAt,
		Payload:      raw,
	})
}
