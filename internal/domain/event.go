package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a state transition emitted by the engine.
type EventType string

const (
	EventOrderNew                EventType = "ORDER_NEW"
	EventOrderPartiallyFilled    EventType = "ORDER_PARTIALLY_FILLED"
	EventOrderFilled             EventType = "ORDER_FILLED"
	EventOrderCancelled          EventType = "ORDER_CANCELLED"
	EventOrderPartiallyCancelled EventType = "ORDER_PARTIALLY_CANCELLED"
	EventOrderModified           EventType = "ORDER_MODIFIED"
	EventOrderRejected           EventType = "ORDER_REJECTED"
	EventOrderTriggered          EventType = "ORDER_TRIGGERED"
	EventNewTrade                EventType = "NEW_TRADE"
	EventBalanceUpdated          EventType = "BALANCE_UPDATED"
)

// Event is an immutable record of one state transition. Sequence is
// gap-free per instrument; (InstrumentID, Sequence) identifies an event
// for idempotent downstream upserts.
type Event struct {
	EventType    EventType
	InstrumentID string
	Sequence     uint64
	OrderID      string
	UserID       string
	Quantity     int64
	Price        int64 // ticks
	Balance      int64 // available cash after the transition, ticks
	AssetBalance int64 // available asset after the transition
	Metadata     map[string]string
	Timestamp    time.Time
}

type eventJSON struct {
	EventType    EventType         `json:"event_type"`
	InstrumentID string            `json:"instrument_id"`
	Sequence     uint64            `json:"sequence"`
	OrderID      string            `json:"order_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Quantity     int64             `json:"quantity"`
	Price        decimal.Decimal   `json:"price"`
	Balance      decimal.Decimal   `json:"balance"`
	AssetBalance int64             `json:"asset_balance"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// MarshalJSON renders ticks as decimal amounts.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		EventType:    e.EventType,
		InstrumentID: e.InstrumentID,
		Sequence:     e.Sequence,
		OrderID:      e.OrderID,
		UserID:       e.UserID,
		Quantity:     e.Quantity,
		Price:        FromTicks(e.Price),
		Balance:      FromTicks(e.Balance),
		AssetBalance: e.AssetBalance,
		Metadata:     e.Metadata,
		Timestamp:    e.Timestamp.UTC(),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := ToTicks(raw.Price)
	if err != nil {
		return err
	}
	balance, err := ToTicks(raw.Balance)
	if err != nil {
		return err
	}
	*e = Event{
		EventType:    raw.EventType,
		InstrumentID: raw.InstrumentID,
		Sequence:     raw.Sequence,
		OrderID:      raw.OrderID,
		UserID:       raw.UserID,
		Quantity:     raw.Quantity,
		Price:        price,
		Balance:      balance,
		AssetBalance: raw.AssetBalance,
		Metadata:     raw.Metadata,
		Timestamp:    raw.Timestamp,
	}
	return nil
}
