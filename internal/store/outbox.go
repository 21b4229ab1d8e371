package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// OutboxStatus tracks whether an event has reached the broker.
type OutboxStatus byte

const (
	OutboxNew   OutboxStatus = 'N'
	OutboxAcked OutboxStatus = 'A'
)

// ErrRecordNotFound is returned for an event the outbox does not hold.
var ErrRecordNotFound = errors.New("outbox_record_not_found")

const (
	eventKind   = "evt"
	pendingKind = "pnd"
)

// OutboxRecord is one stored event and its delivery status.
type OutboxRecord struct {
	Event  domain.Event
	Status OutboxStatus
}

// Outbox is the durable event log. Every event is stored under
// evt/<instrument>/<sequence>; a pnd/ index entry exists while it is NEW.
// Safe for concurrent use: each instrument loop writes its own key range.
type Outbox struct {
	db *DB
}

// NewOutbox returns an outbox backed by db.
func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db}
}

// Append stores events that are not already present, in one synced batch.
// An (instrument, sequence) pair that exists is left untouched, so a
// journal replay never republishes.
func (o *Outbox) Append(events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	b := o.db.db.NewBatch()
	defer b.Close()

	added := 0
	for _, ev := range events {
		key := seqKey(eventKind, ev.InstrumentID, ev.Sequence)
		_, closer, err := o.db.db.Get(key)
		if err == nil {
			closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("read outbox %s: %w", key, err)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s/%d: %w", ev.InstrumentID, ev.Sequence, err)
		}
		if err := b.Set(key, encodeRecord(OutboxNew, data), nil); err != nil {
			return err
		}
		if err := b.Set(seqKey(pendingKind, ev.InstrumentID, ev.Sequence), nil, nil); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}
	return nil
}

// ScanPending returns up to limit NEW events, ordered by instrument and
// then by sequence.
func (o *Outbox) ScanPending(limit int) ([]domain.Event, error) {
	iter, err := o.db.prefixIter([]byte(pendingKind + "/"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.Event
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		key := append([]byte(eventKind), bytes.TrimPrefix(iter.Key(), []byte(pendingKind))...)
		rec, err := o.get(key)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Event)
	}
	return out, iter.Error()
}

// MarkAcked flags events as delivered and drops them from the pending index.
func (o *Outbox) MarkAcked(events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	b := o.db.db.NewBatch()
	defer b.Close()

	for _, ev := range events {
		key := seqKey(eventKind, ev.InstrumentID, ev.Sequence)
		rec, err := o.get(key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec.Event)
		if err != nil {
			return err
		}
		if err := b.Set(key, encodeRecord(OutboxAcked, data), nil); err != nil {
			return err
		}
		if err := b.Delete(seqKey(pendingKind, ev.InstrumentID, ev.Sequence), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit outbox acks: %w", err)
	}
	return nil
}

// Get returns the stored record for one event.
func (o *Outbox) Get(instrumentID string, seq uint64) (OutboxRecord, error) {
	return o.get(seqKey(eventKind, instrumentID, seq))
}

// Events returns every stored event of an instrument in sequence order.
func (o *Outbox) Events(instrumentID string) ([]OutboxRecord, error) {
	iter, err := o.db.prefixIter(instrumentPrefix(eventKind, instrumentID))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []OutboxRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (o *Outbox) get(key []byte) (OutboxRecord, error) {
	val, closer, err := o.db.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return OutboxRecord{}, fmt.Errorf("outbox record %s: %w", key, ErrRecordNotFound)
	}
	if err != nil {
		return OutboxRecord{}, fmt.Errorf("read outbox %s: %w", key, err)
	}
	defer closer.Close()
	return decodeRecord(val)
}

func encodeRecord(status OutboxStatus, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(status))
	return append(out, data...)
}

func decodeRecord(val []byte) (OutboxRecord, error) {
	if len(val) == 0 {
		return OutboxRecord{}, fmt.Errorf("empty outbox record")
	}
	var rec OutboxRecord
	rec.Status = OutboxStatus(val[0])
	if err := json.Unmarshal(val[1:], &rec.Event); err != nil {
		return OutboxRecord{}, err
	}
	return rec, nil
}
