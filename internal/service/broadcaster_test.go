package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/metrics"
	"github.com/efreitasn/ordermatch/internal/store"
)

func newTestOutbox(t *testing.T) *store.Outbox {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewOutbox(db)
}

func outboxEvents(instrument string, n int) []domain.Event {
	evs := make([]domain.Event, n)
	for i := range evs {
		evs[i] = domain.Event{
			EventType:    domain.EventOrderNew,
			InstrumentID: instrument,
			Sequence:     uint64(i + 1),
			OrderID:      fmt.Sprintf("o%d", i+1),
			Quantity:     1,
			Price:        10000,
			Timestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return evs
}

func TestBroadcaster_FlushPublishesAndAcks(t *testing.T) {
	outbox := newTestOutbox(t)
	if err := outbox.Append(outboxEvents("BTC-USD", 3)...); err != nil {
		t.Fatal(err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	var seen []uint64
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, _ := msg.Key.Encode()
			if string(key) != "BTC-USD" {
				return fmt.Errorf("expected key BTC-USD, got %q", key)
			}
			raw, _ := msg.Value.Encode()
			var ev domain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			seen = append(seen, ev.Sequence)
			return nil
		})
	}

	b := NewBroadcaster(outbox, producer, "events", time.Second, 10, zap.NewNop(), metrics.New())
	n, err := b.Flush()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 published, got %d", n)
	}
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Fatalf("expected sequences in order, got %v", seen)
	}

	pending, err := outbox.ScanPending(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}
	rec, err := outbox.Get("BTC-USD", 2)
	if err != nil || rec.Status != store.OutboxAcked {
		t.Fatalf("expected event 2 acked, got %+v, %v", rec, err)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBroadcaster_StopsAtFirstFailure(t *testing.T) {
	outbox := newTestOutbox(t)
	if err := outbox.Append(outboxEvents("BTC-USD", 4)...); err != nil {
		t.Fatal(err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	b := NewBroadcaster(outbox, producer, "events", time.Second, 10, zap.NewNop(), nil)
	n, err := b.Flush()
	if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
		t.Fatalf("expected send error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 published before the failure, got %d", n)
	}

	pending, err := outbox.ScanPending(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 || pending[0].Sequence != 2 {
		t.Fatalf("expected events 2..4 still pending, got %+v", pending)
	}

	// The next flush resumes where the last one stopped.
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	if n, err := b.Flush(); err != nil || n != 3 {
		t.Fatalf("expected 3 published on retry, got %d, %v", n, err)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBroadcaster_RespectsBatchSize(t *testing.T) {
	outbox := newTestOutbox(t)
	if err := outbox.Append(outboxEvents("ETH-USD", 5)...); err != nil {
		t.Fatal(err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	b := NewBroadcaster(outbox, producer, "events", time.Second, 2, zap.NewNop(), nil)
	if n, err := b.Flush(); err != nil || n != 2 {
		t.Fatalf("expected one batch of 2, got %d, %v", n, err)
	}
	pending, _ := outbox.ScanPending(0)
	if len(pending) != 3 {
		t.Fatalf("expected 3 still pending, got %d", len(pending))
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBroadcaster_EmptyOutbox(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	b := NewBroadcaster(newTestOutbox(t), producer, "events", time.Second, 10, nil, nil)

	if n, err := b.Flush(); err != nil || n != 0 {
		t.Fatalf("expected nothing published, got %d, %v", n, err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
