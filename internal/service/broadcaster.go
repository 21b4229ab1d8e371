package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/metrics"
)

// PendingEvents is the outbox side the broadcaster drains.
type PendingEvents interface {
	ScanPending(limit int) ([]domain.Event, error)
	MarkAcked(events ...domain.Event) error
}

// NewSyncProducer dials the brokers with full acknowledgement and
// hash partitioning, so all events of an instrument land on one
// partition in order.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Broadcaster publishes NEW outbox events to Kafka and marks them ACKED
// once the broker has them. Delivery is at least once: a crash between
// send and ack republishes, and consumers dedupe on (instrument, sequence).
type Broadcaster struct {
	outbox   PendingEvents
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	batch    int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster draining outbox into topic.
func NewBroadcaster(outbox PendingEvents, producer sarama.SyncProducer, topic string, interval time.Duration, batch int, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 500
	}
	return &Broadcaster{
		outbox:   outbox,
		producer: producer,
		topic:    topic,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  m,
	}
}

// Run flushes the outbox on every tick until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("broadcaster started", zap.String("topic", b.topic), zap.Duration("interval", b.interval))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopped")
			return
		case <-ticker.C:
			if _, err := b.Flush(); err != nil {
				b.logger.Warn("outbox flush incomplete", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch of pending events and returns how many were
// acknowledged. It stops at the first failed send so an instrument's
// events never reach the topic out of order; the rest are retried on the
// next flush.
func (b *Broadcaster) Flush() (int, error) {
	pending, err := b.outbox.ScanPending(b.batch)
	if err != nil {
		return 0, fmt.Errorf("scan outbox: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sent := make([]domain.Event, 0, len(pending))
	var sendErr error
	for _, ev := range pending {
		if sendErr = b.send(ev); sendErr != nil {
			break
		}
		sent = append(sent, ev)
	}

	if len(sent) > 0 {
		if err := b.outbox.MarkAcked(sent...); err != nil {
			return 0, fmt.Errorf("ack %d events: %w", len(sent), err)
		}
		b.metrics.OutboxPublished("acked", len(sent))
	}
	if sendErr != nil {
		b.metrics.OutboxPublished("failed", len(pending)-len(sent))
		return len(sent), sendErr
	}
	return len(sent), nil
}

func (b *Broadcaster) send(ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s/%d: %w", ev.InstrumentID, ev.Sequence, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.InstrumentID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.EventType)},
			{Key: []byte("sequence"), Value: []byte(fmt.Sprint(ev.Sequence))},
		},
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s/%d: %w", ev.InstrumentID, ev.Sequence, err)
	}
	return nil
}

// Close closes the producer.
func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
