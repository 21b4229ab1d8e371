package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// MessageReader is the part of *kafka.Reader the ingestor uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewCommandReader returns a consumer-group reader for the command topic.
// Offsets are committed explicitly, after the engine has processed each
// message.
func NewCommandReader(brokers []string, topic, groupID string, logger *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), zap.String("component", "kafka-reader"))
		}),
	})
}

const maxRetryBackoff = 5 * time.Second

// Ingestor feeds commands read from Kafka into the CommandService.
type Ingestor struct {
	reader    MessageReader
	commands  *CommandService
	logger    *zap.Logger
	retryBase time.Duration
}

// NewIngestor creates an Ingestor.
func NewIngestor(reader MessageReader, commands *CommandService, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{reader: reader, commands: commands, logger: logger, retryBase: 100 * time.Millisecond}
}

// Run consumes until ctx is done. A message is committed only once the
// engine has processed it; a failure that retrying could fix (a journal
// write, say) is retried in place with backoff, so nothing behind it on
// the partition is processed first.
//
// Messages that can never succeed (undecodable payloads, unknown
// instruments, halted instruments) are logged and committed so they do
// not block the partition.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info("command ingestion started")
	for {
		msg, err := i.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch command: %w", err)
		}

		backoff := i.retryBase
		for {
			err := i.handle(ctx, msg)
			if err == nil {
				break
			}
			i.logger.Warn("command failed, retrying", zap.Int64("offset", msg.Offset),
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRetryBackoff)
		}

		if err := i.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, msg kafka.Message) error {
	fields := []zap.Field{
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}

	cmd, err := domain.DecodeCommand(msg.Value)
	if err != nil {
		i.logger.Warn("dropping undecodable command", append(fields, zap.Error(err))...)
		return nil
	}
	if cmd.ID == "" {
		// Redeliveries of the same record dedupe in the engine.
		cmd.ID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}
	fields = append(fields, zap.String("command_id", cmd.ID), zap.String("instrument", cmd.InstrumentID))

	res, err := i.commands.Submit(ctx, cmd)
	var ve *domain.ValidationError
	switch {
	case err == nil:
		i.logger.Debug("command ingested", append(fields, zap.Int("events", len(res.Events)))...)
		return nil
	case errors.As(err, &ve), errors.Is(err, domain.ErrUnknownInstrument):
		i.logger.Warn("dropping invalid command", append(fields, zap.Error(err))...)
		return nil
	case errors.Is(err, domain.ErrInstrumentHalted):
		i.logger.Error("dropping command for halted instrument", append(fields, zap.Error(err))...)
		return nil
	default:
		return fmt.Errorf("process offset %d: %w", msg.Offset, err)
	}
}
