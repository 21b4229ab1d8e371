package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
	"github.com/efreitasn/ordermatch/internal/engine"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,64}$`)

// CommandResult is what one accepted command produced. Events is empty
// when the command id had already been processed.
type CommandResult struct {
	CommandID string
	Events    []domain.Event
}

// Rejection returns the ORDER_REJECTED event, if the command was rejected.
func (r CommandResult) Rejection() (domain.Event, bool) {
	for _, ev := range r.Events {
		if ev.EventType == domain.EventOrderRejected {
			return ev, true
		}
	}
	return domain.Event{}, false
}

// CommandService is the single intake for commands, whatever transport
// they arrive on. It checks the envelope, stamps it and hands it to the
// instrument's loop.
type CommandService struct {
	engine *engine.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewCommandService creates a CommandService submitting to e.
func NewCommandService(e *engine.Engine, logger *zap.Logger) *CommandService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandService{
		engine: e,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the envelope, assigns a command id when none was given,
// and waits for the engine to apply the command. Business rejections come
// back as an ORDER_REJECTED event, not as an error.
func (s *CommandService) Submit(ctx context.Context, cmd domain.Command) (CommandResult, error) {
	if err := s.validate(cmd); err != nil {
		return CommandResult{}, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = s.now()
	}

	events, err := s.engine.Submit(ctx, cmd)
	if err != nil {
		return CommandResult{}, fmt.Errorf("submit %s: %w", cmd.ID, err)
	}
	res := CommandResult{CommandID: cmd.ID, Events: events}
	if ev, ok := res.Rejection(); ok {
		s.logger.Info("command rejected",
			zap.String("command_id", cmd.ID),
			zap.String("instrument", cmd.InstrumentID),
			zap.String("order_id", ev.OrderID),
			zap.String("reason", ev.Metadata["reason"]),
		)
	}
	return res, nil
}

func (s *CommandService) validate(cmd domain.Command) error {
	if cmd.ID != "" && len(cmd.ID) > 128 {
		return &domain.ValidationError{Message: "command_id must be at most 128 characters"}
	}
	if _, ok := s.engine.Instrument(cmd.InstrumentID); !ok {
		return domain.ErrUnknownInstrument
	}

	type field struct{ name, value string }
	var ids []field
	switch {
	case cmd.NewOrder != nil:
		ids = append(ids, field{"order_id", cmd.NewOrder.OrderID}, field{"user_id", cmd.NewOrder.UserID})
		for i, leg := range cmd.NewOrder.Legs {
			ids = append(ids, field{fmt.Sprintf("linked_legs[%d].order_id", i), leg.OrderID})
		}
	case cmd.Cancel != nil:
		ids = append(ids, field{"order_id", cmd.Cancel.OrderID})
	case cmd.Modify != nil:
		ids = append(ids, field{"order_id", cmd.Modify.OrderID})
	case cmd.Deposit != nil:
		ids = append(ids, field{"user_id", cmd.Deposit.UserID})
	default:
		return &domain.ValidationError{Message: "payload is required"}
	}
	for _, f := range ids {
		if !idRegex.MatchString(f.value) {
			return &domain.ValidationError{Message: f.name + " must match " + idRegex.String()}
		}
	}
	return nil
}

// GetOrder returns the current or final state of an order.
func (s *CommandService) GetOrder(ctx context.Context, instrumentID, orderID string) (domain.Order, error) {
	return s.engine.Order(ctx, instrumentID, orderID)
}

// GetAccount returns a user's balances and position in an instrument.
func (s *CommandService) GetAccount(ctx context.Context, instrumentID, userID string) (domain.Account, error) {
	if !idRegex.MatchString(userID) {
		return domain.Account{}, &domain.ValidationError{Message: "user_id must match " + idRegex.String()}
	}
	return s.engine.Account(ctx, instrumentID, userID)
}
