package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling. Their text doubles as
// the reason carried by ORDER_REJECTED events, and the handler layer maps
// them to HTTP status codes.
var (
	ErrOrderNotFound       = errors.New("order_not_found")
	ErrOrderClosed         = errors.New("order_closed")
	ErrDuplicateOrder      = errors.New("duplicate_order")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrNoLiquidity         = errors.New("no_liquidity")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrCrossesMarket       = errors.New("crosses_market")
	ErrInvalidBracket      = errors.New("invalid_bracket")
	ErrModifyNotAllowed    = errors.New("modify_not_allowed")
	ErrUnknownInstrument   = errors.New("unknown_instrument")
	ErrInstrumentHalted    = errors.New("instrument_halted")
)

// ValidationError represents a malformed command.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvariantError reports corrupted engine state. It is never recovered
// locally: the instrument that raised it stops processing commands.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Detail)
}

// Invariantf builds an InvariantError for op.
func Invariantf(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err wraps an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// RejectReason returns the reason string carried by a rejection event.
func RejectReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "invalid_request"
	}
	return err.Error()
}
