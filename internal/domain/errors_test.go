package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Message: "quantity must be > 0"}
	if err.Error() != "quantity must be > 0" {
		t.Errorf("Error() = %q, want %q", err.Error(), "quantity must be > 0")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	errs := []error{
		ErrOrderNotFound,
		ErrOrderClosed,
		ErrDuplicateOrder,
		ErrInsufficientBalance,
		ErrNoLiquidity,
		ErrInvalidQuantity,
		ErrInvalidPrice,
		ErrCrossesMarket,
		ErrInvalidBracket,
		ErrModifyNotAllowed,
		ErrUnknownInstrument,
		ErrInstrumentHalted,
	}
	for i := 0; i < len(errs); i++ {
		for j := i + 1; j < len(errs); j++ {
			if errors.Is(errs[i], errs[j]) {
				t.Errorf("sentinel errors %d and %d should be distinct", i, j)
			}
		}
	}
}

func TestIsInvariant(t *testing.T) {
	err := fmt.Errorf("apply: %w", Invariantf("book.append", "order %s already resting", "o1"))
	if !IsInvariant(err) {
		t.Error("expected wrapped InvariantError to be detected")
	}
	if IsInvariant(ErrOrderNotFound) {
		t.Error("sentinel error must not be an invariant error")
	}
	want := "invariant violated in book.append: order o1 already resting"
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Error() != want {
		t.Errorf("Error() = %q, want %q", ie, want)
	}
}

func TestRejectReason(t *testing.T) {
	if got := RejectReason(ErrInsufficientBalance); got != "insufficient_balance" {
		t.Errorf("RejectReason(sentinel) = %q", got)
	}
	if got := RejectReason(&ValidationError{Message: "x"}); got != "invalid_request" {
		t.Errorf("RejectReason(validation) = %q", got)
	}
}
