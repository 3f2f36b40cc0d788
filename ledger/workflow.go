package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned whenever a requested status change is not
// permitted by the deal state machine. The deal record is never mutated on a
// rejected transition.
var ErrInvalidTransition = errors.New("ledger: invalid deal transition")

var allowedTransitions = map[DealStatus][]DealStatus{
	StateInitiated:       {StateAwaitingCapture, StateCancelled},
	StateAwaitingCapture: {StatePickupConfirmed, StateCaptured, StateCancelled, StateDisputed},
	StatePickupConfirmed: {StateCaptured, StateDisputed},
	StateCaptured:        {StateRefunded},
	StateDisputed:        {StateCaptured, StateRefunded, StateCancelled},
}

// ValidateTransition ensures the transition follows the shared state machine.
// Rail-specific guards are layered on top: on the chain rail a capture is only
// legal once pickup has been confirmed.
func ValidateTransition(deal *Deal, next DealStatus) error {
	if deal == nil {
		return fmt.Errorf("ledger: nil deal")
	}
	current := deal.Status
	if current == next {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, current)
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	permitted := false
	for _, state := range allowed {
		if state == next {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	if next == StateCaptured && deal.Rail == RailChain && current == StateAwaitingCapture {
		return fmt.Errorf("%w: chain rail requires pickup confirmation before capture", ErrInvalidTransition)
	}
	if next == StatePickupConfirmed && deal.Rail != RailChain {
		return fmt.Errorf("%w: pickup confirmation only applies to the chain rail", ErrInvalidTransition)
	}
	return nil
}
