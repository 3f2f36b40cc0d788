package ledger

import (
	"errors"
	"testing"
)

func dealIn(rail SettlementRail, status DealStatus) *Deal {
	return &Deal{Rail: rail, Status: status}
}

func TestValidateTransitionAllowedPaths(t *testing.T) {
	cases := []struct {
		name string
		deal *Deal
		next DealStatus
	}{
		{"authorize confirms hold", dealIn(RailCard, StateInitiated), StateAwaitingCapture},
		{"cancel before hold", dealIn(RailCard, StateInitiated), StateCancelled},
		{"card capture from hold", dealIn(RailCard, StateAwaitingCapture), StateCaptured},
		{"chain pickup", dealIn(RailChain, StateAwaitingCapture), StatePickupConfirmed},
		{"chain capture after pickup", dealIn(RailChain, StatePickupConfirmed), StateCaptured},
		{"dispute from hold", dealIn(RailCard, StateAwaitingCapture), StateDisputed},
		{"dispute after pickup", dealIn(RailChain, StatePickupConfirmed), StateDisputed},
		{"refund after capture", dealIn(RailCard, StateCaptured), StateRefunded},
		{"resolve dispute by capture", dealIn(RailCard, StateDisputed), StateCaptured},
		{"resolve dispute by refund", dealIn(RailCard, StateDisputed), StateRefunded},
		{"resolve dispute by cancel", dealIn(RailChain, StateDisputed), StateCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateTransition(tc.deal, tc.next); err != nil {
				t.Fatalf("expected %s -> %s to be allowed: %v", tc.deal.Status, tc.next, err)
			}
		})
	}
}

func TestValidateTransitionRejectedPaths(t *testing.T) {
	cases := []struct {
		name string
		deal *Deal
		next DealStatus
	}{
		{"capture before hold", dealIn(RailCard, StateInitiated), StateCaptured},
		{"chain capture before pickup", dealIn(RailChain, StateAwaitingCapture), StateCaptured},
		{"pickup on card rail", dealIn(RailCard, StateAwaitingCapture), StatePickupConfirmed},
		{"cancel after capture", dealIn(RailCard, StateCaptured), StateCancelled},
		{"capture twice", dealIn(RailCard, StateCaptured), StateCaptured},
		{"revive cancelled deal", dealIn(RailCard, StateCancelled), StateCaptured},
		{"refund a refund", dealIn(RailCard, StateRefunded), StateRefunded},
		{"cancel after pickup", dealIn(RailChain, StatePickupConfirmed), StateCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.deal, tc.next)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition for %s -> %s, got %v", tc.deal.Status, tc.next, err)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []DealStatus{StateRefunded, StateCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []DealStatus{StateInitiated, StateAwaitingCapture, StatePickupConfirmed, StateCaptured, StateDisputed} {
		if status.Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}
