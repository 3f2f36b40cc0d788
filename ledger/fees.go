package ledger

import "fmt"

// MaxFeeBps bounds the marketplace commission. Matches contract-style basis
// point limits so a misconfigured rate can never exceed the full amount.
const MaxFeeBps uint32 = 10_000

// DefaultFeeBps is the marketplace commission applied when a deal does not
// override it: 5%.
const DefaultFeeBps uint32 = 500

// FeeSplit is the settlement outcome for a captured deal. OwnerAmount and
// MarketplaceFee always sum to the original amount.
type FeeSplit struct {
	Amount         int64
	OwnerAmount    int64
	MarketplaceFee int64
}

// SplitFee computes the marketplace fee first, rounding half up, and assigns
// the remainder to the owner so no minor unit is lost. Amounts are integer
// minor units (cents).
func SplitFee(amount int64, feeBps uint32) (FeeSplit, error) {
	if amount <= 0 {
		return FeeSplit{}, fmt.Errorf("ledger: amount must be positive")
	}
	if feeBps > MaxFeeBps {
		return FeeSplit{}, fmt.Errorf("ledger: fee bps out of range: %d", feeBps)
	}
	fee := (amount*int64(feeBps) + int64(MaxFeeBps)/2) / int64(MaxFeeBps)
	return FeeSplit{
		Amount:         amount,
		OwnerAmount:    amount - fee,
		MarketplaceFee: fee,
	}, nil
}
