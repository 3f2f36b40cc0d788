package ledger

import "testing"

func TestSplitFeeDefaultRate(t *testing.T) {
	split, err := SplitFee(10000, DefaultFeeBps)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if split.MarketplaceFee != 500 {
		t.Fatalf("expected 500 fee, got %d", split.MarketplaceFee)
	}
	if split.OwnerAmount != 9500 {
		t.Fatalf("expected 9500 owner amount, got %d", split.OwnerAmount)
	}
}

func TestSplitFeeRoundsHalfUp(t *testing.T) {
	// 333 * 500 / 10000 = 16.65, rounds to 17.
	split, err := SplitFee(333, 500)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if split.MarketplaceFee != 17 {
		t.Fatalf("expected 17 fee, got %d", split.MarketplaceFee)
	}
	if split.OwnerAmount != 316 {
		t.Fatalf("expected 316 owner amount, got %d", split.OwnerAmount)
	}
}

func TestSplitFeeConservesTotal(t *testing.T) {
	amounts := []int64{1, 2, 99, 100, 101, 333, 9999, 10001, 123456789}
	rates := []uint32{0, 1, 250, 500, 3333, 9999, 10000}
	for _, amount := range amounts {
		for _, bps := range rates {
			split, err := SplitFee(amount, bps)
			if err != nil {
				t.Fatalf("split %d @ %d bps: %v", amount, bps, err)
			}
			if split.OwnerAmount+split.MarketplaceFee != amount {
				t.Fatalf("split %d @ %d bps loses units: %d + %d", amount, bps, split.OwnerAmount, split.MarketplaceFee)
			}
			if split.MarketplaceFee < 0 || split.OwnerAmount < 0 {
				t.Fatalf("split %d @ %d bps produced a negative leg", amount, bps)
			}
		}
	}
}

func TestSplitFeeFullRate(t *testing.T) {
	split, err := SplitFee(777, MaxFeeBps)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if split.MarketplaceFee != 777 || split.OwnerAmount != 0 {
		t.Fatalf("expected full amount as fee, got fee=%d owner=%d", split.MarketplaceFee, split.OwnerAmount)
	}
}

func TestSplitFeeRejectsBadInput(t *testing.T) {
	if _, err := SplitFee(0, 500); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := SplitFee(-5, 500); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if _, err := SplitFee(100, MaxFeeBps+1); err == nil {
		t.Fatal("expected error for fee over max")
	}
}
