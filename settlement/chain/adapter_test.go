package chain

import (
	"context"
	"errors"
	"testing"

	"tolio/ledger"
	"tolio/settlement"
)

const (
	renterAddr = "0x1111111111111111111111111111111111111111"
	ownerAddr  = "0x2222222222222222222222222222222222222222"
)

type stubContract struct {
	allowance   string
	createFn    func(ctx context.Context, req DealCreateRequest) (*TxResult, error)
	completeFn  func(ctx context.Context, dealRef, caller string) (*TxResult, error)
	cancelFn    func(ctx context.Context, dealRef, caller string) (*TxResult, error)
	pickupFn    func(ctx context.Context, dealRef, caller string) (*TxResult, error)
	disputeFn   func(ctx context.Context, dealRef, caller string) (*TxResult, error)
	dealState   *DealState
	receipt     *TxReceipt
	createCalls int
	lastCreate  DealCreateRequest
}

func (s *stubContract) CreateDeal(ctx context.Context, req DealCreateRequest) (*TxResult, error) {
	s.createCalls++
	s.lastCreate = req
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return &TxResult{DealRef: "deal-0x01", TxHash: "0xabc", Status: "confirmed"}, nil
}

func (s *stubContract) ConfirmPickup(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	if s.pickupFn != nil {
		return s.pickupFn(ctx, dealRef, caller)
	}
	return &TxResult{TxHash: "0xpickup", Status: "confirmed"}, nil
}

func (s *stubContract) MarkCompleted(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, dealRef, caller)
	}
	return &TxResult{TxHash: "0xcomplete", Status: "confirmed"}, nil
}

func (s *stubContract) CancelDeal(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, dealRef, caller)
	}
	return &TxResult{TxHash: "0xcancel", Status: "confirmed"}, nil
}

func (s *stubContract) ReleaseDeposit(ctx context.Context, dealRef string) (*TxResult, error) {
	return &TxResult{TxHash: "0xrelease", Status: "confirmed"}, nil
}

func (s *stubContract) OpenDispute(ctx context.Context, dealRef, caller string) (*TxResult, error) {
	if s.disputeFn != nil {
		return s.disputeFn(ctx, dealRef, caller)
	}
	return &TxResult{TxHash: "0xdispute", Status: "confirmed"}, nil
}

func (s *stubContract) GetDeal(ctx context.Context, dealRef string) (*DealState, error) {
	if s.dealState == nil {
		return nil, settlement.ErrNotAuthorized
	}
	return s.dealState, nil
}

func (s *stubContract) Allowance(ctx context.Context, owner string) (string, error) {
	if s.allowance == "" {
		return "0", nil
	}
	return s.allowance, nil
}

func (s *stubContract) TxReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	if s.receipt == nil {
		return &TxReceipt{TxHash: txHash, Status: "pending"}, nil
	}
	return s.receipt, nil
}

func TestAuthorizeScalesAmountsToTokenUnits(t *testing.T) {
	stub := &stubContract{allowance: "150000000000000000000"}
	adapter := NewAdapter(stub, 18)
	auth, err := adapter.Authorize(context.Background(), settlement.AuthorizeRequest{
		DealID:          "deal-1",
		OwnerID:         ownerAddr,
		PaymentMethod:   renterAddr,
		Amount:          10_000,
		SecurityDeposit: 5_000,
		Currency:        "USD",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if auth.State != settlement.AuthorizationConfirmed {
		t.Fatalf("expected confirmed, got %s", auth.State)
	}
	// 10_000 cents scaled to 18 decimals.
	if stub.lastCreate.Amount != "100000000000000000000" {
		t.Fatalf("unexpected amount %s", stub.lastCreate.Amount)
	}
	if stub.lastCreate.SecurityDeposit != "50000000000000000000" {
		t.Fatalf("unexpected deposit %s", stub.lastCreate.SecurityDeposit)
	}
	if len(stub.lastCreate.Meta) != 66 || stub.lastCreate.Meta[:2] != "0x" {
		t.Fatalf("expected keccak client reference, got %q", stub.lastCreate.Meta)
	}
}

func TestAuthorizeClientRefIsDeterministic(t *testing.T) {
	stub := &stubContract{allowance: "150000000000000000000"}
	adapter := NewAdapter(stub, 18)
	req := settlement.AuthorizeRequest{
		DealID:          "deal-1",
		OwnerID:         ownerAddr,
		PaymentMethod:   renterAddr,
		Amount:          10_000,
		SecurityDeposit: 5_000,
	}
	if _, err := adapter.Authorize(context.Background(), req); err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	first := stub.lastCreate.Meta
	if _, err := adapter.Authorize(context.Background(), req); err != nil {
		t.Fatalf("second authorize: %v", err)
	}
	if stub.lastCreate.Meta != first {
		t.Fatalf("client reference changed between retries: %q vs %q", first, stub.lastCreate.Meta)
	}
}

func TestAuthorizeInsufficientAllowance(t *testing.T) {
	stub := &stubContract{allowance: "1"}
	adapter := NewAdapter(stub, 18)
	_, err := adapter.Authorize(context.Background(), settlement.AuthorizeRequest{
		DealID:        "deal-1",
		OwnerID:       ownerAddr,
		PaymentMethod: renterAddr,
		Amount:        10_000,
		Currency:      "USD",
	})
	if !errors.Is(err, settlement.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if stub.createCalls != 0 {
		t.Fatalf("createDeal should not be attempted without allowance")
	}
}

func TestAuthorizeRejectsBadAddress(t *testing.T) {
	adapter := NewAdapter(&stubContract{}, 18)
	_, err := adapter.Authorize(context.Background(), settlement.AuthorizeRequest{
		DealID:        "deal-1",
		OwnerID:       ownerAddr,
		PaymentMethod: "not-an-address",
		Amount:        100,
	})
	if err == nil {
		t.Fatal("expected address validation error")
	}
}

func TestCapturePendingWhenUnconfirmed(t *testing.T) {
	stub := &stubContract{
		completeFn: func(ctx context.Context, dealRef, caller string) (*TxResult, error) {
			return &TxResult{TxHash: "0xslow", Status: "submitted"}, nil
		},
	}
	adapter := NewAdapter(stub, 18)
	_, err := adapter.Capture(context.Background(), settlement.CaptureRequest{ExternalRef: "deal-0x01"})
	pending, ok := settlement.AsPending(err)
	if !ok {
		t.Fatalf("expected pending error, got %v", err)
	}
	if pending.TxHash != "0xslow" {
		t.Fatalf("pending error should carry tx hash, got %q", pending.TxHash)
	}
}

func TestCaptureBeforePickupRejected(t *testing.T) {
	stub := &stubContract{
		completeFn: func(ctx context.Context, dealRef, caller string) (*TxResult, error) {
			return nil, settlement.ErrPickupNotConfirmed
		},
	}
	adapter := NewAdapter(stub, 18)
	_, err := adapter.Capture(context.Background(), settlement.CaptureRequest{ExternalRef: "deal-0x01"})
	if !errors.Is(err, settlement.ErrPickupNotConfirmed) {
		t.Fatalf("expected ErrPickupNotConfirmed, got %v", err)
	}
}

func TestPartialRefundUnsupported(t *testing.T) {
	adapter := NewAdapter(&stubContract{}, 18)
	_, err := adapter.Refund(context.Background(), settlement.RefundRequest{ExternalRef: "deal-0x01", Amount: 500})
	if !errors.Is(err, settlement.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for partial refund, got %v", err)
	}
}

func TestFullRefundCancelsDeal(t *testing.T) {
	adapter := NewAdapter(&stubContract{}, 18)
	result, err := adapter.Refund(context.Background(), settlement.RefundRequest{ExternalRef: "deal-0x01"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.TxHash != "0xcancel" {
		t.Fatalf("unexpected tx hash %s", result.TxHash)
	}
}

func TestSnapshotMapsContractStatus(t *testing.T) {
	stub := &stubContract{dealState: &DealState{
		DealRef:         "deal-0x01",
		Status:          "PICKED_UP",
		Amount:          "100000000000000000000",
		SecurityDeposit: "0",
	}}
	adapter := NewAdapter(stub, 18)
	snap, err := adapter.Snapshot(context.Background(), "deal-0x01")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != ledger.StatePickupConfirmed {
		t.Fatalf("expected pickup confirmed, got %s", snap.Status)
	}
	if snap.Amount != 10_000 {
		t.Fatalf("amount should scale back to minor units, got %d", snap.Amount)
	}
}

func TestTxStatusMapping(t *testing.T) {
	stub := &stubContract{receipt: &TxReceipt{TxHash: "0xabc", Status: "confirmed", Confirmations: 12}}
	adapter := NewAdapter(stub, 18)
	status, err := adapter.TxStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("tx status: %v", err)
	}
	if status != settlement.TxConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
}
