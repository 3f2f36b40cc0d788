package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tolio/ledger"
	"tolio/settlement"
)

// minorUnitDecimals is the scale of ledger amounts (cents).
const minorUnitDecimals = 2

// Adapter settles deals against the rental escrow contract. The contract
// holds the escrowed amount from createDeal until markCompleted splits it
// between owner and marketplace, or cancelDeal returns it to the renter.
type Adapter struct {
	client ContractClient
	// decimals is the escrow token's precision; ledger amounts are minor
	// currency units and get scaled up on the way out.
	decimals int
}

// NewAdapter wraps a contract client. decimals must match the escrow token.
func NewAdapter(client ContractClient, decimals int) *Adapter {
	if decimals < minorUnitDecimals {
		decimals = minorUnitDecimals
	}
	return &Adapter{client: client, decimals: decimals}
}

func (a *Adapter) Rail() ledger.SettlementRail { return ledger.RailChain }

func (a *Adapter) Authorize(ctx context.Context, req settlement.AuthorizeRequest) (*settlement.Authorization, error) {
	renter := strings.TrimSpace(req.PaymentMethod)
	if !common.IsHexAddress(renter) {
		return nil, fmt.Errorf("chain: invalid renter address %q", renter)
	}
	if !common.IsHexAddress(req.OwnerID) {
		return nil, fmt.Errorf("chain: invalid owner address %q", req.OwnerID)
	}
	renterAddr := common.HexToAddress(renter).Hex()
	required := a.toTokenUnits(req.Amount + req.SecurityDeposit)

	allowance, err := a.client.Allowance(ctx, renterAddr)
	if err != nil {
		return nil, err
	}
	granted, ok := new(big.Int).SetString(allowance, 10)
	if !ok {
		return nil, fmt.Errorf("chain: malformed allowance %q for %s", allowance, renterAddr)
	}
	if granted.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", settlement.ErrInsufficientAllowance, granted, required)
	}

	owner := common.HexToAddress(req.OwnerID)
	// Deterministic client reference so a retried createDeal is recognised by
	// the contract instead of escrowing twice.
	clientRef := ethcrypto.Keccak256Hash([]byte(req.DealID), common.HexToAddress(renter).Bytes(), owner.Bytes())

	result, err := a.client.CreateDeal(ctx, DealCreateRequest{
		Renter:          renterAddr,
		Owner:           owner.Hex(),
		Amount:          a.toTokenUnits(req.Amount).String(),
		SecurityDeposit: a.toTokenUnits(req.SecurityDeposit).String(),
		ItemRef:         req.ItemRef,
		Meta:            clientRef.Hex(),
	})
	if err != nil {
		return nil, err
	}
	auth := &settlement.Authorization{
		ExternalRef: result.DealRef,
		TxHash:      result.TxHash,
		State:       settlement.AuthorizationConfirmed,
	}
	if result.Status != "confirmed" {
		auth.State = settlement.AuthorizationPending
	}
	return auth, nil
}

// Capture releases the escrow: the contract pays the owner's share and the
// marketplace fee according to the split it computed at creation.
func (a *Adapter) Capture(ctx context.Context, req settlement.CaptureRequest) (*settlement.CaptureResult, error) {
	result, err := a.client.MarkCompleted(ctx, req.ExternalRef, req.OwnerAccount)
	if err != nil {
		return nil, err
	}
	if result.Status != "confirmed" {
		return nil, &settlement.PendingError{TxHash: result.TxHash}
	}
	return &settlement.CaptureResult{TxHash: result.TxHash}, nil
}

// Refund maps to cancelDeal, which returns the full escrowed amount to the
// renter. The contract has no partial-refund primitive.
func (a *Adapter) Refund(ctx context.Context, req settlement.RefundRequest) (*settlement.RefundResult, error) {
	if req.Amount > 0 {
		return nil, fmt.Errorf("%w: partial refunds are not available on the chain rail", settlement.ErrUnsupported)
	}
	result, err := a.client.CancelDeal(ctx, req.ExternalRef, "")
	if err != nil {
		return nil, err
	}
	if result.Status != "confirmed" {
		return nil, &settlement.PendingError{TxHash: result.TxHash}
	}
	return &settlement.RefundResult{TxHash: result.TxHash}, nil
}

// ReleaseDeposit asks the contract to return the escrowed deposit to the
// renter. The contract keeps the deposit through completion; only this call
// or a cancellation moves it.
func (a *Adapter) ReleaseDeposit(ctx context.Context, req settlement.DepositReleaseRequest) (*settlement.RefundResult, error) {
	result, err := a.client.ReleaseDeposit(ctx, req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if result.Status != "confirmed" {
		return nil, &settlement.PendingError{TxHash: result.TxHash}
	}
	return &settlement.RefundResult{TxHash: result.TxHash, Amount: req.Amount}, nil
}

func (a *Adapter) Cancel(ctx context.Context, externalRef, idempotencyKey string) error {
	result, err := a.client.CancelDeal(ctx, externalRef, "")
	if err != nil {
		return err
	}
	if result.Status != "confirmed" {
		return &settlement.PendingError{TxHash: result.TxHash}
	}
	return nil
}

func (a *Adapter) ConfirmPickup(ctx context.Context, req settlement.PickupRequest) (*settlement.Receipt, error) {
	caller := strings.TrimSpace(req.RenterID)
	if common.IsHexAddress(caller) {
		caller = common.HexToAddress(caller).Hex()
	}
	result, err := a.client.ConfirmPickup(ctx, req.ExternalRef, caller)
	if err != nil {
		return nil, err
	}
	return &settlement.Receipt{TxHash: result.TxHash, Confirmed: result.Status == "confirmed"}, nil
}

func (a *Adapter) Dispute(ctx context.Context, externalRef, idempotencyKey string) (*settlement.Receipt, error) {
	result, err := a.client.OpenDispute(ctx, externalRef, "")
	if err != nil {
		return nil, err
	}
	return &settlement.Receipt{TxHash: result.TxHash, Confirmed: result.Status == "confirmed"}, nil
}

func (a *Adapter) Snapshot(ctx context.Context, externalRef string) (*settlement.Snapshot, error) {
	state, err := a.client.GetDeal(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	snap := &settlement.Snapshot{
		ExternalRef:     state.DealRef,
		Amount:          a.fromTokenUnits(state.Amount),
		SecurityDeposit: a.fromTokenUnits(state.SecurityDeposit),
		DepositReleased: state.DepositReleased,
	}
	switch strings.ToUpper(state.Status) {
	case "CREATED":
		snap.Status = ledger.StateAwaitingCapture
	case "PICKED_UP":
		snap.Status = ledger.StatePickupConfirmed
	case "COMPLETED":
		snap.Status = ledger.StateCaptured
		snap.CapturedAmount = snap.Amount
	case "CANCELLED":
		snap.Status = ledger.StateCancelled
		snap.RefundedAmount = snap.Amount
	case "DISPUTED":
		snap.Status = ledger.StateDisputed
	default:
		snap.Status = ledger.StateInitiated
	}
	return snap, nil
}

func (a *Adapter) TxStatus(ctx context.Context, txHash string) (settlement.TxStatus, error) {
	receipt, err := a.client.TxReceipt(ctx, txHash)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(receipt.Status) {
	case "confirmed", "success":
		return settlement.TxConfirmed, nil
	case "failed", "reverted":
		return settlement.TxFailed, nil
	default:
		return settlement.TxSubmitted, nil
	}
}

func (a *Adapter) toTokenUnits(minor int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.decimals-minorUnitDecimals)), nil)
	return new(big.Int).Mul(big.NewInt(minor), scale)
}

func (a *Adapter) fromTokenUnits(units string) int64 {
	value, ok := new(big.Int).SetString(strings.TrimSpace(units), 10)
	if !ok {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.decimals-minorUnitDecimals)), nil)
	return new(big.Int).Quo(value, scale).Int64()
}
