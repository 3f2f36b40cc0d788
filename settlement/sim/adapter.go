// Package sim provides an in-memory settlement rail for development and
// tests. Authorizations confirm immediately and balances only exist in
// process memory.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"tolio/ledger"
	"tolio/settlement"
)

type holding struct {
	amount          int64
	deposit         int64
	captured        int64
	refunded        int64
	status          ledger.DealStatus
	pickedUp        bool
	depositReleased bool
	transfer        string
	idemSeen        map[string]struct{}
}

// Adapter is a simulated rail. It honors the same idempotency-key contract as
// the real rails so orchestrator retry paths behave identically in dev mode.
type Adapter struct {
	rail ledger.SettlementRail

	mu       sync.Mutex
	holdings map[string]*holding
}

// New returns a simulated adapter reporting itself as rail.
func New(rail ledger.SettlementRail) *Adapter {
	return &Adapter{rail: rail, holdings: make(map[string]*holding)}
}

func (a *Adapter) Rail() ledger.SettlementRail { return a.rail }

func (a *Adapter) Authorize(ctx context.Context, req settlement.AuthorizeRequest) (*settlement.Authorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref := "sim_" + randomHex(12)
	a.holdings[ref] = &holding{
		amount:   req.Amount,
		deposit:  req.SecurityDeposit,
		status:   ledger.StateAwaitingCapture,
		idemSeen: map[string]struct{}{req.IdempotencyKey: {}},
	}
	return &settlement.Authorization{
		ExternalRef: ref,
		State:       settlement.AuthorizationConfirmed,
		TxHash:      "0x" + randomHex(32),
	}, nil
}

func (a *Adapter) Capture(ctx context.Context, req settlement.CaptureRequest) (*settlement.CaptureResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if h.status == ledger.StateCaptured {
		if _, seen := h.idemSeen[req.IdempotencyKey]; seen {
			return &settlement.CaptureResult{TransferID: h.transfer}, nil
		}
		return nil, settlement.ErrAlreadyCaptured
	}
	if h.status != ledger.StateAwaitingCapture && h.status != ledger.StatePickupConfirmed && h.status != ledger.StateDisputed {
		return nil, settlement.ErrNotAuthorized
	}
	if a.rail == ledger.RailChain && !h.pickedUp && h.status != ledger.StateDisputed {
		return nil, settlement.ErrPickupNotConfirmed
	}
	h.status = ledger.StateCaptured
	h.captured = h.amount
	h.transfer = "simtr_" + randomHex(8)
	h.idemSeen[req.IdempotencyKey] = struct{}{}
	return &settlement.CaptureResult{TransferID: h.transfer, TxHash: "0x" + randomHex(32)}, nil
}

func (a *Adapter) Refund(ctx context.Context, req settlement.RefundRequest) (*settlement.RefundResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(req.ExternalRef)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = h.captured - h.refunded
	}
	if h.refunded+amount > h.captured {
		return nil, settlement.ErrRefundExceedsCaptured
	}
	h.refunded += amount
	if h.refunded == h.captured {
		h.status = ledger.StateRefunded
	}
	return &settlement.RefundResult{RefundID: "simre_" + randomHex(8), Amount: amount}, nil
}

func (a *Adapter) ReleaseDeposit(ctx context.Context, req settlement.DepositReleaseRequest) (*settlement.RefundResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if h.deposit <= 0 {
		return nil, fmt.Errorf("sim: no deposit held for %s", req.ExternalRef)
	}
	if h.depositReleased {
		if _, seen := h.idemSeen[req.IdempotencyKey]; seen {
			return &settlement.RefundResult{RefundID: "simdp_replay", Amount: h.deposit}, nil
		}
		return nil, fmt.Errorf("sim: deposit already released for %s", req.ExternalRef)
	}
	h.depositReleased = true
	h.idemSeen[req.IdempotencyKey] = struct{}{}
	return &settlement.RefundResult{RefundID: "simdp_" + randomHex(8), Amount: h.deposit}, nil
}

func (a *Adapter) Cancel(ctx context.Context, externalRef, idempotencyKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(externalRef)
	if err != nil {
		return err
	}
	if h.status == ledger.StateCaptured {
		return settlement.ErrAlreadyCaptured
	}
	h.status = ledger.StateCancelled
	// Voiding the hold returns everything, deposit included.
	h.depositReleased = h.deposit > 0
	return nil
}

func (a *Adapter) ConfirmPickup(ctx context.Context, req settlement.PickupRequest) (*settlement.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(req.ExternalRef)
	if err != nil {
		return nil, err
	}
	if h.pickedUp {
		return nil, settlement.ErrAlreadyPickedUp
	}
	h.pickedUp = true
	h.status = ledger.StatePickupConfirmed
	return &settlement.Receipt{TxHash: "0x" + randomHex(32), Confirmed: true}, nil
}

func (a *Adapter) Dispute(ctx context.Context, externalRef, idempotencyKey string) (*settlement.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(externalRef)
	if err != nil {
		return nil, err
	}
	h.status = ledger.StateDisputed
	return &settlement.Receipt{TxHash: "0x" + randomHex(32), Confirmed: true}, nil
}

func (a *Adapter) Snapshot(ctx context.Context, externalRef string) (*settlement.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.holding(externalRef)
	if err != nil {
		return nil, err
	}
	return &settlement.Snapshot{
		ExternalRef:     externalRef,
		Status:          h.status,
		Amount:          h.amount,
		SecurityDeposit: h.deposit,
		CapturedAmount:  h.captured,
		RefundedAmount:  h.refunded,
		DepositReleased: h.depositReleased,
		TransferID:      h.transfer,
	}, nil
}

// TxStatus always confirms: simulated transactions never stay pending.
func (a *Adapter) TxStatus(ctx context.Context, txHash string) (settlement.TxStatus, error) {
	return settlement.TxConfirmed, nil
}

func (a *Adapter) holding(ref string) (*holding, error) {
	h, ok := a.holdings[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown reference %s", settlement.ErrNotAuthorized, ref)
	}
	return h, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
