package card

import (
	"context"
	"fmt"
	"strings"

	"tolio/ledger"
	"tolio/settlement"
)

// Adapter settles deals over the card processor rail. The processor holds the
// full amount on authorize (manual capture) and splits out the marketplace
// fee at capture time via a destination transfer.
type Adapter struct {
	client ProcessorClient
}

// NewAdapter wraps a processor client.
func NewAdapter(client ProcessorClient) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Rail() ledger.SettlementRail { return ledger.RailCard }

func (a *Adapter) Authorize(ctx context.Context, req settlement.AuthorizeRequest) (*settlement.Authorization, error) {
	intent, err := a.client.CreateIntent(ctx, &IntentRequest{
		Amount:        req.Amount + req.SecurityDeposit,
		Currency:      strings.ToLower(req.Currency),
		PaymentMethod: req.PaymentMethod,
		CaptureMethod: "manual",
		Destination:   req.OwnerID,
		Description:   req.ItemRef,
		Metadata: map[string]string{
			"deal_id":   req.DealID,
			"renter_id": req.RenterID,
		},
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	auth := &settlement.Authorization{
		ExternalRef:  intent.ID,
		ClientSecret: intent.ClientSecret,
		CheckoutURL:  intent.CheckoutURL,
		State:        settlement.AuthorizationConfirmed,
	}
	switch intent.Status {
	case "requires_capture":
		return auth, nil
	case "requires_action", "requires_confirmation":
		auth.State = settlement.AuthorizationPending
		return auth, fmt.Errorf("%w: intent %s", settlement.ErrAuthRequired, intent.ID)
	case "declined", "canceled":
		return nil, fmt.Errorf("%w: intent %s status %s", settlement.ErrDeclined, intent.ID, intent.Status)
	default:
		auth.State = settlement.AuthorizationPending
		return auth, nil
	}
}

// Capture charges only the rental amount. The deposit slice of the hold stays
// open at the processor until ReleaseDeposit returns it.
func (a *Adapter) Capture(ctx context.Context, req settlement.CaptureRequest) (*settlement.CaptureResult, error) {
	intent, err := a.client.CaptureIntent(ctx, req.ExternalRef, &CaptureIntentRequest{
		AmountToCapture: req.Split.Amount,
		ApplicationFee:  req.Split.MarketplaceFee,
		Destination:     req.OwnerAccount,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("card: capture of %s left intent in status %s", req.ExternalRef, intent.Status)
	}
	return &settlement.CaptureResult{TransferID: intent.TransferID}, nil
}

func (a *Adapter) Refund(ctx context.Context, req settlement.RefundRequest) (*settlement.RefundResult, error) {
	refund, err := a.client.CreateRefund(ctx, &RefundIntentRequest{
		IntentID: req.ExternalRef,
		Amount:   req.Amount,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &settlement.RefundResult{RefundID: refund.ID, Amount: refund.Amount}, nil
}

// ReleaseDeposit returns the deposit remainder of the hold as a refund
// against the intent.
func (a *Adapter) ReleaseDeposit(ctx context.Context, req settlement.DepositReleaseRequest) (*settlement.RefundResult, error) {
	refund, err := a.client.CreateRefund(ctx, &RefundIntentRequest{
		IntentID: req.ExternalRef,
		Amount:   req.Amount,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &settlement.RefundResult{RefundID: refund.ID, Amount: refund.Amount}, nil
}

func (a *Adapter) Cancel(ctx context.Context, externalRef, idempotencyKey string) error {
	_, err := a.client.CancelIntent(ctx, externalRef, idempotencyKey)
	return err
}

// ConfirmPickup is a chain-rail operation; on the card rail the hold simply
// stays open until capture.
func (a *Adapter) ConfirmPickup(ctx context.Context, req settlement.PickupRequest) (*settlement.Receipt, error) {
	return nil, settlement.ErrUnsupported
}

// Dispute has no processor-side representation; the orchestrator records the
// disputed state locally and the hold remains in place.
func (a *Adapter) Dispute(ctx context.Context, externalRef, idempotencyKey string) (*settlement.Receipt, error) {
	return nil, settlement.ErrUnsupported
}

func (a *Adapter) Snapshot(ctx context.Context, externalRef string) (*settlement.Snapshot, error) {
	intent, err := a.client.GetIntent(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	snap := &settlement.Snapshot{
		ExternalRef:    intent.ID,
		Amount:         intent.Amount,
		CapturedAmount: intent.AmountReceived,
		RefundedAmount: intent.AmountRefunded,
		TransferID:     intent.TransferID,
	}
	switch intent.Status {
	case "requires_capture":
		snap.Status = ledger.StateAwaitingCapture
	case "succeeded":
		snap.Status = ledger.StateCaptured
		if intent.AmountRefunded >= intent.AmountReceived && intent.AmountReceived > 0 {
			snap.Status = ledger.StateRefunded
		}
	case "canceled":
		snap.Status = ledger.StateCancelled
	default:
		snap.Status = ledger.StateInitiated
	}
	return snap, nil
}

// TxStatus is meaningless on the card rail; captures settle synchronously.
func (a *Adapter) TxStatus(ctx context.Context, txHash string) (settlement.TxStatus, error) {
	return "", settlement.ErrUnsupported
}
