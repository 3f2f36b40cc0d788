// Package settlement defines the capability interface both settlement rails
// implement. Adapters are stateless with respect to the deal record: the
// ledger is authoritative for business state, the adapter's backend is
// authoritative only for the external transaction it wraps.
package settlement

import (
	"context"

	"tolio/ledger"
)

// AuthorizeRequest asks the rail to place a hold (card) or create an escrow
// deal (chain) without moving settled funds.
type AuthorizeRequest struct {
	DealID          string
	RenterID        string
	OwnerID         string
	Amount          int64
	SecurityDeposit int64
	Currency        string
	// PaymentMethod is the payer's instrument reference on the card rail and
	// the renter's wallet address on the chain rail.
	PaymentMethod  string
	ItemRef        string
	Notes          string
	IdempotencyKey string
}

// AuthorizationState distinguishes confirmed holds from ones still pending an
// external step.
type AuthorizationState string

const (
	AuthorizationConfirmed AuthorizationState = "confirmed"
	AuthorizationPending   AuthorizationState = "pending"
)

// Authorization is the normalized result of a successful authorize call.
type Authorization struct {
	ExternalRef string
	State       AuthorizationState
	// ClientSecret lets the payer complete a card challenge; CheckoutURL
	// points at a hosted payment page when the rail provides one.
	ClientSecret string
	CheckoutURL  string
	TxHash       string
}

// CaptureRequest charges a confirmed hold and distributes the fee split.
type CaptureRequest struct {
	ExternalRef    string
	Split          ledger.FeeSplit
	Currency       string
	OwnerAccount   string
	IdempotencyKey string
}

// CaptureResult reports the transfer created for the owner's share.
type CaptureResult struct {
	TransferID string
	TxHash     string
}

// RefundRequest returns captured funds. Amount zero means a full refund.
type RefundRequest struct {
	ExternalRef    string
	Amount         int64
	IdempotencyKey string
}

// DepositReleaseRequest returns the held security deposit to the renter. The
// deposit is never part of a capture, so it stays at the rail until this call.
type DepositReleaseRequest struct {
	ExternalRef    string
	Amount         int64
	IdempotencyKey string
}

// RefundResult identifies the refund on the provider side.
type RefundResult struct {
	RefundID string
	Amount   int64
	TxHash   string
}

// PickupRequest records delivery confirmation on the chain rail.
type PickupRequest struct {
	ExternalRef    string
	RenterID       string
	IdempotencyKey string
}

// Receipt reports a state-changing chain call that may still be awaiting
// confirmation.
type Receipt struct {
	TxHash    string
	Confirmed bool
}

// TxStatus is the confirmation sub-state of a submitted transaction, tracked
// independently of the deal's business state.
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Snapshot is the adapter-side view of a deal, used for reconciliation and
// status display. It must tolerate eventual consistency on the chain rail.
type Snapshot struct {
	ExternalRef     string
	Status          ledger.DealStatus
	Amount          int64
	SecurityDeposit int64
	CapturedAmount  int64
	RefundedAmount  int64
	// DepositReleased reports whether the deposit already went back to the
	// renter, on rails that track it.
	DepositReleased bool
	TransferID      string
}

// Adapter is the capability interface shared by the card, chain, and
// simulated rails. Every mutating call carries an idempotency key derived
// from (deal, operation) so retries after a timeout cannot double-move funds.
type Adapter interface {
	Rail() ledger.SettlementRail
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	ReleaseDeposit(ctx context.Context, req DepositReleaseRequest) (*RefundResult, error)
	Cancel(ctx context.Context, externalRef, idempotencyKey string) error
	// ConfirmPickup and Dispute return ErrUnsupported on rails without the
	// corresponding primitive.
	ConfirmPickup(ctx context.Context, req PickupRequest) (*Receipt, error)
	Dispute(ctx context.Context, externalRef, idempotencyKey string) (*Receipt, error)
	Snapshot(ctx context.Context, externalRef string) (*Snapshot, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)
}
