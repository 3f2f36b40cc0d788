// Package escrow orchestrates the deal lifecycle across the ledger and the
// settlement rails. It owns operation sequencing and idempotency; adapters
// own nothing but the external call.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tolio/ledger"
	"tolio/observability"
	"tolio/settlement"
)

var (
	// ErrNotAllowed indicates the acting party may not perform the operation
	// on this deal.
	ErrNotAllowed = errors.New("escrow: actor not permitted for this operation")
	// ErrUnknownRail indicates no adapter is registered for the deal's rail.
	ErrUnknownRail = errors.New("escrow: no adapter registered for rail")
	// ErrRefundTooLarge indicates the requested refund exceeds the
	// unrefunded captured amount.
	ErrRefundTooLarge = errors.New("escrow: refund exceeds remaining captured amount")
	// ErrDuplicateBooking indicates the booking already settled through a
	// deal that cannot be re-initiated.
	ErrDuplicateBooking = errors.New("escrow: booking already has an active deal")
)

// Webhook event types emitted on committed transitions.
const (
	EventDealCreated         = "deal.created"
	EventDealCaptured        = "deal.captured"
	EventDealCancelled       = "deal.cancelled"
	EventDealRefunded        = "deal.refunded"
	EventDealDisputed        = "deal.disputed"
	EventDealPickupConfirmed = "deal.pickup_confirmed"
	EventDepositReleased     = "deal.deposit_released"
)

// Notifier receives committed deal events for delivery to the booking
// service. Implementations must not block.
type Notifier interface {
	DealEvent(eventType string, deal *ledger.Deal)
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) DealEvent(string, *ledger.Deal) {}

// Engine sequences deal operations. All mutations follow the same shape:
// claim the deal in the ledger, call the rail adapter with a deterministic
// idempotency key, then commit or release the claim.
type Engine struct {
	store    *ledger.Store
	adapters map[ledger.SettlementRail]settlement.Adapter
	notifier Notifier
	log      *slog.Logger
	feeBps   uint32
}

// Config bundles the engine's collaborators.
type Config struct {
	Store         *ledger.Store
	Adapters      []settlement.Adapter
	Notifier      Notifier
	Logger        *slog.Logger
	DefaultFeeBps uint32
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("escrow: store is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("escrow: at least one settlement adapter is required")
	}
	adapters := make(map[ledger.SettlementRail]settlement.Adapter, len(cfg.Adapters))
	for _, adapter := range cfg.Adapters {
		adapters[adapter.Rail()] = adapter
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	feeBps := cfg.DefaultFeeBps
	if feeBps == 0 {
		feeBps = ledger.DefaultFeeBps
	}
	if feeBps > ledger.MaxFeeBps {
		return nil, fmt.Errorf("escrow: default fee bps out of range: %d", feeBps)
	}
	return &Engine{
		store:    cfg.Store,
		adapters: adapters,
		notifier: notifier,
		log:      logger,
		feeBps:   feeBps,
	}, nil
}

// InitiateRequest creates a deal and places the initial hold.
type InitiateRequest struct {
	BookingID       string
	RenterID        string
	OwnerID         string
	Amount          int64
	SecurityDeposit int64
	Currency        string
	FeeBps          uint32
	Rail            ledger.SettlementRail
	// PaymentMethod is the card instrument or renter wallet address.
	PaymentMethod string
	ItemRef       string
	Notes         string
}

// InitiateResult carries the persisted deal plus any payer-facing follow-up
// the rail requires to complete the authorization.
type InitiateResult struct {
	Deal           *ledger.Deal
	RequiresAction bool
	ClientSecret   string
	CheckoutURL    string
}

// Initiate creates the deal record and asks the rail to authorize the hold.
// The fee rate is pinned on the record at creation; later configuration
// changes never affect existing deals. A booking whose earlier authorization
// was declined keeps its INITIATED deal, and the next initiate re-authorizes
// that record instead of colliding with it.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	feeBps := req.FeeBps
	if feeBps == 0 {
		feeBps = e.feeBps
	}
	bookingID := strings.TrimSpace(req.BookingID)
	deal, err := e.store.GetByBooking(ctx, bookingID)
	switch {
	case err == nil:
		if deal.Status != ledger.StateInitiated {
			return nil, fmt.Errorf("%w: booking %s is %s", ErrDuplicateBooking, bookingID, deal.Status)
		}
		if deal.RenterID != strings.TrimSpace(req.RenterID) ||
			deal.Amount != req.Amount ||
			deal.SecurityDeposit != req.SecurityDeposit ||
			deal.Rail != req.Rail {
			return nil, fmt.Errorf("%w: booking %s re-initiated with different terms", ErrDuplicateBooking, bookingID)
		}
	case errors.Is(err, ledger.ErrDealNotFound):
		deal = &ledger.Deal{
			ID:              uuid.New(),
			BookingID:       bookingID,
			RenterID:        strings.TrimSpace(req.RenterID),
			OwnerID:         strings.TrimSpace(req.OwnerID),
			Amount:          req.Amount,
			SecurityDeposit: req.SecurityDeposit,
			Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
			FeeBps:          feeBps,
			Rail:            req.Rail,
			Status:          ledger.StateInitiated,
		}
		if err := e.store.Create(ctx, deal); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	adapter, err := e.adapter(deal.Rail)
	if err != nil {
		return nil, err
	}
	claimed, err := e.store.Claim(ctx, deal.ID, ledger.OpAuthorize)
	if err != nil {
		return nil, err
	}
	deal = claimed

	start := time.Now()
	auth, authErr := adapter.Authorize(ctx, settlement.AuthorizeRequest{
		DealID:          deal.ID.String(),
		RenterID:        deal.RenterID,
		OwnerID:         deal.OwnerID,
		Amount:          deal.Amount,
		SecurityDeposit: deal.SecurityDeposit,
		Currency:        deal.Currency,
		PaymentMethod:   req.PaymentMethod,
		ItemRef:         req.ItemRef,
		Notes:           req.Notes,
		IdempotencyKey:  authorizeKey(deal.ID, deal.AuthAttempts),
	})
	observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpAuthorize, outcomeLabel(authErr), time.Since(start))

	if authErr != nil && errors.Is(authErr, settlement.ErrAuthRequired) && auth != nil {
		// The hold is pending a payer challenge. Keep the deal INITIATED but
		// remember the external reference; the payer completes the challenge
		// and the controller retries.
		updated, err := e.store.Complete(ctx, deal.ID, ledger.OpAuthorize, ledger.Event{
			Type:    "authorization.pending",
			Actor:   deal.RenterID,
			Details: auth.ExternalRef,
		}, func(d *ledger.Deal) error {
			d.ExternalRef = auth.ExternalRef
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &InitiateResult{
			Deal:           updated,
			RequiresAction: true,
			ClientSecret:   auth.ClientSecret,
			CheckoutURL:    auth.CheckoutURL,
		}, nil
	}
	if authErr != nil {
		if resolveErr := e.resolveFailure(ctx, deal.ID, ledger.OpAuthorize, authErr); resolveErr != nil {
			return nil, resolveErr
		}
		return nil, authErr
	}

	updated, err := e.store.Complete(ctx, deal.ID, ledger.OpAuthorize, ledger.Event{
		Type:    "authorization.confirmed",
		Actor:   deal.RenterID,
		Details: auth.ExternalRef,
	}, func(d *ledger.Deal) error {
		d.ExternalRef = auth.ExternalRef
		if auth.State == settlement.AuthorizationConfirmed {
			d.Status = ledger.StateAwaitingCapture
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("deal initiated",
		slog.String("deal_id", updated.ID.String()),
		slog.String("rail", string(updated.Rail)),
		slog.Int64("amount", updated.Amount))
	e.notifier.DealEvent(EventDealCreated, updated)
	return &InitiateResult{Deal: updated}, nil
}

// ConfirmPickup records that the renter received the item. Chain rail only;
// unlocks the release path there.
func (e *Engine) ConfirmPickup(ctx context.Context, dealID uuid.UUID, actor string) (*ledger.Deal, error) {
	deal, err := e.store.Claim(ctx, dealID, ledger.OpConfirmPickup)
	if err != nil {
		return nil, err
	}
	if actor != deal.RenterID {
		e.releaseQuiet(ctx, dealID, ledger.OpConfirmPickup)
		return nil, fmt.Errorf("%w: only the renter confirms pickup", ErrNotAllowed)
	}
	adapter, err := e.claimedAdapter(ctx, deal, ledger.OpConfirmPickup)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	receipt, opErr := adapter.ConfirmPickup(ctx, settlement.PickupRequest{
		ExternalRef:    deal.ExternalRef,
		RenterID:       deal.RenterID,
		IdempotencyKey: idempotencyKey(deal.ID, ledger.OpConfirmPickup),
	})
	observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpConfirmPickup, outcomeLabel(opErr), time.Since(start))
	if opErr != nil {
		if resolveErr := e.resolveFailure(ctx, dealID, ledger.OpConfirmPickup, opErr); resolveErr != nil {
			return nil, resolveErr
		}
		return nil, opErr
	}
	if !receipt.Confirmed {
		if err := e.store.MarkSubmitted(ctx, dealID, ledger.OpConfirmPickup, receipt.TxHash); err != nil {
			return nil, err
		}
		return nil, &settlement.PendingError{TxHash: receipt.TxHash}
	}

	updated, err := e.store.Complete(ctx, dealID, ledger.OpConfirmPickup, ledger.Event{
		Type:    "pickup.confirmed",
		Actor:   actor,
		Details: receipt.TxHash,
	}, func(d *ledger.Deal) error {
		now := time.Now().UTC()
		d.Status = ledger.StatePickupConfirmed
		d.PickupConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.DealEvent(EventDealPickupConfirmed, updated)
	return updated, nil
}

// Capture charges the hold, splits the fee, and pays the owner. Owner or
// admin only; at most once per deal.
func (e *Engine) Capture(ctx context.Context, dealID uuid.UUID, actor string, admin bool) (*ledger.Deal, error) {
	deal, err := e.store.Claim(ctx, dealID, ledger.OpCapture)
	if err != nil {
		return nil, err
	}
	if !admin && actor != deal.OwnerID {
		e.releaseQuiet(ctx, dealID, ledger.OpCapture)
		return nil, fmt.Errorf("%w: only the owner or an admin captures", ErrNotAllowed)
	}
	return e.capture(ctx, deal, actor)
}

func (e *Engine) capture(ctx context.Context, deal *ledger.Deal, actor string) (*ledger.Deal, error) {
	adapter, err := e.claimedAdapter(ctx, deal, ledger.OpCapture)
	if err != nil {
		return nil, err
	}
	split, err := ledger.SplitFee(deal.Amount, deal.FeeBps)
	if err != nil {
		e.releaseQuiet(ctx, deal.ID, ledger.OpCapture)
		return nil, err
	}

	start := time.Now()
	result, opErr := adapter.Capture(ctx, settlement.CaptureRequest{
		ExternalRef:    deal.ExternalRef,
		Split:          split,
		Currency:       deal.Currency,
		OwnerAccount:   deal.OwnerID,
		IdempotencyKey: idempotencyKey(deal.ID, ledger.OpCapture),
	})
	observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpCapture, outcomeLabel(opErr), time.Since(start))
	if opErr != nil {
		if resolveErr := e.resolveFailure(ctx, deal.ID, ledger.OpCapture, opErr); resolveErr != nil {
			return nil, resolveErr
		}
		return nil, opErr
	}

	updated, err := e.store.Complete(ctx, deal.ID, ledger.OpCapture, ledger.Event{
		Type:    "deal.captured",
		Actor:   actor,
		Details: fmt.Sprintf("owner=%d fee=%d", split.OwnerAmount, split.MarketplaceFee),
	}, func(d *ledger.Deal) error {
		now := time.Now().UTC()
		d.Status = ledger.StateCaptured
		d.OwnerAmount = split.OwnerAmount
		d.MarketplaceFee = split.MarketplaceFee
		d.TransferID = result.TransferID
		d.CapturedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("deal captured",
		slog.String("deal_id", updated.ID.String()),
		slog.String("rail", string(updated.Rail)),
		slog.Int64("owner_amount", updated.OwnerAmount),
		slog.Int64("marketplace_fee", updated.MarketplaceFee))
	e.notifier.DealEvent(EventDealCaptured, updated)
	return updated, nil
}

// Cancel voids the hold and returns all funds to the renter. Either party or
// an admin may cancel before capture.
func (e *Engine) Cancel(ctx context.Context, dealID uuid.UUID, actor string, admin bool) (*ledger.Deal, error) {
	deal, err := e.store.Claim(ctx, dealID, ledger.OpCancel)
	if err != nil {
		return nil, err
	}
	if !admin && actor != deal.RenterID && actor != deal.OwnerID {
		e.releaseQuiet(ctx, dealID, ledger.OpCancel)
		return nil, fmt.Errorf("%w: only a deal party or an admin cancels", ErrNotAllowed)
	}
	return e.cancel(ctx, deal, actor, ledger.OpCancel)
}

// cancel voids the external hold and commits the CANCELLED state. op names
// the claim being resolved: a plain cancel, or a refund that degraded into
// one because nothing was captured yet.
func (e *Engine) cancel(ctx context.Context, deal *ledger.Deal, actor, op string) (*ledger.Deal, error) {
	// A deal that never reached the rail has nothing external to void.
	if deal.ExternalRef != "" {
		adapter, err := e.claimedAdapter(ctx, deal, op)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		opErr := adapter.Cancel(ctx, deal.ExternalRef, idempotencyKey(deal.ID, op))
		observability.SettlementMetrics().Observe(string(deal.Rail), op, outcomeLabel(opErr), time.Since(start))
		if opErr != nil {
			if resolveErr := e.resolveFailure(ctx, deal.ID, op, opErr); resolveErr != nil {
				return nil, resolveErr
			}
			return nil, opErr
		}
	}
	updated, err := e.store.Complete(ctx, deal.ID, op, ledger.Event{
		Type:  "deal.cancelled",
		Actor: actor,
	}, func(d *ledger.Deal) error {
		now := time.Now().UTC()
		d.Status = ledger.StateCancelled
		d.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.DealEvent(EventDealCancelled, updated)
	return updated, nil
}

// Refund returns captured funds to the renter. Amount zero means the full
// unrefunded remainder. Before capture the refund degrades to a hold
// cancellation. Owner or admin only.
func (e *Engine) Refund(ctx context.Context, dealID uuid.UUID, amount int64, actor string, admin bool) (*ledger.Deal, error) {
	if amount < 0 {
		return nil, fmt.Errorf("escrow: refund amount must be non-negative")
	}
	deal, err := e.store.Claim(ctx, dealID, ledger.OpRefund)
	if err != nil {
		return nil, err
	}
	if !admin && actor != deal.OwnerID {
		e.releaseQuiet(ctx, dealID, ledger.OpRefund)
		return nil, fmt.Errorf("%w: only the owner or an admin refunds", ErrNotAllowed)
	}

	if deal.Status != ledger.StateCaptured {
		// Funds were never charged; voiding the hold refunds everything.
		return e.cancel(ctx, deal, actor, ledger.OpRefund)
	}

	remaining := deal.Amount - deal.RefundedAmount
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		e.releaseQuiet(ctx, dealID, ledger.OpRefund)
		return nil, fmt.Errorf("%w: requested %d, remaining %d", ErrRefundTooLarge, amount, remaining)
	}

	adapter, err := e.claimedAdapter(ctx, deal, ledger.OpRefund)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, opErr := adapter.Refund(ctx, settlement.RefundRequest{
		ExternalRef:    deal.ExternalRef,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(deal.ID, ledger.OpRefund),
	})
	observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpRefund, outcomeLabel(opErr), time.Since(start))
	if opErr != nil {
		if resolveErr := e.resolveFailure(ctx, dealID, ledger.OpRefund, opErr); resolveErr != nil {
			return nil, resolveErr
		}
		return nil, opErr
	}

	refunded := result.Amount
	if refunded == 0 {
		refunded = amount
	}
	updated, err := e.store.Complete(ctx, dealID, ledger.OpRefund, ledger.Event{
		Type:    "deal.refunded",
		Actor:   actor,
		Details: fmt.Sprintf("amount=%d", refunded),
	}, func(d *ledger.Deal) error {
		d.RefundedAmount += refunded
		if d.RefundedAmount >= d.Amount {
			d.Status = ledger.StateRefunded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status == ledger.StateRefunded {
		e.notifier.DealEvent(EventDealRefunded, updated)
	}
	return updated, nil
}

// Dispute freezes the deal. Either party may raise it before capture.
func (e *Engine) Dispute(ctx context.Context, dealID uuid.UUID, actor string) (*ledger.Deal, error) {
	deal, err := e.store.Claim(ctx, dealID, ledger.OpDispute)
	if err != nil {
		return nil, err
	}
	if actor != deal.RenterID && actor != deal.OwnerID {
		e.releaseQuiet(ctx, dealID, ledger.OpDispute)
		return nil, fmt.Errorf("%w: only a deal party opens a dispute", ErrNotAllowed)
	}
	adapter, err := e.claimedAdapter(ctx, deal, ledger.OpDispute)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	receipt, opErr := adapter.Dispute(ctx, deal.ExternalRef, idempotencyKey(deal.ID, ledger.OpDispute))
	observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpDispute, outcomeLabel(opErr), time.Since(start))
	// The card rail has no dispute primitive; the frozen state lives only in
	// the ledger there.
	if opErr != nil && !errors.Is(opErr, settlement.ErrUnsupported) {
		if resolveErr := e.resolveFailure(ctx, dealID, ledger.OpDispute, opErr); resolveErr != nil {
			return nil, resolveErr
		}
		return nil, opErr
	}

	details := ""
	if receipt != nil {
		details = receipt.TxHash
	}
	updated, err := e.store.Complete(ctx, dealID, ledger.OpDispute, ledger.Event{
		Type:    "deal.disputed",
		Actor:   actor,
		Details: details,
	}, func(d *ledger.Deal) error {
		d.Status = ledger.StateDisputed
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.DealEvent(EventDealDisputed, updated)
	return updated, nil
}

// ResolveOutcome selects who receives the escrowed funds when a dispute is
// settled.
type ResolveOutcome string

const (
	// ResolveRelease pays the owner as if the rental completed normally.
	ResolveRelease ResolveOutcome = "release"
	// ResolveRefund returns everything to the renter.
	ResolveRefund ResolveOutcome = "refund"
)

// Resolve settles a disputed deal. Admin only, enforced at the gateway.
func (e *Engine) Resolve(ctx context.Context, dealID uuid.UUID, outcome ResolveOutcome, actor string) (*ledger.Deal, error) {
	switch outcome {
	case ResolveRelease:
		deal, err := e.store.Claim(ctx, dealID, ledger.OpCapture)
		if err != nil {
			return nil, err
		}
		if deal.Status != ledger.StateDisputed {
			e.releaseQuiet(ctx, dealID, ledger.OpCapture)
			return nil, fmt.Errorf("%w: resolve requires a disputed deal", ledger.ErrInvalidTransition)
		}
		return e.capture(ctx, deal, actor)
	case ResolveRefund:
		deal, err := e.store.Claim(ctx, dealID, ledger.OpRefund)
		if err != nil {
			return nil, err
		}
		if deal.Status != ledger.StateDisputed {
			e.releaseQuiet(ctx, dealID, ledger.OpRefund)
			return nil, fmt.Errorf("%w: resolve requires a disputed deal", ledger.ErrInvalidTransition)
		}
		return e.cancel(ctx, deal, actor, ledger.OpRefund)
	default:
		return nil, fmt.Errorf("escrow: unknown resolve outcome %q", outcome)
	}
}

// ReleaseDeposit returns the security deposit to the renter once the rental
// has settled. Owner or admin only.
func (e *Engine) ReleaseDeposit(ctx context.Context, dealID uuid.UUID, actor string, admin bool) (*ledger.Deal, error) {
	deal, err := e.store.Claim(ctx, dealID, ledger.OpReleaseDeposit)
	if err != nil {
		return nil, err
	}
	if !admin && actor != deal.OwnerID {
		e.releaseQuiet(ctx, dealID, ledger.OpReleaseDeposit)
		return nil, fmt.Errorf("%w: only the owner or an admin releases the deposit", ErrNotAllowed)
	}

	// Only a cancelled hold already went back in full, deposit included. A
	// captured or refunded deal still has the deposit at the rail: capture
	// moves only the rental amount and refunds are bounded by it.
	if deal.Status != ledger.StateCancelled {
		adapter, err := e.claimedAdapter(ctx, deal, ledger.OpReleaseDeposit)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		_, opErr := adapter.ReleaseDeposit(ctx, settlement.DepositReleaseRequest{
			ExternalRef:    deal.ExternalRef,
			Amount:         deal.SecurityDeposit,
			IdempotencyKey: idempotencyKey(deal.ID, ledger.OpReleaseDeposit),
		})
		observability.SettlementMetrics().Observe(string(deal.Rail), ledger.OpReleaseDeposit, outcomeLabel(opErr), time.Since(start))
		if opErr != nil {
			if resolveErr := e.resolveFailure(ctx, dealID, ledger.OpReleaseDeposit, opErr); resolveErr != nil {
				return nil, resolveErr
			}
			return nil, opErr
		}
	}

	updated, err := e.store.Complete(ctx, dealID, ledger.OpReleaseDeposit, ledger.Event{
		Type:    "deposit.released",
		Actor:   actor,
		Details: fmt.Sprintf("amount=%d", deal.SecurityDeposit),
	}, func(d *ledger.Deal) error {
		now := time.Now().UTC()
		d.DepositReleasedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.DealEvent(EventDepositReleased, updated)
	return updated, nil
}

// Get returns the current deal record.
func (e *Engine) Get(ctx context.Context, dealID uuid.UUID) (*ledger.Deal, error) {
	return e.store.Get(ctx, dealID)
}

// Events returns the audit trail for a deal.
func (e *Engine) Events(ctx context.Context, dealID uuid.UUID) ([]ledger.DealEvent, error) {
	return e.store.Events(ctx, dealID)
}

// Adapter exposes the registered adapter for a rail; used by the
// reconciliation poller.
func (e *Engine) Adapter(rail ledger.SettlementRail) (settlement.Adapter, error) {
	return e.adapter(rail)
}

// Store exposes the ledger store.
func (e *Engine) Store() *ledger.Store {
	return e.store
}

// Notify forwards a committed event to the configured notifier.
func (e *Engine) Notify(eventType string, deal *ledger.Deal) {
	e.notifier.DealEvent(eventType, deal)
}

func (e *Engine) adapter(rail ledger.SettlementRail) (settlement.Adapter, error) {
	adapter, ok := e.adapters[rail]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, rail)
	}
	return adapter, nil
}

// claimedAdapter resolves the adapter for an already-claimed deal, releasing
// the claim on failure so the deal is not left wedged.
func (e *Engine) claimedAdapter(ctx context.Context, deal *ledger.Deal, op string) (settlement.Adapter, error) {
	adapter, err := e.adapter(deal.Rail)
	if err != nil {
		e.releaseQuiet(ctx, deal.ID, op)
		return nil, err
	}
	return adapter, nil
}

// resolveFailure disposes of a claim after a failed adapter call. An unknown
// outcome keeps the claim and records the submitted transaction for the
// reconciliation poller; a definite failure releases it.
func (e *Engine) resolveFailure(ctx context.Context, dealID uuid.UUID, op string, opErr error) error {
	if pending, ok := settlement.AsPending(opErr); ok {
		if err := e.store.MarkSubmitted(ctx, dealID, op, pending.TxHash); err != nil {
			return err
		}
		e.log.Warn("operation awaiting confirmation",
			slog.String("deal_id", dealID.String()),
			slog.String("op", op),
			slog.String("tx_hash", pending.TxHash))
		return nil
	}
	if err := e.store.Release(ctx, dealID, op); err != nil {
		return err
	}
	return nil
}

func (e *Engine) releaseQuiet(ctx context.Context, dealID uuid.UUID, op string) {
	if err := e.store.Release(ctx, dealID, op); err != nil {
		e.log.Error("release claim failed",
			slog.String("deal_id", dealID.String()),
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
}

func idempotencyKey(dealID uuid.UUID, op string) string {
	return dealID.String() + ":" + op
}

// authorizeKey scopes the processor idempotency key to the authorization
// attempt, so a retry after a decline creates a fresh hold instead of
// replaying the declined one.
func authorizeKey(dealID uuid.UUID, attempt uint32) string {
	return fmt.Sprintf("%s:%s:%d", dealID, ledger.OpAuthorize, attempt)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if _, ok := settlement.AsPending(err); ok {
		return "pending"
	}
	if settlement.IsRetryable(err) {
		return "retryable"
	}
	return "failed"
}
