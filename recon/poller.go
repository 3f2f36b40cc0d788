// Package recon resolves deals parked on an unresolved claim: adapter calls
// that timed out, chain transactions still awaiting confirmation, or claims
// orphaned by a crash between the claim and the adapter call.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tolio/escrow"
	"tolio/ledger"
	"tolio/observability"
	"tolio/settlement"
)

const (
	defaultInterval   = 30 * time.Second
	defaultBatchSize  = 100
	defaultStaleAfter = 2 * time.Minute
)

// Poller periodically scans claimed deals and reconciles them against the
// adapter's view. It is the only component allowed to resolve a claim it did
// not take.
type Poller struct {
	engine     *escrow.Engine
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	log        *slog.Logger
}

// Option customises the poller.
type Option func(*Poller)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize bounds how many claims one scan processes.
func WithBatchSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithStaleAfter sets how old a claim without a submitted transaction must be
// before it is treated as orphaned.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// New builds a poller over the engine's store and adapters.
func New(engine *escrow.Engine, log *slog.Logger, opts ...Option) *Poller {
	if log == nil {
		log = slog.Default()
	}
	p := &Poller{
		engine:     engine,
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		staleAfter: defaultStaleAfter,
		log:        log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run scans until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ScanOnce(ctx); err != nil {
				p.log.Error("reconciliation scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ScanOnce processes one batch of claimed deals.
func (p *Poller) ScanOnce(ctx context.Context) error {
	observability.ReconMetrics().RecordScan()
	deals, err := p.engine.Store().ListClaimed(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("recon: list claimed deals: %w", err)
	}
	pending := 0
	for i := range deals {
		if deals[i].PendingTxHash != "" {
			pending++
		}
	}
	observability.SettlementMetrics().SetPending(pending)

	for i := range deals {
		deal := deals[i]
		if err := p.resolve(ctx, &deal); err != nil {
			p.log.Error("resolve claim failed",
				slog.String("deal_id", deal.ID.String()),
				slog.String("op", deal.PendingOp),
				slog.String("error", err.Error()))
		}
	}

	authorizing, err := p.engine.Store().ListAuthorizing(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("recon: list authorizing deals: %w", err)
	}
	for i := range authorizing {
		deal := authorizing[i]
		if err := p.resolveAuthorization(ctx, &deal); err != nil {
			p.log.Error("resolve pending authorization failed",
				slog.String("deal_id", deal.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// resolveAuthorization advances a deal whose payer finished an authentication
// challenge after the original authorize call returned pending.
func (p *Poller) resolveAuthorization(ctx context.Context, deal *ledger.Deal) error {
	adapter, err := p.engine.Adapter(deal.Rail)
	if err != nil {
		return err
	}
	snap, err := adapter.Snapshot(ctx, deal.ExternalRef)
	if err != nil {
		return fmt.Errorf("recon: snapshot %s: %w", deal.ExternalRef, err)
	}
	switch snap.Status {
	case ledger.StateAwaitingCapture:
		if _, err := p.engine.Store().Claim(ctx, deal.ID, ledger.OpAuthorize); err != nil {
			return err
		}
		updated, err := p.engine.Store().Complete(ctx, deal.ID, ledger.OpAuthorize, ledger.Event{
			Type:    "authorization.confirmed",
			Actor:   "recon",
			Details: deal.ExternalRef,
		}, func(d *ledger.Deal) error {
			d.Status = ledger.StateAwaitingCapture
			return nil
		})
		if err != nil {
			return err
		}
		observability.ReconMetrics().RecordResolution("committed")
		p.engine.Notify(escrow.EventDealCreated, updated)
		return nil
	case ledger.StateCancelled:
		// The hold lapsed or the payer abandoned the challenge.
		if _, err := p.engine.Store().Claim(ctx, deal.ID, ledger.OpCancel); err != nil {
			return err
		}
		updated, err := p.engine.Store().Complete(ctx, deal.ID, ledger.OpCancel, ledger.Event{
			Type:    "deal.cancelled",
			Actor:   "recon",
			Details: deal.ExternalRef,
		}, func(d *ledger.Deal) error {
			now := time.Now().UTC()
			d.Status = ledger.StateCancelled
			d.CancelledAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		observability.ReconMetrics().RecordResolution("committed")
		p.engine.Notify(escrow.EventDealCancelled, updated)
		return nil
	default:
		observability.ReconMetrics().RecordResolution("deferred")
		return nil
	}
}

func (p *Poller) resolve(ctx context.Context, deal *ledger.Deal) error {
	adapter, err := p.engine.Adapter(deal.Rail)
	if err != nil {
		return err
	}

	if deal.PendingTxHash != "" {
		status, err := adapter.TxStatus(ctx, deal.PendingTxHash)
		if err != nil {
			return err
		}
		switch status {
		case settlement.TxFailed:
			// The transaction reverted; the operation definitively did not
			// happen and may be retried by the caller.
			observability.ReconMetrics().RecordResolution("released")
			p.log.Warn("submitted transaction failed, releasing claim",
				slog.String("deal_id", deal.ID.String()),
				slog.String("tx_hash", deal.PendingTxHash))
			return p.engine.Store().Release(ctx, deal.ID, deal.PendingOp)
		case settlement.TxSubmitted:
			observability.ReconMetrics().RecordResolution("deferred")
			return nil
		case settlement.TxConfirmed:
			return p.commit(ctx, deal, adapter)
		default:
			return fmt.Errorf("recon: unknown tx status %q", status)
		}
	}

	// No submitted transaction: the process likely died between claiming and
	// calling the adapter. Give the original caller time before interfering.
	if time.Since(deal.UpdatedAt) < p.staleAfter {
		observability.ReconMetrics().RecordResolution("deferred")
		return nil
	}
	if deal.ExternalRef == "" {
		// Nothing ever reached the rail; the claim is pure local residue.
		observability.ReconMetrics().RecordResolution("released")
		return p.engine.Store().Release(ctx, deal.ID, deal.PendingOp)
	}
	return p.commit(ctx, deal, adapter)
}

// commit reconciles the deal record against the adapter's snapshot. When the
// adapter shows no progress, the claim is released; when it shows the
// operation landed, the outcome is committed as if the original call had
// returned.
func (p *Poller) commit(ctx context.Context, deal *ledger.Deal, adapter settlement.Adapter) error {
	snap, err := adapter.Snapshot(ctx, deal.ExternalRef)
	if err != nil {
		return fmt.Errorf("recon: snapshot %s: %w", deal.ExternalRef, err)
	}
	if deal.PendingOp == ledger.OpReleaseDeposit {
		return p.commitDepositRelease(ctx, deal, snap)
	}
	if snap.Status == deal.Status && snap.RefundedAmount == deal.RefundedAmount {
		observability.ReconMetrics().RecordResolution("released")
		return p.engine.Store().Release(ctx, deal.ID, deal.PendingOp)
	}

	op := deal.PendingOp
	updated, err := p.engine.Store().Complete(ctx, deal.ID, op, ledger.Event{
		Type:    "recon.resolved",
		Actor:   "recon",
		Details: fmt.Sprintf("op=%s status=%s", op, snap.Status),
	}, func(d *ledger.Deal) error {
		return applySnapshot(d, snap)
	})
	if err != nil {
		return err
	}
	observability.ReconMetrics().RecordResolution("committed")
	p.log.Info("claim reconciled",
		slog.String("deal_id", updated.ID.String()),
		slog.String("op", op),
		slog.String("status", string(updated.Status)))
	p.notify(op, updated)
	return nil
}

// commitDepositRelease settles a stale deposit-release claim. Deposit return
// does not change the deal's business status, so the generic status
// comparison cannot see it; the snapshot's deposit flag decides instead.
func (p *Poller) commitDepositRelease(ctx context.Context, deal *ledger.Deal, snap *settlement.Snapshot) error {
	if !snap.DepositReleased {
		observability.ReconMetrics().RecordResolution("released")
		return p.engine.Store().Release(ctx, deal.ID, ledger.OpReleaseDeposit)
	}
	updated, err := p.engine.Store().Complete(ctx, deal.ID, ledger.OpReleaseDeposit, ledger.Event{
		Type:    "recon.resolved",
		Actor:   "recon",
		Details: fmt.Sprintf("op=%s amount=%d", ledger.OpReleaseDeposit, deal.SecurityDeposit),
	}, func(d *ledger.Deal) error {
		now := time.Now().UTC()
		d.DepositReleasedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	observability.ReconMetrics().RecordResolution("committed")
	p.engine.Notify(escrow.EventDepositReleased, updated)
	return nil
}

func applySnapshot(d *ledger.Deal, snap *settlement.Snapshot) error {
	now := time.Now().UTC()
	switch snap.Status {
	case ledger.StateAwaitingCapture:
		d.Status = ledger.StateAwaitingCapture
	case ledger.StatePickupConfirmed:
		d.Status = ledger.StatePickupConfirmed
		if d.PickupConfirmedAt == nil {
			d.PickupConfirmedAt = &now
		}
	case ledger.StateCaptured:
		split, err := ledger.SplitFee(d.Amount, d.FeeBps)
		if err != nil {
			return err
		}
		d.Status = ledger.StateCaptured
		d.OwnerAmount = split.OwnerAmount
		d.MarketplaceFee = split.MarketplaceFee
		if snap.TransferID != "" {
			d.TransferID = snap.TransferID
		}
		if d.CapturedAt == nil {
			d.CapturedAt = &now
		}
	case ledger.StateCancelled:
		d.Status = ledger.StateCancelled
		if d.CancelledAt == nil {
			d.CancelledAt = &now
		}
	case ledger.StateRefunded:
		d.Status = ledger.StateRefunded
		if snap.RefundedAmount > d.RefundedAmount {
			// The rail's refund total may include a returned deposit; the
			// rental ledger never exceeds the captured amount.
			d.RefundedAmount = snap.RefundedAmount
			if d.RefundedAmount > d.Amount {
				d.RefundedAmount = d.Amount
			}
		}
	case ledger.StateDisputed:
		d.Status = ledger.StateDisputed
	default:
		return fmt.Errorf("recon: snapshot status %q cannot be applied", snap.Status)
	}
	return nil
}

func (p *Poller) notify(op string, deal *ledger.Deal) {
	switch deal.Status {
	case ledger.StateCaptured:
		p.engine.Notify(escrow.EventDealCaptured, deal)
	case ledger.StateCancelled:
		p.engine.Notify(escrow.EventDealCancelled, deal)
	case ledger.StateRefunded:
		p.engine.Notify(escrow.EventDealRefunded, deal)
	case ledger.StateDisputed:
		p.engine.Notify(escrow.EventDealDisputed, deal)
	case ledger.StatePickupConfirmed:
		p.engine.Notify(escrow.EventDealPickupConfirmed, deal)
	}
}
