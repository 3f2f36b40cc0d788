package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tolio/ledger"
	"tolio/settlement"
	"tolio/settlement/sim"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type capturedEvents struct {
	types []string
}

func (c *capturedEvents) DealEvent(eventType string, deal *ledger.Deal) {
	c.types = append(c.types, eventType)
}

func (c *capturedEvents) has(eventType string) bool {
	for _, t := range c.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// flakyAdapter wraps the sim rail and lets tests inject failures per
// operation.
type flakyAdapter struct {
	settlement.Adapter
	captureErr error
	cancelErr  error
}

func (f *flakyAdapter) Capture(ctx context.Context, req settlement.CaptureRequest) (*settlement.CaptureResult, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return f.Adapter.Capture(ctx, req)
}

func (f *flakyAdapter) Cancel(ctx context.Context, externalRef, idempotencyKey string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	return f.Adapter.Cancel(ctx, externalRef, idempotencyKey)
}

func newTestEngine(t *testing.T, adapters ...settlement.Adapter) (*Engine, *capturedEvents) {
	t.Helper()
	if len(adapters) == 0 {
		adapters = []settlement.Adapter{sim.New(ledger.RailCard), sim.New(ledger.RailChain)}
	}
	events := &capturedEvents{}
	engine, err := NewEngine(Config{
		Store:    ledger.NewStore(setupTestDB(t)),
		Adapters: adapters,
		Notifier: events,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, events
}

func initiateCard(t *testing.T, engine *Engine, amount, deposit int64) *ledger.Deal {
	t.Helper()
	result, err := engine.Initiate(context.Background(), InitiateRequest{
		BookingID:       uuid.NewString(),
		RenterID:        "renter-1",
		OwnerID:         "owner-1",
		Amount:          amount,
		SecurityDeposit: deposit,
		Currency:        "USD",
		Rail:            ledger.RailCard,
		PaymentMethod:   "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return result.Deal
}

func initiateChain(t *testing.T, engine *Engine, amount int64) *ledger.Deal {
	t.Helper()
	result, err := engine.Initiate(context.Background(), InitiateRequest{
		BookingID:     uuid.NewString(),
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		Amount:        amount,
		Currency:      "USD",
		Rail:          ledger.RailChain,
		PaymentMethod: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return result.Deal
}

func TestHappyPathCardRental(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if deal.Status != ledger.StateAwaitingCapture {
		t.Fatalf("expected AWAITING_CAPTURE, got %s", deal.Status)
	}
	if deal.ExternalRef == "" {
		t.Fatal("external reference should be recorded")
	}

	captured, err := engine.Capture(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if captured.Status != ledger.StateCaptured {
		t.Fatalf("expected CAPTURED, got %s", captured.Status)
	}
	// Default 5% commission on 10000 cents.
	if captured.MarketplaceFee != 500 || captured.OwnerAmount != 9_500 {
		t.Fatalf("unexpected split: owner=%d fee=%d", captured.OwnerAmount, captured.MarketplaceFee)
	}
	if captured.OwnerAmount+captured.MarketplaceFee != captured.Amount {
		t.Fatal("split must conserve the full amount")
	}
	if !events.has(EventDealCaptured) {
		t.Fatal("captured webhook event not emitted")
	}
}

func TestSplitConservesOddAmounts(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// 333 cents at 5% -> fee 17 (rounded half up), owner 316.
	deal := initiateCard(t, engine, 333, 0)
	captured, err := engine.Capture(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if captured.MarketplaceFee != 17 || captured.OwnerAmount != 316 {
		t.Fatalf("unexpected split: owner=%d fee=%d", captured.OwnerAmount, captured.MarketplaceFee)
	}
}

func TestCaptureIsOwnerOnly(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Capture(ctx, deal.ID, "renter-1", false); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	// The rejected attempt must not leave the deal claimed.
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture after rejected attempt: %v", err)
	}
}

func TestDoubleCaptureRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestChainRailEnforcesPickupBeforeCapture(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateChain(t, engine, 10_000)
	if deal.Status != ledger.StateAwaitingCapture {
		t.Fatalf("expected AWAITING_CAPTURE, got %s", deal.Status)
	}

	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected transition rejection before pickup, got %v", err)
	}

	// Only the renter confirms pickup.
	if _, err := engine.ConfirmPickup(ctx, deal.ID, "owner-1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	confirmed, err := engine.ConfirmPickup(ctx, deal.ID, "renter-1")
	if err != nil {
		t.Fatalf("confirm pickup: %v", err)
	}
	if confirmed.Status != ledger.StatePickupConfirmed {
		t.Fatalf("expected PICKUP_CONFIRMED, got %s", confirmed.Status)
	}
	if confirmed.PickupConfirmedAt == nil {
		t.Fatal("pickup timestamp should be recorded")
	}

	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture after pickup: %v", err)
	}
}

func TestPickupRejectedOnCardRail(t *testing.T) {
	engine, _ := newTestEngine(t)
	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.ConfirmPickup(context.Background(), deal.ID, "renter-1"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelBeforeCapture(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	cancelled, err := engine.Cancel(ctx, deal.ID, "renter-1", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != ledger.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if !events.has(EventDealCancelled) {
		t.Fatal("cancelled webhook event not emitted")
	}

	// Terminal states accept no further mutations.
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after cancel, got %v", err)
	}
}

func TestRefundBeforeCaptureDegradesToCancel(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	refunded, err := engine.Refund(ctx, deal.ID, 0, "owner-1", false)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != ledger.StateCancelled {
		t.Fatalf("pre-capture refund should cancel the hold, got %s", refunded.Status)
	}
}

func TestPartialThenFullRefund(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}

	partial, err := engine.Refund(ctx, deal.ID, 4_000, "owner-1", false)
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.Status != ledger.StateCaptured {
		t.Fatalf("partially refunded deal should remain CAPTURED, got %s", partial.Status)
	}
	if partial.RefundedAmount != 4_000 {
		t.Fatalf("expected refunded 4000, got %d", partial.RefundedAmount)
	}

	if _, err := engine.Refund(ctx, deal.ID, 7_000, "owner-1", false); !errors.Is(err, ErrRefundTooLarge) {
		t.Fatalf("expected ErrRefundTooLarge, got %v", err)
	}

	full, err := engine.Refund(ctx, deal.ID, 0, "owner-1", false)
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if full.Status != ledger.StateRefunded {
		t.Fatalf("expected REFUNDED, got %s", full.Status)
	}
	if full.RefundedAmount != 10_000 {
		t.Fatalf("expected refunded 10000, got %d", full.RefundedAmount)
	}
	if !events.has(EventDealRefunded) {
		t.Fatal("refunded webhook event not emitted")
	}
}

func TestDisputeFreezesAndResolveReleases(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	disputed, err := engine.Dispute(ctx, deal.ID, "renter-1")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != ledger.StateDisputed {
		t.Fatalf("expected DISPUTED, got %s", disputed.Status)
	}
	if !events.has(EventDealDisputed) {
		t.Fatal("disputed webhook event not emitted")
	}

	// Parties cannot move a disputed deal themselves.
	if _, err := engine.Cancel(ctx, deal.ID, "renter-1", false); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	resolved, err := engine.Resolve(ctx, deal.ID, ResolveRelease, "admin-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != ledger.StateCaptured {
		t.Fatalf("expected CAPTURED after release, got %s", resolved.Status)
	}
	if resolved.OwnerAmount+resolved.MarketplaceFee != resolved.Amount {
		t.Fatal("resolve release must apply the fee split")
	}
}

func TestResolveRefundReturnsFunds(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Dispute(ctx, deal.ID, "owner-1"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	resolved, err := engine.Resolve(ctx, deal.ID, ResolveRefund, "admin-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != ledger.StateCancelled {
		t.Fatalf("expected CANCELLED after refund resolution, got %s", resolved.Status)
	}
}

func TestDepositReleaseAfterCapture(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 5_000)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	released, err := engine.ReleaseDeposit(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("release deposit: %v", err)
	}
	if released.DepositReleasedAt == nil {
		t.Fatal("deposit release timestamp should be recorded")
	}
	if !events.has(EventDepositReleased) {
		t.Fatal("deposit release webhook event not emitted")
	}

	if _, err := engine.ReleaseDeposit(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrDepositAlreadyReleased) {
		t.Fatalf("expected ErrDepositAlreadyReleased, got %v", err)
	}
}

func TestDepositReleaseWithoutDeposit(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.ReleaseDeposit(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrNoDeposit) {
		t.Fatalf("expected ErrNoDeposit, got %v", err)
	}
}

// depositRecorder wraps a rail and records every deposit release that
// reaches it.
type depositRecorder struct {
	settlement.Adapter
	releases []int64
}

func (r *depositRecorder) ReleaseDeposit(ctx context.Context, req settlement.DepositReleaseRequest) (*settlement.RefundResult, error) {
	r.releases = append(r.releases, req.Amount)
	return r.Adapter.ReleaseDeposit(ctx, req)
}

func TestDepositReleaseAfterRefundMovesDeposit(t *testing.T) {
	recorder := &depositRecorder{Adapter: sim.New(ledger.RailCard)}
	engine, _ := newTestEngine(t, recorder)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 5_000)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.Refund(ctx, deal.ID, 0, "owner-1", false); err != nil {
		t.Fatalf("refund: %v", err)
	}

	released, err := engine.ReleaseDeposit(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("release deposit: %v", err)
	}
	if released.DepositReleasedAt == nil {
		t.Fatal("deposit release timestamp should be recorded")
	}
	// A refund returns only the captured rental amount; the deposit still
	// sits at the rail and must move through it.
	if len(recorder.releases) != 1 {
		t.Fatalf("expected one deposit release at the rail, got %d", len(recorder.releases))
	}
	if recorder.releases[0] != 5_000 {
		t.Fatalf("expected the full deposit of 5000 to move, got %d", recorder.releases[0])
	}
}

func TestDepositReleaseAfterCancelSkipsRail(t *testing.T) {
	recorder := &depositRecorder{Adapter: sim.New(ledger.RailCard)}
	engine, _ := newTestEngine(t, recorder)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 5_000)
	if _, err := engine.Cancel(ctx, deal.ID, "renter-1", false); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	released, err := engine.ReleaseDeposit(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("release deposit: %v", err)
	}
	if released.DepositReleasedAt == nil {
		t.Fatal("deposit release timestamp should be recorded")
	}
	// Voiding the hold already returned everything, deposit included.
	if len(recorder.releases) != 0 {
		t.Fatalf("cancelled deal must not touch the rail, got %d release calls", len(recorder.releases))
	}
}

// declineOnce rejects the first authorization and then behaves normally.
type declineOnce struct {
	settlement.Adapter
	declined bool
}

func (d *declineOnce) Authorize(ctx context.Context, req settlement.AuthorizeRequest) (*settlement.Authorization, error) {
	if !d.declined {
		d.declined = true
		return nil, fmt.Errorf("card declined: %w", settlement.ErrDeclined)
	}
	return d.Adapter.Authorize(ctx, req)
}

func TestInitiateRetryAfterDecline(t *testing.T) {
	engine, _ := newTestEngine(t, &declineOnce{Adapter: sim.New(ledger.RailCard)})
	ctx := context.Background()

	req := InitiateRequest{
		BookingID:     uuid.NewString(),
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		Amount:        10_000,
		Currency:      "USD",
		Rail:          ledger.RailCard,
		PaymentMethod: "pm_card_visa",
	}
	if _, err := engine.Initiate(ctx, req); !errors.Is(err, settlement.ErrDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	first, err := engine.Store().GetByBooking(ctx, req.BookingID)
	if err != nil {
		t.Fatalf("get by booking: %v", err)
	}
	if first.Status != ledger.StateInitiated {
		t.Fatalf("declined deal should stay INITIATED, got %s", first.Status)
	}

	// The retry must pick up the declined deal instead of tripping over the
	// booking's uniqueness.
	result, err := engine.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("retry after decline: %v", err)
	}
	if result.Deal.ID != first.ID {
		t.Fatal("retry should reuse the existing deal record")
	}
	if result.Deal.Status != ledger.StateAwaitingCapture {
		t.Fatalf("expected AWAITING_CAPTURE, got %s", result.Deal.Status)
	}
}

func TestInitiateDuplicateBookingRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	req := InitiateRequest{
		BookingID:     uuid.NewString(),
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		Amount:        10_000,
		Currency:      "USD",
		Rail:          ledger.RailCard,
		PaymentMethod: "pm_card_visa",
	}
	if _, err := engine.Initiate(ctx, req); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.Initiate(ctx, req); !errors.Is(err, ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking, got %v", err)
	}
}

func TestInitiateRetryWithDifferentTermsRejected(t *testing.T) {
	engine, _ := newTestEngine(t, &declineOnce{Adapter: sim.New(ledger.RailCard)})
	ctx := context.Background()

	req := InitiateRequest{
		BookingID:     uuid.NewString(),
		RenterID:      "renter-1",
		OwnerID:       "owner-1",
		Amount:        10_000,
		Currency:      "USD",
		Rail:          ledger.RailCard,
		PaymentMethod: "pm_card_visa",
	}
	if _, err := engine.Initiate(ctx, req); !errors.Is(err, settlement.ErrDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	req.Amount = 20_000
	if _, err := engine.Initiate(ctx, req); !errors.Is(err, ErrDuplicateBooking) {
		t.Fatalf("expected ErrDuplicateBooking on changed terms, got %v", err)
	}
}

func TestConcurrentCaptureSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection serialises the claim transactions the way a row lock
	// would on postgres.
	sqlDB.SetMaxOpenConns(1)
	engine, err := NewEngine(Config{
		Store:    ledger.NewStore(db),
		Adapters: []settlement.Adapter{sim.New(ledger.RailCard), sim.New(ledger.RailChain)},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	deal := initiateCard(t, engine, 10_000, 0)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Capture(ctx, deal.ID, "owner-1", false)
		}(i)
	}
	wg.Wait()

	var successes, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ledger.ErrOperationInFlight) || errors.Is(err, ledger.ErrInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected capture error: %v", err)
		}
	}
	if successes != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d rejections", successes, rejected)
	}

	stored, err := engine.Get(ctx, deal.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != ledger.StateCaptured {
		t.Fatalf("expected CAPTURED, got %s", stored.Status)
	}
	if stored.PendingOp != "" {
		t.Fatal("no claim should remain after the race settles")
	}
}

func TestRetryableFailureReleasesClaim(t *testing.T) {
	flaky := &flakyAdapter{Adapter: sim.New(ledger.RailCard)}
	engine, _ := newTestEngine(t, flaky)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	flaky.captureErr = settlement.Retryable(errors.New("processor outage"))
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); !settlement.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// The claim must be released so the retry can proceed.
	flaky.captureErr = nil
	captured, err := engine.Capture(ctx, deal.ID, "owner-1", false)
	if err != nil {
		t.Fatalf("retry capture: %v", err)
	}
	if captured.Status != ledger.StateCaptured {
		t.Fatalf("expected CAPTURED, got %s", captured.Status)
	}
}

func TestPendingFailureKeepsClaim(t *testing.T) {
	flaky := &flakyAdapter{Adapter: sim.New(ledger.RailChain)}
	engine, _ := newTestEngine(t, flaky)
	ctx := context.Background()

	deal := initiateChain(t, engine, 10_000)
	if _, err := engine.ConfirmPickup(ctx, deal.ID, "renter-1"); err != nil {
		t.Fatalf("confirm pickup: %v", err)
	}

	flaky.captureErr = &settlement.PendingError{TxHash: "0xslow"}
	_, err := engine.Capture(ctx, deal.ID, "owner-1", false)
	if _, ok := settlement.AsPending(err); !ok {
		t.Fatalf("expected pending error, got %v", err)
	}

	// The claim stays until reconciliation resolves the transaction.
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); !errors.Is(err, ledger.ErrOperationInFlight) {
		t.Fatalf("expected ErrOperationInFlight, got %v", err)
	}
	stored, err := engine.Get(ctx, deal.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PendingTxHash != "0xslow" {
		t.Fatalf("submitted tx hash not recorded, got %q", stored.PendingTxHash)
	}
}

func TestAuditTrailAppended(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	deal := initiateCard(t, engine, 10_000, 0)
	if _, err := engine.Capture(ctx, deal.ID, "owner-1", false); err != nil {
		t.Fatalf("capture: %v", err)
	}
	events, err := engine.Events(ctx, deal.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected authorization and capture audit entries, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != "deal.captured" {
		t.Fatalf("unexpected last audit entry %s", last.Type)
	}
	if last.Actor != "owner-1" {
		t.Fatalf("audit entry should record the actor, got %q", last.Actor)
	}
}
