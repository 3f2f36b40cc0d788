package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDealNotFound indicates the supplied deal identifier is unknown.
	ErrDealNotFound = errors.New("ledger: deal not found")
	// ErrOperationInFlight is returned when a mutating operation is requested
	// while another claim on the same deal has not yet been resolved.
	ErrOperationInFlight = errors.New("ledger: another operation is in flight for this deal")
	// ErrNoDeposit indicates a deposit release was requested for a deal that
	// holds no security deposit.
	ErrNoDeposit = errors.New("ledger: deal holds no security deposit")
	// ErrDepositAlreadyReleased indicates the deposit was released before.
	ErrDepositAlreadyReleased = errors.New("ledger: security deposit already released")
)

// Event describes an audit entry appended alongside a committed operation.
type Event struct {
	Type    string
	Actor   string
	Details string
}

// Store owns all writes to the deal record. The orchestrator is its only
// caller for mutating operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps the provided database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNowFunc overrides the time source; intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Create persists a new deal after validating its immutable fields.
func (s *Store) Create(ctx context.Context, deal *Deal) error {
	if deal == nil {
		return fmt.Errorf("ledger: nil deal")
	}
	if deal.Amount <= 0 {
		return fmt.Errorf("ledger: amount must be positive")
	}
	if deal.SecurityDeposit < 0 {
		return fmt.Errorf("ledger: security deposit must be non-negative")
	}
	if deal.RenterID == "" || deal.OwnerID == "" {
		return fmt.Errorf("ledger: renter and owner are required")
	}
	if deal.RenterID == deal.OwnerID {
		return fmt.Errorf("ledger: renter and owner must be distinct")
	}
	if !deal.Rail.Valid() {
		return fmt.Errorf("ledger: unsupported settlement rail: %s", deal.Rail)
	}
	if deal.FeeBps > MaxFeeBps {
		return fmt.Errorf("ledger: fee bps out of range: %d", deal.FeeBps)
	}
	if deal.ID == uuid.Nil {
		deal.ID = uuid.New()
	}
	if deal.Status == "" {
		deal.Status = StateInitiated
	}
	return s.db.WithContext(ctx).Create(deal).Error
}

// Get fetches a deal by identifier.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Deal, error) {
	var deal Deal
	if err := s.db.WithContext(ctx).First(&deal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// GetByBooking fetches the deal associated with a booking reference.
func (s *Store) GetByBooking(ctx context.Context, bookingID string) (*Deal, error) {
	var deal Deal
	if err := s.db.WithContext(ctx).First(&deal, "booking_id = ?", bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// Claim marks the deal as having a mutating operation in flight, after
// validating that the operation is legal from the current status. The claim is
// taken inside a row-locked transaction so two concurrent mutators cannot both
// proceed to the adapter call.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, op string) (*Deal, error) {
	var claimed Deal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deal Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&deal, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDealNotFound
			}
			return err
		}
		if deal.PendingOp != "" {
			return fmt.Errorf("%w: %s", ErrOperationInFlight, deal.PendingOp)
		}
		if err := validateClaim(&deal, op); err != nil {
			return err
		}
		deal.PendingOp = op
		if op == OpAuthorize {
			deal.AuthAttempts++
		}
		deal.UpdatedAt = s.now().UTC()
		if err := tx.Save(&deal).Error; err != nil {
			return err
		}
		claimed = deal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func validateClaim(deal *Deal, op string) error {
	switch op {
	case OpAuthorize:
		if deal.Status != StateInitiated {
			return fmt.Errorf("%w: authorize from %s", ErrInvalidTransition, deal.Status)
		}
		return nil
	case OpConfirmPickup:
		return ValidateTransition(deal, StatePickupConfirmed)
	case OpCapture:
		return ValidateTransition(deal, StateCaptured)
	case OpCancel:
		return ValidateTransition(deal, StateCancelled)
	case OpDispute:
		return ValidateTransition(deal, StateDisputed)
	case OpRefund:
		// Pre-capture refunds degrade to a hold cancellation; post-capture
		// refunds keep the deal captured until fully refunded.
		if deal.Status == StateCaptured {
			return nil
		}
		return ValidateTransition(deal, StateCancelled)
	case OpReleaseDeposit:
		if deal.SecurityDeposit <= 0 {
			return ErrNoDeposit
		}
		if deal.DepositReleasedAt != nil {
			return ErrDepositAlreadyReleased
		}
		switch deal.Status {
		case StateCaptured, StateRefunded, StateCancelled:
			return nil
		default:
			return fmt.Errorf("%w: deposit release from %s", ErrInvalidTransition, deal.Status)
		}
	default:
		return fmt.Errorf("ledger: unknown operation %q", op)
	}
}

// Complete commits the outcome of a claimed operation: the apply callback
// mutates the locked row, the claim markers are cleared, and an audit event is
// appended, all in one transaction.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, op string, evt Event, apply func(*Deal) error) (*Deal, error) {
	var updated Deal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deal Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&deal, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDealNotFound
			}
			return err
		}
		if deal.PendingOp != op {
			return fmt.Errorf("ledger: completing %q but claim is %q", op, deal.PendingOp)
		}
		if apply != nil {
			if err := apply(&deal); err != nil {
				return err
			}
		}
		deal.PendingOp = ""
		deal.PendingTxHash = ""
		deal.UpdatedAt = s.now().UTC()
		if err := tx.Save(&deal).Error; err != nil {
			return err
		}
		if evt.Type != "" {
			record := DealEvent{
				ID:        uuid.New(),
				DealID:    deal.ID,
				Type:      evt.Type,
				Actor:     evt.Actor,
				Details:   evt.Details,
				CreatedAt: s.now().UTC(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		updated = deal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Release drops a claim without changing business state. Used when the
// adapter reported a definite failure.
func (s *Store) Release(ctx context.Context, id uuid.UUID, op string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deal Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&deal, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDealNotFound
			}
			return err
		}
		if deal.PendingOp != op {
			return nil
		}
		deal.PendingOp = ""
		deal.PendingTxHash = ""
		deal.UpdatedAt = s.now().UTC()
		return tx.Save(&deal).Error
	})
}

// MarkSubmitted records the transaction hash of a submitted-but-unconfirmed
// adapter call. The claim stays in place; the recon poller resolves it.
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID, op, txHash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deal Deal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&deal, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDealNotFound
			}
			return err
		}
		if deal.PendingOp != op {
			return fmt.Errorf("ledger: marking %q submitted but claim is %q", op, deal.PendingOp)
		}
		deal.PendingTxHash = txHash
		deal.UpdatedAt = s.now().UTC()
		return tx.Save(&deal).Error
	})
}

// ListAuthorizing returns deals still INITIATED whose authorization reached
// the rail but has not confirmed: the payer may have completed a challenge
// since. The recon poller advances these from the adapter's snapshot.
func (s *Store) ListAuthorizing(ctx context.Context, limit int) ([]Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	var deals []Deal
	err := s.db.WithContext(ctx).
		Where("status = ? AND pending_op = '' AND external_ref <> ''", StateInitiated).
		Order("updated_at asc").
		Limit(limit).
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	return deals, nil
}

// ListClaimed returns deals with an unresolved claim, oldest first. The recon
// poller scans these to reconcile pending confirmations.
func (s *Store) ListClaimed(ctx context.Context, limit int) ([]Deal, error) {
	if limit <= 0 {
		limit = 100
	}
	var deals []Deal
	err := s.db.WithContext(ctx).
		Where("pending_op <> ''").
		Order("updated_at asc").
		Limit(limit).
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	return deals, nil
}

// Events returns the audit trail for a deal, oldest first.
func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]DealEvent, error) {
	var events []DealEvent
	err := s.db.WithContext(ctx).
		Where("deal_id = ?", id).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
