package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SettlementRail selects which adapter owns a deal. Fixed at creation.
type SettlementRail string

const (
	RailCard  SettlementRail = "CARD"
	RailChain SettlementRail = "CHAIN"
)

// Valid reports whether the rail value is supported.
func (r SettlementRail) Valid() bool {
	switch r {
	case RailCard, RailChain:
		return true
	default:
		return false
	}
}

// DealStatus represents a state in the deal settlement workflow. Both rails
// share the same machine; PICKUP_CONFIRMED only occurs on the chain rail.
type DealStatus string

const (
	StateInitiated       DealStatus = "INITIATED"
	StateAwaitingCapture DealStatus = "AWAITING_CAPTURE"
	StatePickupConfirmed DealStatus = "PICKUP_CONFIRMED"
	StateCaptured        DealStatus = "CAPTURED"
	StateRefunded        DealStatus = "REFUNDED"
	StateCancelled       DealStatus = "CANCELLED"
	StateDisputed        DealStatus = "DISPUTED"
)

// Terminal reports whether the status permits no further mutating operations
// other than an explicitly authorized refund.
func (s DealStatus) Terminal() bool {
	switch s {
	case StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

// Pending operation markers stored on a claimed deal while an adapter call is
// in flight or awaiting external confirmation.
const (
	OpAuthorize      = "authorize"
	OpConfirmPickup  = "confirm_pickup"
	OpCapture        = "capture"
	OpCancel         = "cancel"
	OpRefund         = "refund"
	OpDispute        = "dispute"
	OpReleaseDeposit = "release_deposit"
)

// Deal is the persisted record of one booking's money flow. Amounts are
// integer minor units (cents). The fee rate is pinned in basis points at
// creation and never re-read from configuration afterwards.
type Deal struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BookingID       string         `gorm:"size:64;uniqueIndex" json:"bookingId"`
	RenterID        string         `gorm:"size:128;index" json:"renterId"`
	OwnerID         string         `gorm:"size:128;index" json:"ownerId"`
	Amount          int64          `gorm:"not null" json:"amount"`
	SecurityDeposit int64          `gorm:"not null;default:0" json:"securityDeposit"`
	Currency        string         `gorm:"size:8" json:"currency"`
	FeeBps          uint32         `gorm:"not null" json:"feeBps"`
	Rail            SettlementRail `gorm:"size:16;not null" json:"rail"`
	Status          DealStatus     `gorm:"size:32;index" json:"status"`

	// ExternalRef is the adapter-side identifier (payment intent id or
	// on-chain deal id), opaque to the orchestrator.
	ExternalRef string `gorm:"size:128;index" json:"externalRef"`

	// AuthAttempts counts authorization tries for this deal, so each retry
	// after a decline carries its own processor idempotency key.
	AuthAttempts uint32 `gorm:"not null;default:0" json:"-"`

	// PendingOp is non-empty while a mutating adapter call is claimed, and
	// PendingTxHash carries the submitted transaction awaiting confirmation
	// on the chain rail.
	PendingOp     string `gorm:"size:32" json:"pendingOp,omitempty"`
	PendingTxHash string `gorm:"size:80" json:"pendingTxHash,omitempty"`

	// Settlement outcome, populated exactly once at capture time.
	OwnerAmount    int64  `json:"ownerAmount"`
	MarketplaceFee int64  `json:"marketplaceFee"`
	TransferID     string `gorm:"size:128" json:"transferId,omitempty"`

	// RefundedAmount accumulates partial refunds against the captured total.
	RefundedAmount int64 `json:"refundedAmount"`

	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CapturedAt        *time.Time `json:"capturedAt,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	PickupConfirmedAt *time.Time `json:"pickupConfirmedAt,omitempty"`
	DepositReleasedAt *time.Time `json:"depositReleasedAt,omitempty"`
}

// DealEvent is the immutable audit trail appended on every accepted
// transition and every recorded settlement outcome.
type DealEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID    uuid.UUID `gorm:"type:uuid;index"`
	Type      string    `gorm:"size:64"`
	Actor     string    `gorm:"size:128"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestID   string `gorm:"size:64"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Deal{},
		&DealEvent{},
		&IdempotencyKey{},
	)
}
