package db

import "github.com/jackc/pgx/v5/pgtype"

// PaymentStatus enumerates the lifecycle states of a payment record.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// Terminal reports whether the status admits no further transitions from the
// pending/processing path.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentType enumerates what a payment purchases for a listing.
type PaymentType string

const (
	PaymentTypeNewListing PaymentType = "NEW_LISTING"
	PaymentTypeRenewal    PaymentType = "RENEWAL"
	PaymentTypeUpgrade    PaymentType = "UPGRADE"
)

// ListingTier enumerates paid listing tiers.
type ListingTier string

const (
	ListingTierBasic   ListingTier = "BASIC"
	ListingTierPremium ListingTier = "PREMIUM"
)

// ListingStatus enumerates listing visibility states.
type ListingStatus string

const (
	ListingStatusDraft   ListingStatus = "DRAFT"
	ListingStatusActive  ListingStatus = "ACTIVE"
	ListingStatusExpired ListingStatus = "EXPIRED"
)

// ModerationStatus enumerates the admin review states of a listing. Moderation
// is an independent dimension from billing and is never written by the payment
// path.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "PENDING"
	ModerationApproved ModerationStatus = "APPROVED"
	ModerationRejected ModerationStatus = "REJECTED"
)

// Payment is the unit of work for a single charge attempt.
type Payment struct {
	ID                pgtype.UUID
	ListingID         pgtype.UUID
	PayerID           pgtype.UUID
	Amount            int64
	Currency          string
	Type              PaymentType
	Provider          string
	PhoneNumber       pgtype.Text
	MerchantRequestID pgtype.Text
	CheckoutRequestID pgtype.Text
	Status            PaymentStatus
	ResultDescription pgtype.Text
	ProviderReceipt   pgtype.Text
	TermStart         pgtype.Timestamptz
	TermEnd           pgtype.Timestamptz
	CreatedAt         pgtype.Timestamptz
	UpdatedAt         pgtype.Timestamptz
}

// Listing is the venue record monetised by payments.
type Listing struct {
	ID               pgtype.UUID
	OwnerID          pgtype.UUID
	Name             string
	County           pgtype.Text
	Tier             ListingTier
	Status           ListingStatus
	Moderation       ModerationStatus
	CurrentTermStart pgtype.Timestamptz
	CurrentTermEnd   pgtype.Timestamptz
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

// User is a platform account (listing owner or admin).
type User struct {
	ID           pgtype.UUID
	Name         string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    pgtype.Timestamptz
	UpdatedAt    pgtype.Timestamptz
}

// PaymentEvent is an append-only audit row recorded on every status change.
type PaymentEvent struct {
	ID        pgtype.UUID
	PaymentID pgtype.UUID
	Status    PaymentStatus
	Payload   []byte
	CreatedAt pgtype.Timestamptz
}

// DomainEvent is a persisted platform event used for notification fan-out.
type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  pgtype.Timestamptz
}
