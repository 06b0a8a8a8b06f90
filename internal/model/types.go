package model

import (
	"time"

	"github.com/google/uuid"
)

// BindingStatus is the lifecycle state of a phone-number claim
type BindingStatus string

const (
	BindingUnverified BindingStatus = "unverified"
	BindingVerified   BindingStatus = "verified"
	BindingRevoked    BindingStatus = "revoked"
)

// PhoneBinding associates a phone number with a user. At most one
// non-revoked binding exists per phone number; revoked rows are kept for audit.
type PhoneBinding struct {
	PhoneNumber string
	UserID      uuid.UUID
	Status      BindingStatus
	CreatedAt   time.Time
	LastSeenAt  *time.Time
}

// TurnRole identifies who produced a conversation turn
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one entry in a session's conversation log
type Turn struct {
	Role      TurnRole
	Content   string
	CreatedAt time.Time
}

// UserSession is the live conversational state for one user.
// Step never decreases; the lease fields gate concurrent agent turns.
type UserSession struct {
	UserID         uuid.UUID
	Step           int
	Turns          []Turn
	LeaseHolder    *uuid.UUID
	LeaseUntil     *time.Time
	LastActivityAt time.Time
	Archived       bool
	CreatedAt      time.Time
}

// Provider is an external OAuth provider
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderNotion    Provider = "notion"
	ProviderYouTube   Provider = "youtube"
)

// GrantStatus is the lifecycle state of an OAuth grant
type GrantStatus string

const (
	GrantActive   GrantStatus = "active"
	GrantExpiring GrantStatus = "expiring"
	GrantExpired  GrantStatus = "expired"
	GrantRevoked  GrantStatus = "revoked"
)

// OAuthGrant is one external-provider credential for one user.
// Token fields hold ciphertext; plaintext never leaves the vault package.
type OAuthGrant struct {
	UserID       uuid.UUID
	Provider     Provider
	AccessToken  []byte
	RefreshToken []byte
	ExpiresAt    time.Time
	Scopes       []string
	Status       GrantStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EventStatus is the processing state of an inbound webhook event
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventRouted    EventStatus = "routed"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventDuplicate EventStatus = "duplicate"
)

// InboundMessageEvent is one webhook delivery from the SMS provider.
// ProviderMessageID is the idempotency key; a second delivery with the
// same ID must not be reprocessed.
type InboundMessageEvent struct {
	ProviderMessageID string
	From              string
	Body              string
	ReceivedAt        time.Time
	Status            EventStatus
	Reply             *string
}

// DeliveryReceipt reports the outcome of one outbound send, possibly
// split across multiple segments sharing a correlation ID.
type DeliveryReceipt struct {
	CorrelationID uuid.UUID
	To            string
	Segments      int
	ProviderIDs   []string
	SentAt        time.Time
}
