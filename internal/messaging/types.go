package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Message directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Message type codes.
const (
	MessageTypeSMS = 1
	MessageTypeMMS = 2
)

// Coarse numeric message statuses stored alongside the textual provider
// delivery status.
const (
	StatusQueued      = 0
	StatusSent        = 1
	StatusDelivered   = 2
	StatusFailed      = 3
	StatusUndelivered = 4
)

// Message is the permanent record of one transmission. Append-then-update,
// never deleted.
type Message struct {
	ID                int64
	UID               uuid.UUID
	BRef              string
	ProviderMessageID *string
	FromNumber        string
	ToNumber          string
	Body              string
	MediaURL          string
	Status            int
	DeliveryStatus    string
	Direction         string
	IsRead            bool
	IsDrip            bool
	DripID            *int64
	UserID            int64
	WorkspaceID       int64
	ContactID         int64
	MessageType       int
	IsCharged         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MapProviderStatus translates a provider delivery state into the internal
// coarse code. ok is false for unknown states, which propagate as textual
// only.
func MapProviderStatus(provider string) (coarse int, textual string, ok bool) {
	switch provider {
	case "queued":
		return StatusQueued, "queued", true
	case "sending":
		return StatusSent, "sending", true
	case "sent":
		return StatusSent, "sent", true
	case "delivered":
		return StatusDelivered, "delivered", true
	case "undelivered":
		return StatusUndelivered, "undelivered", true
	case "failed":
		return StatusFailed, "failed", true
	case "read":
		return StatusDelivered, "read", true
	default:
		return 0, provider, false
	}
}
