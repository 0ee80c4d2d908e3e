package drip

import "time"

// ScheduledMessage statuses. Status is monotone along
// pending → queued → (sending →) sent → delivered; failed is reachable from
// any non-terminal state and cancelled only from pending.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DripContact statuses (numeric codes owned by the upstream API).
const (
	DripContactPending   = 0
	DripContactSent      = 1
	DripContactDelivered = 2
	DripContactFailed    = 3
	DripContactSkipped   = 4
	DripContactCancelled = 5
)

// ScheduledMessage is the pre-queue work item drained from storage into the
// broker.
type ScheduledMessage struct {
	ID                int64
	UserID            int64
	WorkspaceID       int64
	ContactID         int64
	DripID            int64
	CampaignID        int64
	DripContactID     int64
	FromNumber        string
	ToNumber          string
	Body              string
	MediaURL          string
	ScheduledAt       time.Time
	Status            string
	RetryCount        int
	QueuedAt          *time.Time
	SentAt            *time.Time
	ErrorMessage      string
	MessageID         *int64
	ProviderMessageID *string
}

// Payload is the JSON body published to drip.messages.
type Payload struct {
	ScheduledMessageID int64     `json:"scheduledMessageId"`
	DripContactID      int64     `json:"dripContactId"`
	UserID             int64     `json:"userId"`
	WorkspaceID        int64     `json:"workspaceId"`
	ContactID          int64     `json:"contactId"`
	DripID             int64     `json:"dripId"`
	CampaignID         int64     `json:"campaignId"`
	FromNumber         string    `json:"fromNumber"`
	ToNumber           string    `json:"toNumber"`
	SID                int64     `json:"sid"`
	Message            string    `json:"message"`
	MediaURL           string    `json:"mediaUrl,omitempty"`
	ScheduledAt        time.Time `json:"scheduledAt"`
	QueuedAt           time.Time `json:"queuedAt"`
	IsLoadTest         bool      `json:"isLoadTest,omitempty"`
	CreditCost         int64     `json:"creditCost,omitempty"`
}
