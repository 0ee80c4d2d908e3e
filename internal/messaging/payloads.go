package messaging

// Broker payload types for the inbox domain.

// TypeSendSMS tags an inbox.send envelope carrying an outbound message.
const TypeSendSMS = "SEND_SMS"

// ProviderCredentials are per-tenant gateway credentials carried inline on a
// send job.
type ProviderCredentials struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
}

// SendEnvelope is the inbox.send payload.
type SendEnvelope struct {
	Type       string   `json:"type"`
	RetryCount int      `json:"retryCount"`
	Data       SendData `json:"data"`
}

type SendData struct {
	MessageID         int64                `json:"messageId"`
	BRef              string               `json:"bRef"`
	FromNumber        string               `json:"fromNumber"`
	ToNumber          string               `json:"toNumber"`
	Message           string               `json:"message"`
	MediaURL          string               `json:"mediaUrl,omitempty"`
	ContactID         int64                `json:"contactId"`
	UserID            int64                `json:"userId"`
	WorkspaceID       int64                `json:"workspaceId"`
	StatusCallbackURL string               `json:"statusCallbackUrl,omitempty"`
	TwilioCredentials *ProviderCredentials `json:"twilioCredentials,omitempty"`
	IsLoadTest        bool                 `json:"isLoadTest,omitempty"`
	CreditCost        int64                `json:"creditCost,omitempty"`
}

// StatusEnvelope is the inbox.status payload carrying one provider delivery
// report.
type StatusEnvelope struct {
	Data StatusData `json:"data"`
}

type StatusData struct {
	MessageSID   string `json:"messageSid"`
	Status       string `json:"status"`
	BRef         string `json:"bRef"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
