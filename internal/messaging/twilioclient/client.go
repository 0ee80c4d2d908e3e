package twilioclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/sengine/sengine/pkg/phone"
)

const (
	defaultBaseURL   = "https://api.twilio.com/2010-04-01"
	defaultUserAgent = "sengine-messaging/1.0"
)

// Credentials identify one Twilio account. Tenants may override the process
// defaults per send.
type Credentials struct {
	AccountSID string
	AuthToken  string
}

func (c Credentials) valid() bool {
	return strings.TrimSpace(c.AccountSID) != "" && strings.TrimSpace(c.AuthToken) != ""
}

// Config controls how the Twilio client behaves.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// Client wraps the Twilio Messages endpoint.
type Client struct {
	defaults   Credentials
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilioclient: account sid and auth token are required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		defaults:   Credentials{AccountSID: cfg.AccountSID, AuthToken: cfg.AuthToken},
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// SendRequest describes one outbound SMS/MMS.
type SendRequest struct {
	From           string
	To             string
	Body           string
	MediaURL       string
	StatusCallback string
	// Credentials overrides the process defaults when the tenant brings
	// their own Twilio account.
	Credentials *Credentials
}

// SendResult is the normalized outcome of a gateway call. Errors never
// escape as Go errors; callers branch on Success.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Status            string
	SegmentCount      int
	MediaCount        int
	DateCreated       time.Time
	ErrorCode         string
	ErrorMessage      string
}

type messageResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	NumSegments  string  `json:"num_segments"`
	NumMedia     string  `json:"num_media"`
	DateCreated  string  `json:"date_created"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Send posts one message to Twilio. Phone numbers are normalized to E.164
// before the call.
func (c *Client) Send(ctx context.Context, req SendRequest) SendResult {
	creds := c.defaults
	if req.Credentials != nil && req.Credentials.valid() {
		creds = *req.Credentials
	}
	form := url.Values{}
	form.Set("From", phone.NormalizeE164(req.From))
	form.Set("To", phone.NormalizeE164(req.To))
	form.Set("Body", req.Body)
	if strings.TrimSpace(req.MediaURL) != "" {
		form.Set("MediaUrl", req.MediaURL)
	}
	if strings.TrimSpace(req.StatusCallback) != "" {
		form.Set("StatusCallback", req.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, creds.AccountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failure("", fmt.Sprintf("build request: %v", err))
	}
	httpReq.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("twilio request failed", "error", err)
		return failure("", fmt.Sprintf("http error: %v", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure("", fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Message != "" {
			return failure(strconv.Itoa(apiErr.Code), apiErr.Message)
		}
		return failure(strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(data)))
	}

	var msg messageResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return failure("", fmt.Sprintf("decode response: %v", err))
	}
	result := SendResult{
		Success:           true,
		ProviderMessageID: msg.SID,
		Status:            msg.Status,
		SegmentCount:      atoiOrZero(msg.NumSegments),
		MediaCount:        atoiOrZero(msg.NumMedia),
	}
	if msg.DateCreated != "" {
		if created, err := time.Parse(time.RFC1123Z, msg.DateCreated); err == nil {
			result.DateCreated = created
		}
	}
	if msg.ErrorCode != nil {
		result.ErrorCode = strconv.Itoa(*msg.ErrorCode)
	}
	if msg.ErrorMessage != nil {
		result.ErrorMessage = *msg.ErrorMessage
	}
	return result
}

func failure(code, message string) SendResult {
	return SendResult{Success: false, ErrorCode: code, ErrorMessage: message}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
