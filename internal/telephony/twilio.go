package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- carrier webhook signatures are HMAC-SHA1 by contract
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/recouphq/voiceagent/internal/resilience"
)

// TwilioProvider implements Provider against the Twilio REST API.
//
// Thread Safety:
// TwilioProvider is safe for concurrent use.
type TwilioProvider struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string

	client *http.Client
}

// TwilioConfig holds credentials and defaults for the Twilio provider.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required).
	AccountSID string `yaml:"account_sid" json:"account_sid"`

	// AuthToken is the Twilio auth token (required).
	AuthToken string `yaml:"auth_token" json:"auth_token"`

	// FromNumber is the default caller id in E.164 form.
	FromNumber string `yaml:"from_number" json:"from_number"`

	// BaseURL overrides the API endpoint (tests).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// NewTwilioProvider creates a Twilio-backed carrier client.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    fmt.Sprintf("%s/2010-04-01/Accounts/%s", baseURL, cfg.AccountSID),
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() string { return "twilio" }

// FromNumber returns the configured default caller id.
func (p *TwilioProvider) FromNumber() string { return p.fromNumber }

// PlaceCall starts an outbound call.
func (p *TwilioProvider) PlaceCall(ctx context.Context, input *PlaceCallInput) (*PlaceCallResult, error) {
	from := input.From
	if from == "" {
		from = p.fromNumber
	}

	ringTimeout := input.RingTimeoutSeconds
	if ringTimeout <= 0 {
		ringTimeout = 30
	}

	params := url.Values{
		"To":      {input.To},
		"From":    {from},
		"Url":     {input.AnswerURL},
		"Timeout": {strconv.Itoa(ringTimeout)},
	}
	if input.StatusCallbackURL != "" {
		params["StatusCallback"] = []string{input.StatusCallbackURL}
		params["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}
	if input.TimeLimitSeconds > 0 {
		params.Set("TimeLimit", strconv.Itoa(input.TimeLimitSeconds))
	}
	if input.Record {
		params.Set("Record", "true")
	}
	if input.DetectAnsweringMachine {
		params.Set("MachineDetection", "DetectMessageEnd")
	}

	resp, err := p.apiRequest(ctx, http.MethodPost, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: place call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: parse place-call response: %w", err)
	}

	return &PlaceCallResult{ProviderCallID: result.SID, Status: result.Status}, nil
}

// HangupCall ends an in-progress call. A 404 means the call already ended
// and is not treated as an error.
func (p *TwilioProvider) HangupCall(ctx context.Context, providerCallID string) error {
	params := url.Values{"Status": {"completed"}}
	_, err := p.apiRequest(ctx, http.MethodPost, fmt.Sprintf("/Calls/%s.json", providerCallID), params)
	if err != nil {
		var statusErr *resilience.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("twilio: hangup call: %w", err)
	}
	return nil
}

// CallStatus fetches the carrier's view of a call.
func (p *TwilioProvider) CallStatus(ctx context.Context, providerCallID string) (*CallStatusResult, error) {
	resp, err := p.apiRequest(ctx, http.MethodGet, fmt.Sprintf("/Calls/%s.json", providerCallID), nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: call status: %w", err)
	}

	var result struct {
		SID        string `json:"sid"`
		Status     string `json:"status"`
		Duration   string `json:"duration"`
		AnsweredBy string `json:"answered_by"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: parse call-status response: %w", err)
	}

	duration, _ := strconv.Atoi(result.Duration)
	return &CallStatusResult{
		ProviderCallID: result.SID,
		Status:         result.Status,
		DurationSecs:   duration,
		AnsweredBy:     result.AnsweredBy,
	}, nil
}

// SendSMS sends a text message from the default number.
func (p *TwilioProvider) SendSMS(ctx context.Context, input *SendSMSInput) (string, error) {
	from := input.From
	if from == "" {
		from = p.fromNumber
	}
	params := url.Values{
		"To":   {input.To},
		"From": {from},
		"Body": {input.Body},
	}

	resp, err := p.apiRequest(ctx, http.MethodPost, "/Messages.json", params)
	if err != nil {
		return "", fmt.Errorf("twilio: send sms: %w", err)
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("twilio: parse send-sms response: %w", err)
	}
	return result.SID, nil
}

// VerifyWebhook validates the X-Twilio-Signature header: HMAC-SHA1 over the
// full URL followed by the form parameters sorted by key.
func (p *TwilioProvider) VerifyWebhook(req *WebhookRequest) bool {
	if req.Signature == "" {
		return false
	}

	keys := make([]string, 0, len(req.Form))
	for k := range req.Form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(req.URL)
	for _, k := range keys {
		for _, v := range req.Form[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(req.Signature), []byte(expected))
}

// ConnectStreamTwiML builds the answer-webhook response that bridges the
// call audio onto the media-stream WebSocket.
func ConnectStreamTwiML(streamURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, escapeXML(streamURL))
}

// EmptyTwiML acknowledges a webhook with no further instruction.
func EmptyTwiML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
}

// apiRequest makes an authenticated request to the Twilio API. Non-2xx
// responses become *resilience.HTTPStatusError so the retry classifier can
// tell transient from permanent failures.
func (p *TwilioProvider) apiRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	reqURL := p.baseURL + endpoint

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = bytes.NewBufferString(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(respBody) > 1<<20 {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(respBody))
	}

	if resp.StatusCode >= 400 {
		return nil, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(respBody)),
		}
	}
	return respBody, nil
}

// escapeXML escapes special characters for XML content.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
