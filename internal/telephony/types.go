// Package telephony abstracts the voice carrier: placing calls, hanging
// them up, sending confirmation texts, and verifying inbound webhooks.
package telephony

import (
	"context"
	"errors"
)

// Provider is the carrier-facing interface. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Name identifies the carrier ("twilio").
	Name() string

	// PlaceCall starts an outbound call and returns the carrier call id.
	PlaceCall(ctx context.Context, input *PlaceCallInput) (*PlaceCallResult, error)

	// HangupCall ends an in-progress call. Hanging up an already-ended
	// call is not an error.
	HangupCall(ctx context.Context, providerCallID string) error

	// CallStatus fetches the carrier's current view of a call.
	CallStatus(ctx context.Context, providerCallID string) (*CallStatusResult, error)

	// SendSMS sends a text message and returns the carrier message id.
	SendSMS(ctx context.Context, input *SendSMSInput) (string, error)

	// VerifyWebhook checks the authenticity of an inbound carrier webhook.
	VerifyWebhook(req *WebhookRequest) bool
}

// ErrMissingCredentials is returned when a provider is constructed without
// account credentials.
var ErrMissingCredentials = errors.New("telephony: missing carrier credentials")

// PlaceCallInput describes an outbound call to place.
type PlaceCallInput struct {
	// To and From are E.164 numbers.
	To   string
	From string

	// AnswerURL is the webhook the carrier fetches when the call is
	// answered; its response connects the media stream.
	AnswerURL string

	// StatusCallbackURL receives lifecycle status events
	// (initiated, ringing, answered, completed).
	StatusCallbackURL string

	// RingTimeoutSeconds is how long to ring before giving up.
	RingTimeoutSeconds int

	// TimeLimitSeconds caps the total call duration.
	TimeLimitSeconds int

	// Record enables carrier-side call recording.
	Record bool

	// DetectAnsweringMachine enables machine detection that waits for the
	// voicemail greeting to finish before reporting.
	DetectAnsweringMachine bool
}

// PlaceCallResult is the carrier's acknowledgment of a placed call.
type PlaceCallResult struct {
	ProviderCallID string
	Status         string
}

// CallStatusResult is the carrier's view of a call.
type CallStatusResult struct {
	ProviderCallID string
	Status         string
	DurationSecs   int
	AnsweredBy     string
}

// SendSMSInput describes a text message.
type SendSMSInput struct {
	To   string
	From string
	Body string
}

// WebhookRequest carries the parts of an inbound webhook needed for
// signature verification.
type WebhookRequest struct {
	// URL is the full public URL the carrier signed.
	URL string
	// Signature is the carrier's signature header value.
	Signature string
	// Form is the decoded POST form body.
	Form map[string][]string
}
