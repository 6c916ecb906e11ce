// Package dialer initiates outbound collection calls: it validates the
// request, runs the compliance gate, signs the media-stream token, and
// places the call through the resilience layer.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/compliance"
	"github.com/recouphq/voiceagent/internal/cost"
	"github.com/recouphq/voiceagent/internal/resilience"
	"github.com/recouphq/voiceagent/internal/streamtoken"
	"github.com/recouphq/voiceagent/internal/telephony"
)

// ErrInvalidRecipient is returned before any side effect when the recipient
// number is not E.164.
var ErrInvalidRecipient = errors.New("dialer: recipient number is not a valid E.164 number")

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ComplianceError carries the gate's denial reason.
type ComplianceError struct {
	Reason string
}

func (e *ComplianceError) Error() string {
	return "dialer: compliance denied: " + e.Reason
}

// ProviderError marks a dependency failure after retries were exhausted.
type ProviderError struct {
	Dependency string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("dialer: %s unavailable: %v", e.Dependency, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config holds the call placement settings.
type Config struct {
	// PublicURL is the externally reachable base URL of this service.
	PublicURL string `yaml:"public_url" json:"public_url"`
	// AnswerPath, StatusPath and MediaPath are the webhook and media
	// endpoints under PublicURL.
	AnswerPath string `yaml:"answer_path" json:"answer_path"`
	StatusPath string `yaml:"status_path" json:"status_path"`
	MediaPath  string `yaml:"media_path" json:"media_path"`

	RingTimeoutSeconds int  `yaml:"ring_timeout_seconds" json:"ring_timeout_seconds"`
	TimeLimitSeconds   int  `yaml:"time_limit_seconds" json:"time_limit_seconds"`
	Record             bool `yaml:"record" json:"record"`
	DetectMachine      bool `yaml:"detect_machine" json:"detect_machine"`
}

func (c Config) normalize() Config {
	if c.AnswerPath == "" {
		c.AnswerPath = "/webhooks/voice"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/webhooks/status"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/ws/media"
	}
	if c.RingTimeoutSeconds <= 0 {
		c.RingTimeoutSeconds = 30
	}
	if c.TimeLimitSeconds <= 0 {
		c.TimeLimitSeconds = 120
	}
	return c
}

// Handle is what the caller of Start gets back.
type Handle struct {
	CallID         string         `json:"call_id"`
	ProviderCallID string         `json:"provider_call_id"`
	Status         string         `json:"status"`
	EstimatedCost  cost.Breakdown `json:"estimated_cost"`
}

// Dialer places calls.
type Dialer struct {
	provider telephony.Provider
	gate     *compliance.Gate
	attempts *compliance.AttemptLog
	store    *call.Store
	tokens   *streamtoken.Issuer
	breakers *resilience.BreakerSet
	retry    resilience.RetryConfig
	rates    cost.Rates
	cfg      Config
	logger   *slog.Logger
}

// Deps wires a Dialer.
type Deps struct {
	Provider telephony.Provider
	Gate     *compliance.Gate
	Attempts *compliance.AttemptLog
	Store    *call.Store
	Tokens   *streamtoken.Issuer
	Breakers *resilience.BreakerSet
	Retry    resilience.RetryConfig
	Rates    cost.Rates
	Config   Config
	Logger   *slog.Logger
}

// New creates a Dialer.
func New(deps Deps) *Dialer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		provider: deps.Provider,
		gate:     deps.Gate,
		attempts: deps.Attempts,
		store:    deps.Store,
		tokens:   deps.Tokens,
		breakers: deps.Breakers,
		retry:    deps.Retry,
		rates:    deps.Rates,
		cfg:      deps.Config.normalize(),
		logger:   logger,
	}
}

// Start validates and places one outbound call. No carrier side effect
// happens unless validation and the compliance gate both pass.
func (d *Dialer) Start(ctx context.Context, req call.Request) (*Handle, error) {
	if !e164Pattern.MatchString(req.RecipientNumber) {
		return nil, ErrInvalidRecipient
	}

	// Reserving the attempt before the gate runs closes the race where two
	// concurrent calls to the same recipient both read an empty cooldown.
	now := time.Now()
	prev := d.attempts.Reserve(req.RecipientNumber, now)
	decision := d.gate.Check(req, now, prev)
	if !decision.Allowed {
		d.attempts.Release(req.RecipientNumber, now, prev)
		d.logger.Info("call blocked by compliance gate",
			"recipient", req.RecipientNumber, "reason", decision.Reason)
		return nil, &ComplianceError{Reason: decision.Reason}
	}

	callID := uuid.NewString()
	instructions := BuildInstructions(req)

	token, err := d.tokens.Issue(streamtoken.Claims{
		CallID:       callID,
		BusinessName: req.BusinessName,
		Instructions: instructions,
		Codec:        "g711_ulaw",
		OfferPayment: req.OfferPayment,
	})
	if err != nil {
		d.attempts.Release(req.RecipientNumber, now, prev)
		return nil, fmt.Errorf("dialer: issue stream token: %w", err)
	}

	streamURL, err := d.mediaStreamURL(token)
	if err != nil {
		d.attempts.Release(req.RecipientNumber, now, prev)
		return nil, err
	}

	estimate := cost.Estimate(d.rates, 0, cost.Options{
		ConfirmationSMS: true,
		Recording:       d.cfg.Record,
		InCallPayment:   req.OfferPayment,
	})

	rec := &call.Record{
		ID:            callID,
		Request:       req,
		Status:        call.StatusQueued,
		CreatedAt:     now,
		EstimatedCost: estimate.Total,
		StreamURL:     streamURL,
	}
	d.store.Save(rec)

	input := &telephony.PlaceCallInput{
		To:                     req.RecipientNumber,
		AnswerURL:              d.webhookURL(d.cfg.AnswerPath, callID),
		StatusCallbackURL:      d.webhookURL(d.cfg.StatusPath, callID),
		RingTimeoutSeconds:     d.cfg.RingTimeoutSeconds,
		TimeLimitSeconds:       d.cfg.TimeLimitSeconds,
		Record:                 d.cfg.Record,
		DetectAnsweringMachine: d.cfg.DetectMachine,
	}

	breaker := d.breakers.Get("telephony")
	result, err := resilience.RetryWithValue(ctx, d.retry, func(ctx context.Context) (*telephony.PlaceCallResult, error) {
		return resilience.ExecuteWithValue(ctx, breaker, func(ctx context.Context) (*telephony.PlaceCallResult, error) {
			return d.provider.PlaceCall(ctx, input)
		})
	})
	if err != nil {
		// A rejected placement does not count toward the cooldown.
		d.attempts.Release(req.RecipientNumber, now, prev)
		_ = d.store.Update(callID, func(r *call.Record) {
			r.Status = call.StatusFailed
			r.EndedAt = time.Now()
		})
		d.logger.Error("call placement failed", "call_id", callID, "error", err)
		return nil, &ProviderError{Dependency: "telephony", Err: err}
	}

	status := result.Status
	if status == "" {
		status = call.StatusInitiated
	}
	_ = d.store.Update(callID, func(r *call.Record) {
		r.ProviderCallID = result.ProviderCallID
		r.Status = status
	})

	d.logger.Info("call placed",
		"call_id", callID,
		"provider_call_id", result.ProviderCallID,
		"recipient", req.RecipientNumber,
		"estimated_cost", estimate.Total)

	return &Handle{
		CallID:         callID,
		ProviderCallID: result.ProviderCallID,
		Status:         status,
		EstimatedCost:  estimate,
	}, nil
}

// Hangup ends an in-progress call through the resilience layer.
func (d *Dialer) Hangup(ctx context.Context, callID string) error {
	rec, err := d.store.Get(callID)
	if err != nil {
		return err
	}
	if rec.ProviderCallID == "" {
		return fmt.Errorf("dialer: call %s was never placed", callID)
	}

	breaker := d.breakers.Get("telephony")
	err = resilience.Retry(ctx, d.retry, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			return d.provider.HangupCall(ctx, rec.ProviderCallID)
		})
	})
	if err != nil {
		return &ProviderError{Dependency: "telephony", Err: err}
	}
	return nil
}

// Refresh pulls the carrier's current view of a live call and folds it into
// the stored record, covering the gap between status callbacks. Terminal and
// never-placed records are returned as stored.
func (d *Dialer) Refresh(ctx context.Context, callID string) (call.Record, error) {
	rec, err := d.store.Get(callID)
	if err != nil {
		return call.Record{}, err
	}
	if rec.ProviderCallID == "" || call.IsTerminalStatus(rec.Status) {
		return rec, nil
	}

	breaker := d.breakers.Get("telephony")
	status, err := resilience.RetryWithValue(ctx, d.retry, func(ctx context.Context) (*telephony.CallStatusResult, error) {
		return resilience.ExecuteWithValue(ctx, breaker, func(ctx context.Context) (*telephony.CallStatusResult, error) {
			return d.provider.CallStatus(ctx, rec.ProviderCallID)
		})
	})
	if err != nil {
		return rec, &ProviderError{Dependency: "telephony", Err: err}
	}

	_ = d.store.Update(callID, func(r *call.Record) {
		if r.Outcome == nil && status.Status != "" {
			r.Status = status.Status
		}
		if status.Status == call.StatusInProgress && r.AnsweredAt.IsZero() {
			r.AnsweredAt = time.Now()
		}
		if call.IsTerminalStatus(status.Status) && r.EndedAt.IsZero() {
			r.EndedAt = time.Now()
			if status.DurationSecs > 0 && r.AnsweredAt.IsZero() {
				r.AnsweredAt = r.EndedAt.Add(-time.Duration(status.DurationSecs) * time.Second)
			}
		}
	})
	return d.store.Get(callID)
}

func (d *Dialer) webhookURL(path, callID string) string {
	u := d.cfg.PublicURL + path
	return u + "?call_id=" + url.QueryEscape(callID)
}

// mediaStreamURL converts the public URL to its WebSocket form and attaches
// the signed token.
func (d *Dialer) mediaStreamURL(token string) (string, error) {
	u, err := url.Parse(d.cfg.PublicURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("dialer: invalid public URL %q", d.cfg.PublicURL)
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s?token=%s", scheme, u.Host, d.cfg.MediaPath, url.QueryEscape(token)), nil
}
