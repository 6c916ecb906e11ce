package dialer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/compliance"
	"github.com/recouphq/voiceagent/internal/cost"
	"github.com/recouphq/voiceagent/internal/resilience"
	"github.com/recouphq/voiceagent/internal/streamtoken"
	"github.com/recouphq/voiceagent/internal/telephony"
)

type mockProvider struct {
	mu       sync.Mutex
	placed   []*telephony.PlaceCallInput
	hangups  []string
	attempts int
	failures int
	err      error
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) PlaceCall(ctx context.Context, input *telephony.PlaceCallInput) (*telephony.PlaceCallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return nil, &resilience.HTTPStatusError{StatusCode: 503, Body: "carrier overloaded"}
	}
	if m.err != nil {
		return nil, m.err
	}
	m.placed = append(m.placed, input)
	return &telephony.PlaceCallResult{ProviderCallID: "CA123", Status: "queued"}, nil
}

func (m *mockProvider) HangupCall(ctx context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups = append(m.hangups, providerCallID)
	return nil
}

func (m *mockProvider) CallStatus(ctx context.Context, providerCallID string) (*telephony.CallStatusResult, error) {
	return &telephony.CallStatusResult{ProviderCallID: providerCallID, Status: "in-progress"}, nil
}

func (m *mockProvider) SendSMS(ctx context.Context, input *telephony.SendSMSInput) (string, error) {
	return "SM1", nil
}

func (m *mockProvider) VerifyWebhook(req *telephony.WebhookRequest) bool { return true }

func (m *mockProvider) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func (m *mockProvider) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type fixture struct {
	dialer   *Dialer
	provider *mockProvider
	store    *call.Store
	attempts *compliance.AttemptLog
}

func newFixture(t *testing.T, provider *mockProvider) *fixture {
	t.Helper()
	if provider == nil {
		provider = &mockProvider{}
	}
	tokens, err := streamtoken.NewIssuer("test-secret", 10*time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	store := call.NewStore()
	attempts := compliance.NewAttemptLog()

	d := New(Deps{
		Provider: provider,
		Gate: compliance.NewGate(compliance.Ruleset{
			CallingHoursStart:  0,
			CallingHoursEnd:    24,
			ProhibitedWeekdays: []time.Weekday{},
		}),
		Attempts: attempts,
		Store:    store,
		Tokens:   tokens,
		Breakers: resilience.NewBreakerSet(resilience.BreakerConfig{FailureThreshold: 5}),
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		Rates: cost.DefaultRates(),
		Config: Config{
			PublicURL: "https://voice.example.com",
			Record:    true,
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	return &fixture{dialer: d, provider: provider, store: store, attempts: attempts}
}

func validRequest() call.Request {
	return call.Request{
		RecipientNumber: "+447700900123",
		RecipientName:   "Alex Carter",
		BusinessName:    "Acme Ltd",
		AmountDue:       120.50,
		Currency:        "GBP",
		InvoiceRef:      "INV-42",
		Tone:            call.ToneFirm,
	}
}

func TestStartPlacesCall(t *testing.T) {
	f := newFixture(t, nil)

	handle, err := f.dialer.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if handle.CallID == "" || handle.ProviderCallID != "CA123" {
		t.Errorf("handle = %+v", handle)
	}
	if handle.EstimatedCost.Total <= 0 {
		t.Error("EstimatedCost.Total = 0, want positive estimate")
	}

	rec, err := f.store.Get(handle.CallID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.Status != "queued" || rec.ProviderCallID != "CA123" {
		t.Errorf("record = status %q provider %q", rec.Status, rec.ProviderCallID)
	}
	if !strings.HasPrefix(rec.StreamURL, "wss://voice.example.com/ws/media?token=") {
		t.Errorf("StreamURL = %q", rec.StreamURL)
	}

	if f.attempts.Last("+447700900123") == nil {
		t.Error("attempt not observed after successful placement")
	}

	f.provider.mu.Lock()
	input := f.provider.placed[0]
	f.provider.mu.Unlock()
	if input.RingTimeoutSeconds != 30 || input.TimeLimitSeconds != 120 {
		t.Errorf("input timeouts = %d/%d, want 30/120", input.RingTimeoutSeconds, input.TimeLimitSeconds)
	}
	if !input.Record {
		t.Error("Record = false, want true")
	}
	if !strings.Contains(input.AnswerURL, "call_id="+handle.CallID) {
		t.Errorf("AnswerURL = %q, want call_id query", input.AnswerURL)
	}
}

func TestStartRejectsInvalidRecipient(t *testing.T) {
	f := newFixture(t, nil)

	for _, number := range []string{"", "07700900123", "+0123", "not-a-number", "+44 7700 900123"} {
		req := validRequest()
		req.RecipientNumber = number
		if _, err := f.dialer.Start(context.Background(), req); !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("Start(%q) error = %v, want ErrInvalidRecipient", number, err)
		}
	}
	if f.provider.placedCount() != 0 {
		t.Error("provider called despite invalid recipient")
	}
}

func TestStartComplianceDenialHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)

	req := validRequest()
	req.AmountDue = 10 // below the minimum

	_, err := f.dialer.Start(context.Background(), req)
	var cerr *ComplianceError
	if !errors.As(err, &cerr) {
		t.Fatalf("Start() error = %v, want *ComplianceError", err)
	}
	if cerr.Reason == "" {
		t.Error("ComplianceError.Reason is empty")
	}
	if f.provider.placedCount() != 0 {
		t.Error("provider called despite compliance denial")
	}
	if f.attempts.Last(req.RecipientNumber) != nil {
		t.Error("attempt observed despite compliance denial")
	}
}

func TestStartCooldownBlocksSecondCall(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.dialer.Start(context.Background(), validRequest()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	_, err := f.dialer.Start(context.Background(), validRequest())
	var cerr *ComplianceError
	if !errors.As(err, &cerr) {
		t.Fatalf("second Start() error = %v, want cooldown denial", err)
	}
	if !strings.Contains(cerr.Reason, "contacted within") {
		t.Errorf("Reason = %q, want cooldown mention", cerr.Reason)
	}
}

func TestStartConcurrentSameRecipientPlacesOneCall(t *testing.T) {
	f := newFixture(t, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.dialer.Start(context.Background(), validRequest())
		}(i)
	}
	wg.Wait()

	placed := 0
	for _, err := range errs {
		if err == nil {
			placed++
			continue
		}
		var cerr *ComplianceError
		if !errors.As(err, &cerr) {
			t.Errorf("Start() error = %v, want cooldown denial", err)
		}
	}
	if placed != 1 {
		t.Errorf("%d concurrent starts succeeded, want exactly 1", placed)
	}
	if f.provider.placedCount() != 1 {
		t.Errorf("provider placed %d calls, want 1", f.provider.placedCount())
	}
}

func TestStartRetriesTransientFailures(t *testing.T) {
	provider := &mockProvider{failures: 2}
	f := newFixture(t, provider)

	handle, err := f.dialer.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start() error = %v, want success after retries", err)
	}
	if handle.ProviderCallID != "CA123" {
		t.Errorf("ProviderCallID = %q", handle.ProviderCallID)
	}
}

func TestStartExhaustedRetriesReturnProviderError(t *testing.T) {
	provider := &mockProvider{failures: 10}
	f := newFixture(t, provider)

	_, err := f.dialer.Start(context.Background(), validRequest())
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Start() error = %v, want *ProviderError", err)
	}
	if perr.Dependency != "telephony" {
		t.Errorf("Dependency = %q, want telephony", perr.Dependency)
	}
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Error("last carrier error not preserved in the chain")
	}

	// The failed placement must not start the cooldown.
	if f.attempts.Last("+447700900123") != nil {
		t.Error("attempt observed despite placement failure")
	}
}

func TestStartOpenBreakerFailsFast(t *testing.T) {
	provider := &mockProvider{failures: 1000}
	f := newFixture(t, provider)

	// Exhaust the breaker (threshold 5). Each Start makes up to 3 attempts.
	f.dialer.Start(context.Background(), validRequest())
	f.dialer.Start(context.Background(), validRequest())

	before := provider.attemptCount()
	req := validRequest()
	req.RecipientNumber = "+447700900999"
	_, err := f.dialer.Start(context.Background(), req)
	if !errors.Is(err, resilience.ErrBreakerOpen) {
		t.Fatalf("Start() error = %v, want ErrBreakerOpen in chain", err)
	}
	if provider.attemptCount() != before {
		t.Error("provider reached while breaker open")
	}
}

func TestHangup(t *testing.T) {
	f := newFixture(t, nil)
	handle, err := f.dialer.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := f.dialer.Hangup(context.Background(), handle.CallID); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.hangups) != 1 || f.provider.hangups[0] != "CA123" {
		t.Errorf("hangups = %v", f.provider.hangups)
	}
}

func TestBuildInstructions(t *testing.T) {
	req := validRequest()
	req.DaysOverdue = 14
	req.OfferPayment = true
	got := BuildInstructions(req)

	for _, want := range []string{
		"Acme Ltd",
		"Alex Carter",
		"GBP 120.50",
		"INV-42",
		"14 days overdue",
		"record_payment_promise",
		"record_dispute",
		"payment link",
		"Never threaten",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q", want)
		}
	}

	firm := BuildInstructions(call.Request{BusinessName: "Acme", AmountDue: 60, Tone: call.ToneFirm})
	final := BuildInstructions(call.Request{BusinessName: "Acme", AmountDue: 60, Tone: call.ToneFinal})
	polite := BuildInstructions(call.Request{BusinessName: "Acme", AmountDue: 60})
	if firm == final || firm == polite || final == polite {
		t.Error("tone briefs are not distinct")
	}
}
