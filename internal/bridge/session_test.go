package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/engine"
	"github.com/recouphq/voiceagent/internal/outcome"
	"github.com/recouphq/voiceagent/internal/tooling"
)

type fakeCarrier struct {
	in     chan *CarrierMessage
	closed chan struct{}

	mu     sync.Mutex
	media  []string
	clears int

	closeOnce sync.Once
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		in:     make(chan *CarrierMessage, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeCarrier) Read() (*CarrierMessage, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeCarrier) WriteMedia(streamID, payload string) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeCarrier) WriteClear(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeCarrier) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeCarrier) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeCarrier) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

func (f *fakeCarrier) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

type sentToolResult struct {
	toolCallID string
	output     string
}

type fakeEngine struct {
	events chan engine.Event

	mu          sync.Mutex
	audio       []string
	toolResults []sentToolResult
	responses   int
	configured  *engine.SessionOptions
	ack         bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeEngine(ack bool) *fakeEngine {
	return &fakeEngine{
		events: make(chan engine.Event, 32),
		ack:    ack,
		closed: make(chan struct{}),
	}
}

func (f *fakeEngine) ConfigureSession(opts engine.SessionOptions) error {
	f.mu.Lock()
	f.configured = &opts
	f.mu.Unlock()
	if f.ack {
		f.events <- engine.Event{Type: engine.EventSessionUpdated}
	}
	return nil
}

func (f *fakeEngine) AppendAudio(b64 string) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, b64)
	return nil
}

func (f *fakeEngine) CommitAudio() error { return nil }

func (f *fakeEngine) SendToolResult(toolCallID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResults = append(f.toolResults, sentToolResult{toolCallID, output})
	return nil
}

func (f *fakeEngine) CreateResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeEngine) Events() <-chan engine.Event { return f.events }

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.events)
	})
	return nil
}

func (f *fakeEngine) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeEngine) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeEngine) sentResults() []sentToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentToolResult, len(f.toolResults))
	copy(out, f.toolResults)
	return out
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(name, args string) tooling.Result
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, callID, name, rawArgs string) tooling.Result {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(name, rawArgs)
	}
	return tooling.Result{Content: "ok"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sessionFixture struct {
	session *Session
	carrier *fakeCarrier
	eng     *fakeEngine
	store   *call.Store
	done    chan error
}

func startSession(t *testing.T, cfg Config, dispatcher Dispatcher) *sessionFixture {
	t.Helper()

	carrier := newFakeCarrier()
	eng := newFakeEngine(true)
	store := call.NewStore()
	store.Save(&call.Record{
		ID:        "call-1",
		Status:    call.StatusInitiated,
		CreatedAt: time.Now(),
		Request: call.Request{
			RecipientNumber: "+447700900123",
			BusinessName:    "Acme Ltd",
			AmountDue:       120.50,
		},
	})

	if dispatcher == nil {
		dispatcher = &fakeDispatcher{}
	}

	s := NewSession(SessionDeps{
		CallID:     "call-1",
		Carrier:    carrier,
		DialEngine: func(ctx context.Context) (engine.Conn, error) { return eng, nil },
		Tools:      dispatcher,
		Store:      store,
		Classifier: outcome.NewClassifier(outcome.PhraseConfig{}),
		Logger:     slog.New(slog.DiscardHandler),
	}, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	return &sessionFixture{session: s, carrier: carrier, eng: eng, store: store, done: done}
}

func (f *sessionFixture) sendStart() {
	f.carrier.in <- &CarrierMessage{
		Event:          CarrierEventStart,
		StreamID:       "MZ123",
		ProviderCallID: "CA123",
		Format:         MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
	}
}

func (f *sessionFixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionHappyPath(t *testing.T) {
	f := startSession(t, Config{}, nil)

	f.carrier.in <- &CarrierMessage{Event: CarrierEventConnected}
	f.sendStart()

	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	// Caller audio flows to the engine verbatim.
	f.carrier.in <- &CarrierMessage{Event: CarrierEventMedia, Payload: "chunk-1", Track: "inbound"}
	f.carrier.in <- &CarrierMessage{Event: CarrierEventMedia, Payload: "chunk-2"}
	waitFor(t, "caller audio relayed", func() bool { return f.eng.audioCount() == 2 })

	// Engine audio flows back to the caller.
	f.eng.events <- engine.Event{Type: engine.EventAudioDelta, AudioDelta: "reply-1"}
	waitFor(t, "engine audio relayed", func() bool { return f.carrier.mediaCount() == 1 })

	// Final transcripts land in the record.
	f.eng.events <- engine.Event{Type: engine.EventInputTranscriptionDone, Transcript: "I will pay on friday"}
	f.eng.events <- engine.Event{Type: engine.EventAudioTranscriptDone, Transcript: "Thank you, noting that down."}
	waitFor(t, "transcript recorded", func() bool {
		rec, _ := f.store.Get("call-1")
		return len(rec.Transcript) == 2
	})

	f.carrier.in <- &CarrierMessage{Event: CarrierEventStop}
	if err := f.wait(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.session.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
	if !f.carrier.isClosed() || !f.eng.isClosed() {
		t.Error("connections leaked after session end")
	}

	rec, err := f.store.Get("call-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != call.StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.ProviderCallID != "CA123" {
		t.Errorf("ProviderCallID = %q", rec.ProviderCallID)
	}
	if rec.EndedAt.IsZero() || rec.AnsweredAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	if rec.Outcome == nil {
		t.Fatal("Outcome = nil, want classification")
	}
	if rec.Outcome.Outcome != outcome.OutcomePromiseToPay {
		t.Errorf("Outcome = %q, want promise_to_pay", rec.Outcome.Outcome)
	}
}

func TestSessionToolDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{fn: func(name, args string) tooling.Result {
		return tooling.Result{Content: "Payment promise recorded."}
	}}
	f := startSession(t, Config{}, dispatcher)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.eng.events <- engine.Event{
		Type:       engine.EventToolCallDone,
		ToolName:   "record_payment_promise",
		ToolCallID: "tc_1",
		ToolArgs:   `{"promise_date":"2026-09-01"}`,
	}

	waitFor(t, "tool result returned to engine", func() bool { return len(f.eng.sentResults()) == 1 })
	results := f.eng.sentResults()
	if results[0].toolCallID != "tc_1" || results[0].output != "Payment promise recorded." {
		t.Errorf("tool result = %+v", results[0])
	}
	waitFor(t, "follow-up response requested", func() bool {
		f.eng.mu.Lock()
		defer f.eng.mu.Unlock()
		return f.eng.responses == 1
	})

	// Audio keeps flowing after the tool round-trip.
	f.carrier.in <- &CarrierMessage{Event: CarrierEventMedia, Payload: "chunk-3"}
	waitFor(t, "audio after tool call", func() bool { return f.eng.audioCount() == 1 })

	f.carrier.in <- &CarrierMessage{Event: CarrierEventStop}
	f.wait(t)
}

func TestSessionBargeInClearsCarrierBuffer(t *testing.T) {
	f := startSession(t, Config{}, nil)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.eng.events <- engine.Event{Type: engine.EventSpeechStarted}
	waitFor(t, "clear frame sent", func() bool { return f.carrier.clearCount() == 1 })

	f.carrier.in <- &CarrierMessage{Event: CarrierEventStop}
	f.wait(t)
}

func TestSessionOutboundTrackNotForwarded(t *testing.T) {
	f := startSession(t, Config{}, nil)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.carrier.in <- &CarrierMessage{Event: CarrierEventMedia, Payload: "echo", Track: "outbound"}
	f.carrier.in <- &CarrierMessage{Event: CarrierEventMedia, Payload: "voice", Track: "inbound"}
	waitFor(t, "inbound relayed", func() bool { return f.eng.audioCount() == 1 })

	f.eng.mu.Lock()
	got := f.eng.audio[0]
	f.eng.mu.Unlock()
	if got != "voice" {
		t.Errorf("relayed payload = %q, want the inbound track only", got)
	}

	f.carrier.in <- &CarrierMessage{Event: CarrierEventStop}
	f.wait(t)
}

func TestSessionCarrierDisconnectMidStream(t *testing.T) {
	f := startSession(t, Config{}, nil)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.carrier.Close()
	if err := f.wait(t); err != nil {
		t.Fatalf("Run() error = %v, want nil on carrier disconnect", err)
	}
	if !f.eng.isClosed() {
		t.Error("engine connection leaked after carrier disconnect")
	}
	rec, _ := f.store.Get("call-1")
	if rec.Outcome == nil {
		t.Error("record not finalized after carrier disconnect")
	}
}

func TestSessionEngineDisconnectMidStream(t *testing.T) {
	f := startSession(t, Config{}, nil)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.eng.Close()
	if err := f.wait(t); err != nil {
		t.Fatalf("Run() error = %v, want nil on engine disconnect", err)
	}
	if !f.carrier.isClosed() {
		t.Error("carrier connection leaked after engine disconnect")
	}
}

func TestSessionCarrierClosesBeforeStart(t *testing.T) {
	f := startSession(t, Config{}, nil)
	f.carrier.Close()

	err := f.wait(t)
	if !errors.Is(err, ErrCarrierClosedEarly) {
		t.Fatalf("Run() error = %v, want ErrCarrierClosedEarly", err)
	}
	if got := f.session.State(); got != StateClosed {
		t.Errorf("State() = %q, want closed", got)
	}
}

func TestSessionEngineAckTimeout(t *testing.T) {
	carrier := newFakeCarrier()
	eng := newFakeEngine(false) // never acknowledges session.update
	store := call.NewStore()
	store.Save(&call.Record{ID: "call-1", Status: call.StatusInitiated, CreatedAt: time.Now()})

	s := NewSession(SessionDeps{
		CallID:     "call-1",
		Carrier:    carrier,
		DialEngine: func(ctx context.Context) (engine.Conn, error) { return eng, nil },
		Tools:      &fakeDispatcher{},
		Store:      store,
		Logger:     slog.New(slog.DiscardHandler),
	}, Config{EngineAckTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	carrier.in <- &CarrierMessage{
		Event:    CarrierEventStart,
		StreamID: "MZ123",
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrEngineAckTimeout) {
			t.Fatalf("Run() error = %v, want ErrEngineAckTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	if !carrier.isClosed() {
		t.Error("carrier connection leaked after engine ack timeout")
	}
}

func TestSessionToolBacklogBusy(t *testing.T) {
	block := make(chan struct{})
	dispatcher := &fakeDispatcher{fn: func(name, args string) tooling.Result {
		<-block
		return tooling.Result{Content: "done"}
	}}
	f := startSession(t, Config{ToolBacklog: 1}, dispatcher)
	f.sendStart()
	waitFor(t, "streaming state", func() bool { return f.session.State() == StateStreaming })

	f.eng.events <- engine.Event{Type: engine.EventToolCallDone, ToolName: "record_dispute", ToolCallID: "tc_1", ToolArgs: "{}"}
	f.eng.events <- engine.Event{Type: engine.EventToolCallDone, ToolName: "record_dispute", ToolCallID: "tc_2", ToolArgs: "{}"}

	// The second invocation exceeds the backlog and gets a busy result
	// while the first is still running.
	waitFor(t, "busy result", func() bool {
		for _, r := range f.eng.sentResults() {
			if r.toolCallID == "tc_2" {
				return true
			}
		}
		return false
	})

	// The busy result must be followed by a response request, or the
	// engine sits silent until the caller speaks again.
	waitFor(t, "busy response request", func() bool { return f.eng.responses >= 1 })

	close(block)
	waitFor(t, "first tool completes", func() bool {
		for _, r := range f.eng.sentResults() {
			if r.toolCallID == "tc_1" && r.output == "done" {
				return true
			}
		}
		return false
	})

	f.carrier.in <- &CarrierMessage{Event: CarrierEventStop}
	f.wait(t)
}
