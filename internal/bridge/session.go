package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/engine"
	"github.com/recouphq/voiceagent/internal/outcome"
	"github.com/recouphq/voiceagent/internal/tooling"
)

// Session states. Transitions are monotonic: a session never moves backward.
const (
	StateAwaitingCarrier = "awaiting_carrier"
	StateAwaitingEngine  = "awaiting_engine"
	StateStreaming       = "streaming"
	StateClosing         = "closing"
	StateClosed          = "closed"
)

// Session errors.
var (
	ErrCarrierClosedEarly = errors.New("bridge: carrier closed before streaming started")
	ErrEngineAckTimeout   = errors.New("bridge: engine did not acknowledge session configuration")
)

// Dispatcher executes tool invocations. Satisfied by *tooling.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, callID, name, rawArgs string) tooling.Result
}

// Metrics receives bridge instrumentation. All methods must be non-blocking.
type Metrics interface {
	FrameRelayed(direction string)
	ToolDispatched(tool string, isError bool)
	SessionState(state string)
}

type noopMetrics struct{}

func (noopMetrics) FrameRelayed(string)         {}
func (noopMetrics) ToolDispatched(string, bool) {}
func (noopMetrics) SessionState(string)         {}

// Config tunes session behavior.
type Config struct {
	// CloseGrace bounds how long teardown waits for the counterpart
	// connection after the first closure.
	CloseGrace time.Duration
	// ToolBacklog is the maximum number of concurrently pending tool
	// invocations; further invocations get an immediate busy result.
	ToolBacklog int
	// EngineAckTimeout bounds the wait for the session configuration ack.
	EngineAckTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.CloseGrace <= 0 {
		c.CloseGrace = 5 * time.Second
	}
	if c.ToolBacklog <= 0 {
		c.ToolBacklog = 8
	}
	if c.EngineAckTimeout <= 0 {
		c.EngineAckTimeout = 10 * time.Second
	}
	return c
}

// SessionDeps wires a session to its collaborators.
type SessionDeps struct {
	CallID  string
	Carrier CarrierConn
	// DialEngine opens the engine connection once the carrier stream has
	// started.
	DialEngine func(ctx context.Context) (engine.Conn, error)
	// EngineOpts configures the engine session (instructions, tools).
	EngineOpts engine.SessionOptions
	Tools      Dispatcher
	Store      *call.Store
	Classifier *outcome.Classifier
	Logger     *slog.Logger
	Metrics    Metrics
	// OnFinished is invoked with the finalized record after teardown.
	OnFinished func(rec call.Record)
}

// Session bridges one live call. All session mutation happens on the Run
// goroutine; the connection readers only feed it.
type Session struct {
	deps SessionDeps
	cfg  Config

	mu       sync.RWMutex
	state    string
	streamID string

	eng engine.Conn
}

// NewSession creates a session in the awaiting-carrier state.
func NewSession(deps SessionDeps, cfg Config) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("call_id", deps.CallID)
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	return &Session{deps: deps, cfg: cfg.normalize(), state: StateAwaitingCarrier}
}

// State returns the current session state.
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.deps.Metrics.SessionState(state)
	s.deps.Logger.Debug("session state", "state", state)
}

// Run drives the session to completion: waits for the carrier start frame,
// connects and configures the engine, relays audio both ways, and tears
// down both connections when either side ends. It always finalizes the call
// record before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.finalize()

	start, err := s.awaitStart()
	if err != nil {
		s.teardown()
		return err
	}

	s.mu.Lock()
	s.streamID = start.StreamID
	s.mu.Unlock()

	now := time.Now()
	_ = s.deps.Store.Update(s.deps.CallID, func(r *call.Record) {
		if r.ProviderCallID == "" {
			r.ProviderCallID = start.ProviderCallID
		}
		if r.AnsweredAt.IsZero() {
			r.AnsweredAt = now
		}
		r.Status = call.StatusInProgress
	})
	s.deps.Logger.Info("carrier stream started",
		"stream_id", start.StreamID,
		"encoding", start.Format.Encoding,
		"sample_rate", start.Format.SampleRate)

	s.setState(StateAwaitingEngine)
	eng, err := s.connectEngine(ctx)
	if err != nil {
		s.teardown()
		return err
	}
	s.eng = eng

	s.setState(StateStreaming)
	err = s.stream(ctx, eng)
	s.teardown()
	return err
}

// awaitStart consumes carrier frames until the start frame arrives.
func (s *Session) awaitStart() (*CarrierMessage, error) {
	for {
		msg, err := s.deps.Carrier.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCarrierClosedEarly, err)
		}
		switch msg.Event {
		case CarrierEventStart:
			return msg, nil
		case CarrierEventStop:
			return nil, ErrCarrierClosedEarly
		}
		// connected and mark frames carry nothing we need yet
	}
}

// connectEngine dials the engine, sends the session configuration, and
// waits for the acknowledgment event.
func (s *Session) connectEngine(ctx context.Context) (engine.Conn, error) {
	eng, err := s.deps.DialEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: engine connect: %w", err)
	}
	if err := eng.ConfigureSession(s.deps.EngineOpts); err != nil {
		eng.Close()
		return nil, fmt.Errorf("bridge: engine session configuration: %w", err)
	}

	ackTimer := time.NewTimer(s.cfg.EngineAckTimeout)
	defer ackTimer.Stop()
	for {
		select {
		case event, ok := <-eng.Events():
			if !ok {
				eng.Close()
				return nil, errors.New("bridge: engine closed during session configuration")
			}
			switch event.Type {
			case engine.EventSessionUpdated:
				return eng, nil
			case engine.EventError:
				eng.Close()
				return nil, fmt.Errorf("bridge: engine rejected session configuration: %s", event.ErrMessage)
			}
		case <-ackTimer.C:
			eng.Close()
			return nil, ErrEngineAckTimeout
		case <-ctx.Done():
			eng.Close()
			return nil, ctx.Err()
		}
	}
}

type toolOutcome struct {
	toolCallID string
	result     tooling.Result
}

// stream is the relay loop. It owns all session mutation; the carrier
// reader goroutine and the engine event stream only feed it.
func (s *Session) stream(ctx context.Context, eng engine.Conn) error {
	done := make(chan struct{})
	defer close(done)

	carrierCh := make(chan *CarrierMessage, 64)
	carrierErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.deps.Carrier.Read()
			if err != nil {
				carrierErr <- err
				return
			}
			select {
			case carrierCh <- msg:
			case <-done:
				return
			}
		}
	}()

	toolResults := make(chan toolOutcome, s.cfg.ToolBacklog)
	inflight := 0

	for {
		select {
		case msg := <-carrierCh:
			switch msg.Event {
			case CarrierEventMedia:
				if msg.Track != "" && msg.Track != "inbound" {
					continue
				}
				if err := eng.AppendAudio(msg.Payload); err != nil {
					s.deps.Logger.Warn("engine write failed", "error", err)
					return fmt.Errorf("bridge: engine connection lost: %w", err)
				}
				s.deps.Metrics.FrameRelayed("caller_to_engine")
			case CarrierEventStop:
				s.deps.Logger.Info("carrier stream stopped")
				return nil
			}

		case err := <-carrierErr:
			s.deps.Logger.Info("carrier connection closed", "error", err)
			return nil

		case event, ok := <-eng.Events():
			if !ok {
				s.deps.Logger.Info("engine connection closed")
				return nil
			}
			if err := s.handleEngineEvent(ctx, eng, event, toolResults, &inflight); err != nil {
				return err
			}

		case res := <-toolResults:
			inflight--
			if err := eng.SendToolResult(res.toolCallID, res.result.Content); err != nil {
				s.deps.Logger.Warn("tool result delivery failed", "error", err)
				continue
			}
			if err := eng.CreateResponse(); err != nil {
				s.deps.Logger.Warn("response request failed", "error", err)
			}

		case <-ctx.Done():
			s.deps.Logger.Info("session canceled")
			return nil
		}
	}
}

func (s *Session) handleEngineEvent(ctx context.Context, eng engine.Conn, event engine.Event, toolResults chan toolOutcome, inflight *int) error {
	switch event.Type {
	case engine.EventAudioDelta:
		s.mu.RLock()
		streamID := s.streamID
		s.mu.RUnlock()
		if err := s.deps.Carrier.WriteMedia(streamID, event.AudioDelta); err != nil {
			s.deps.Logger.Warn("carrier write failed", "error", err)
			return fmt.Errorf("bridge: carrier connection lost: %w", err)
		}
		s.deps.Metrics.FrameRelayed("engine_to_caller")

	case engine.EventSpeechStarted:
		// Caller barge-in: drop queued engine audio at the carrier.
		s.mu.RLock()
		streamID := s.streamID
		s.mu.RUnlock()
		if err := s.deps.Carrier.WriteClear(streamID); err != nil {
			s.deps.Logger.Warn("carrier clear failed", "error", err)
		}

	case engine.EventInputTranscriptionDone:
		s.appendTranscript(call.SpeakerUser, event.Transcript)

	case engine.EventAudioTranscriptDone:
		s.appendTranscript(call.SpeakerAssistant, event.Transcript)

	case engine.EventToolCallDone:
		if *inflight >= s.cfg.ToolBacklog {
			s.deps.Logger.Warn("tool backlog full, rejecting invocation", "tool", event.ToolName)
			if err := eng.SendToolResult(event.ToolCallID, "The system is busy, please continue the conversation."); err != nil {
				s.deps.Logger.Warn("busy result delivery failed", "error", err)
				return nil
			}
			// Prompt a spoken reply; otherwise the engine stays silent
			// until the caller speaks again.
			if err := eng.CreateResponse(); err != nil {
				s.deps.Logger.Warn("response request failed", "error", err)
			}
			return nil
		}
		*inflight++
		go func(e engine.Event) {
			result := s.deps.Tools.Dispatch(ctx, s.deps.CallID, e.ToolName, e.ToolArgs)
			s.deps.Metrics.ToolDispatched(e.ToolName, result.IsError)
			toolResults <- toolOutcome{toolCallID: e.ToolCallID, result: result}
		}(event)

	case engine.EventError:
		// Engine-reported errors are conversational noise unless the
		// connection itself drops.
		s.deps.Logger.Warn("engine error event", "message", event.ErrMessage)
	}
	return nil
}

func (s *Session) appendTranscript(speaker, text string) {
	if text == "" {
		return
	}
	err := s.deps.Store.AppendTranscript(s.deps.CallID, call.TranscriptEntry{
		Timestamp: time.Now(),
		Speaker:   speaker,
		Text:      text,
	})
	if err != nil {
		s.deps.Logger.Warn("transcript append failed", "error", err)
	}
}

// teardown closes both connections. The first call wins; the grace period
// is honored by the connection close handshakes themselves, both Close
// implementations being idempotent and prompt.
func (s *Session) teardown() {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosing)

	deadline := time.Now().Add(s.cfg.CloseGrace)
	if err := s.deps.Carrier.Close(); err != nil {
		s.deps.Logger.Debug("carrier close", "error", err)
	}
	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			s.deps.Logger.Debug("engine close", "error", err)
		}
		// Drain remaining engine events so the reader goroutine exits.
		for {
			select {
			case _, ok := <-s.eng.Events():
				if !ok {
					s.setState(StateClosed)
					return
				}
			case <-time.After(time.Until(deadline)):
				s.deps.Logger.Warn("engine event stream did not drain within grace period")
				s.setState(StateClosed)
				return
			}
		}
	}
	s.setState(StateClosed)
}

// finalize stamps the record terminal and classifies the outcome.
func (s *Session) finalize() {
	now := time.Now()
	_ = s.deps.Store.Update(s.deps.CallID, func(r *call.Record) {
		if r.EndedAt.IsZero() {
			r.EndedAt = now
		}
		if !call.IsTerminalStatus(r.Status) {
			r.Status = call.StatusCompleted
		}
	})

	rec, err := s.deps.Store.Get(s.deps.CallID)
	if err != nil {
		s.deps.Logger.Error("finalize: record missing", "error", err)
		return
	}

	if s.deps.Classifier != nil {
		verdict := s.deps.Classifier.Analyze(rec.TranscriptText(), rec.Duration(), rec.Status)
		_ = s.deps.Store.Update(s.deps.CallID, func(r *call.Record) {
			r.Outcome = &verdict
		})
		rec.Outcome = &verdict
		s.deps.Logger.Info("call finalized",
			"outcome", verdict.Outcome,
			"sentiment", verdict.Sentiment,
			"vulnerability", verdict.VulnerabilityDetected,
			"duration", rec.Duration())
	}

	if s.deps.OnFinished != nil {
		s.deps.OnFinished(rec)
	}
}
