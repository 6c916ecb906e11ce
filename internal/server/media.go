package server

import (
	"context"
	"net/http"

	"github.com/recouphq/voiceagent/internal/bridge"
	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/engine"
	"github.com/recouphq/voiceagent/internal/observability"
	"github.com/recouphq/voiceagent/internal/resilience"
)

// handleMediaStream accepts the carrier's media WebSocket and runs the audio
// bridge for the call identified by the stream token.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Parse(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("media stream rejected", "error", err)
		http.Error(w, "invalid stream token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := s.logger.With("call_id", claims.CallID)
	engineCfg := s.cfg.Engine.Normalize()

	session := bridge.NewSession(bridge.SessionDeps{
		CallID:  claims.CallID,
		Carrier: bridge.NewCarrierConn(conn, logger),
		DialEngine: func(ctx context.Context) (engine.Conn, error) {
			breaker := s.breakers.Get("engine")
			client, err := resilience.RetryWithValue(ctx, s.retry, func(ctx context.Context) (*engine.Client, error) {
				return resilience.ExecuteWithValue(ctx, breaker, func(ctx context.Context) (*engine.Client, error) {
					return engine.Dial(ctx, engineCfg, logger)
				})
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		EngineOpts: engine.SessionOptions{
			Instructions:       claims.Instructions,
			Voice:              engineCfg.Voice,
			Codec:              claims.Codec,
			TranscriptionModel: engineCfg.TranscriptionModel,
			VAD:                engineCfg.VAD,
			Tools:              s.registry.Definitions(),
		},
		Tools:      s.registry,
		Store:      s.store,
		Classifier: s.classifier,
		Logger:     logger,
		Metrics:    observability.BridgeMetrics{M: s.metrics},
		OnFinished: func(rec call.Record) {
			s.metrics.ActiveCalls.Dec()
			if rec.Outcome != nil {
				s.metrics.CallsCompleted.WithLabelValues(rec.Outcome.Outcome).Inc()
			}
			if d := rec.Duration(); d > 0 {
				s.metrics.CallDuration.Observe(d.Seconds())
			}
		},
	}, bridge.Config{})

	s.metrics.ActiveCalls.Inc()
	if err := session.Run(r.Context()); err != nil {
		logger.Error("bridge session ended with error", "error", err)
	}
}
