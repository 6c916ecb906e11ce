// Package server exposes the HTTP surface of the call engine: the call API,
// the carrier webhooks, the media-stream WebSocket, and operational
// endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/compliance"
	"github.com/recouphq/voiceagent/internal/config"
	"github.com/recouphq/voiceagent/internal/dialer"
	"github.com/recouphq/voiceagent/internal/observability"
	"github.com/recouphq/voiceagent/internal/outcome"
	"github.com/recouphq/voiceagent/internal/resilience"
	"github.com/recouphq/voiceagent/internal/streamtoken"
	"github.com/recouphq/voiceagent/internal/telephony"
	"github.com/recouphq/voiceagent/internal/tooling"
)

// Server owns the HTTP listener and the collaborators behind each endpoint.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	provider   telephony.Provider
	store      *call.Store
	attempts   *compliance.AttemptLog
	dialer     *dialer.Dialer
	classifier *outcome.Classifier
	registry   *tooling.Registry
	tokens     *streamtoken.Issuer
	breakers   *resilience.BreakerSet
	retry      resilience.RetryConfig
	upgrader   websocket.Upgrader

	httpServer *http.Server
	sweeper    *cron.Cron
}

// New wires a Server from configuration. The provider argument allows tests
// to substitute the carrier; pass nil to construct the real one from
// cfg.Telephony.
func New(cfg *config.Config, provider telephony.Provider, metrics *observability.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	if provider == nil {
		p, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSID: cfg.Telephony.AccountSID,
			AuthToken:  cfg.Telephony.AuthToken,
			FromNumber: cfg.Telephony.FromNumber,
			BaseURL:    cfg.Telephony.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	}

	tokens, err := streamtoken.NewIssuer(cfg.Server.StreamTokenSecret, cfg.Server.StreamTokenTTL)
	if err != nil {
		return nil, err
	}

	store := call.NewStore()
	attempts := compliance.NewAttemptLog()
	classifier := outcome.NewClassifier(cfg.Outcome.Phrases)
	if cfg.Outcome.PhrasesFile != "" {
		phrases, err := config.LoadPhrases(cfg.Outcome.PhrasesFile)
		if err != nil {
			return nil, fmt.Errorf("server: load phrases: %w", err)
		}
		classifier.SetPhrases(phrases)
	}

	registry := tooling.NewRegistry(logger, 0)
	if err := tooling.RegisterBuiltins(registry, tooling.BuiltinConfig{
		Store:               store,
		SMS:                 smsSender{provider: provider, from: cfg.Telephony.FromNumber},
		Logger:              logger,
		SendConfirmationSMS: cfg.Telephony.SendConfirmationSMS,
	}); err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Resilience.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Resilience.Breaker.ResetTimeout,
		OnStateChange:    metrics.BreakerGauge(),
	})
	retry := resilience.RetryConfig{
		MaxAttempts:         cfg.Resilience.Retry.MaxAttempts,
		InitialDelay:        cfg.Resilience.Retry.InitialDelay,
		MaxDelay:            cfg.Resilience.Retry.MaxDelay,
		Multiplier:          cfg.Resilience.Retry.Multiplier,
		JitterFraction:      cfg.Resilience.Retry.JitterFraction,
		RetryableSubstrings: cfg.Resilience.Retry.RetryableSubstrings,
	}

	d := dialer.New(dialer.Deps{
		Provider: provider,
		Gate:     compliance.NewGate(cfg.Compliance),
		Attempts: attempts,
		Store:    store,
		Tokens:   tokens,
		Breakers: breakers,
		Retry:    retry,
		Rates:    cfg.Cost,
		Config:   cfg.Calls,
		Logger:   logger,
	})

	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		provider:   provider,
		store:      store,
		attempts:   attempts,
		dialer:     d,
		classifier: classifier,
		registry:   registry,
		tokens:     tokens,
		breakers:   breakers,
		retry:      retry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /calls", s.instrument("/calls", s.handleStartCall))
	mux.Handle("GET /calls/{id}", s.instrument("/calls/{id}", s.handleGetCall))
	mux.Handle("POST /calls/{id}/hangup", s.instrument("/calls/{id}/hangup", s.handleHangup))
	mux.Handle("POST /estimate", s.instrument("/estimate", s.handleEstimate))

	mux.Handle("POST "+s.cfg.Calls.AnswerPath, s.instrument(s.cfg.Calls.AnswerPath, s.handleVoiceAnswer))
	mux.Handle("POST "+s.cfg.Calls.StatusPath, s.instrument(s.cfg.Calls.StatusPath, s.handleStatusCallback))
	mux.HandleFunc("GET "+s.cfg.Calls.MediaPath, s.handleMediaStream)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Run serves HTTP until ctx is canceled. The periodic record sweep and the
// phrase-file watcher run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.sweeper = cron.New()
	s.sweeper.Schedule(cron.Every(s.cfg.Server.CleanupInterval), cron.FuncJob(s.sweep))
	s.sweeper.Start()

	if s.cfg.Outcome.PhrasesFile != "" {
		go func() {
			if err := config.WatchPhrases(ctx, s.cfg.Outcome.PhrasesFile, s.classifier, s.logger); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("phrase watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("listening", "addr", addr, "public_url", s.cfg.Calls.PublicURL)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.sweeper.Stop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		s.sweeper.Stop()
		return err
	}
}

// sweep drops ended call records past retention and stale cooldown entries.
func (s *Server) sweep() {
	removed := s.store.CleanupEnded(s.cfg.Server.CallRetention)
	pruned := s.attempts.Prune(s.cfg.Compliance.Cooldown)
	if removed > 0 || pruned > 0 {
		s.logger.Debug("sweep", "records_removed", removed, "attempts_pruned", pruned)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": len(s.store.Active()),
	})
}

// smsSender adapts the telephony provider to the tooling SMS interface with
// the configured caller id.
type smsSender struct {
	provider telephony.Provider
	from     string
}

func (s smsSender) SendSMS(ctx context.Context, input *telephony.SendSMSInput) (string, error) {
	if input.From == "" {
		input.From = s.from
	}
	return s.provider.SendSMS(ctx, input)
}
