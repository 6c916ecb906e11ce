package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/cost"
	"github.com/recouphq/voiceagent/internal/dialer"
	"github.com/recouphq/voiceagent/internal/resilience"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// handleStartCall places an outbound collection call.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req call.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.CallsStarted.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	handle, err := s.dialer.Start(r.Context(), req)
	if err != nil {
		var compErr *dialer.ComplianceError
		var provErr *dialer.ProviderError
		switch {
		case errors.Is(err, dialer.ErrInvalidRecipient):
			s.metrics.CallsStarted.WithLabelValues("invalid").Inc()
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipient number must be E.164"})
		case errors.As(err, &compErr):
			s.metrics.CallsStarted.WithLabelValues("compliance_denied").Inc()
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "call not permitted", Reason: compErr.Reason})
		case errors.As(err, &provErr):
			s.metrics.CallsStarted.WithLabelValues("provider_error").Inc()
			status := http.StatusBadGateway
			if errors.Is(err, resilience.ErrBreakerOpen) {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, errorResponse{Error: "carrier unavailable"})
		default:
			s.metrics.CallsStarted.WithLabelValues("provider_error").Inc()
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "call placement failed"})
		}
		return
	}

	s.metrics.CallsStarted.WithLabelValues("placed").Inc()
	s.metrics.EstimatedCost.Add(handle.EstimatedCost.Total)
	writeJSON(w, http.StatusCreated, handle)
}

// handleGetCall returns the full call record, transcript and outcome
// included. Live calls are refreshed against the carrier first, so the
// endpoint stays accurate between status callbacks.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dialer.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "call not found"})
			return
		}
		// Carrier unreachable; serve the last stored view.
		s.logger.Warn("carrier status refresh failed", "call_id", rec.ID, "error", err)
	}
	if call.IsTerminalStatus(rec.Status) && rec.Outcome == nil {
		s.finalize(rec.ID, rec.Status)
		if fresh, err := s.store.Get(rec.ID); err == nil {
			rec = fresh
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleHangup ends an in-progress call.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.dialer.Hangup(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, call.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "call not found"})
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "hangup failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "hangup requested"})
}

type estimateRequest struct {
	DurationSeconds int  `json:"duration_seconds,omitempty"`
	ConfirmationSMS bool `json:"confirmation_sms"`
	Recording       bool `json:"recording"`
	InCallPayment   bool `json:"in_call_payment"`
}

// handleEstimate prices a hypothetical call without placing one.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	breakdown := cost.Estimate(s.cfg.Cost, time.Duration(req.DurationSeconds)*time.Second, cost.Options{
		ConfirmationSMS: req.ConfirmationSMS,
		Recording:       req.Recording,
		InCallPayment:   req.InCallPayment,
	})
	writeJSON(w, http.StatusOK, breakdown)
}
