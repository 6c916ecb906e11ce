package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/telephony"
)

// verifyWebhook reconstructs the public URL the carrier signed and checks
// the signature header. The reconstruction uses the configured public URL
// because the service usually sits behind a proxy.
func (s *Server) verifyWebhook(r *http.Request, name string) bool {
	if err := r.ParseForm(); err != nil {
		return false
	}
	signedURL := strings.TrimRight(s.cfg.Calls.PublicURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		signedURL += "?" + r.URL.RawQuery
	}
	ok := s.provider.VerifyWebhook(&telephony.WebhookRequest{
		URL:       signedURL,
		Signature: r.Header.Get("X-Twilio-Signature"),
		Form:      r.PostForm,
	})
	if !ok {
		s.metrics.WebhookSignatureFailures.WithLabelValues(name).Inc()
		s.logger.Warn("webhook signature rejected", "webhook", name, "path", r.URL.Path)
	}
	return ok
}

// handleVoiceAnswer is hit when the recipient picks up. It responds with
// the instruction that bridges the call audio onto the media WebSocket.
func (s *Server) handleVoiceAnswer(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(r, "voice") {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callID := r.URL.Query().Get("call_id")
	rec, err := s.store.Get(callID)
	if err != nil || rec.StreamURL == "" {
		s.logger.Error("answer webhook for unknown call", "call_id", callID)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(telephony.EmptyTwiML()))
		return
	}

	// Answering-machine detection: hang up on voicemail rather than
	// leaving the agent talking to a greeting recording.
	if answeredBy := r.PostForm.Get("AnsweredBy"); strings.HasPrefix(answeredBy, "machine") {
		s.logger.Info("voicemail detected, skipping bridge", "call_id", callID, "answered_by", answeredBy)
		_ = s.store.Update(callID, func(rec *call.Record) {
			rec.Status = call.StatusCompleted
		})
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(telephony.EmptyTwiML()))
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(telephony.ConnectStreamTwiML(rec.StreamURL)))
}

// handleStatusCallback tracks the carrier's call lifecycle events and
// finalizes calls that ended without ever reaching the bridge.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(r, "status") {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callID := r.URL.Query().Get("call_id")
	status := r.PostForm.Get("CallStatus")
	providerCallID := r.PostForm.Get("CallSid")

	rec, err := s.store.Get(callID)
	if err != nil && providerCallID != "" {
		// Some carrier events arrive without our call_id query param;
		// fall back to the carrier's call sid.
		if byProvider, provErr := s.store.GetByProviderID(providerCallID); provErr == nil {
			rec, err = byProvider, nil
			callID = rec.ID
		}
	}
	if err != nil {
		s.logger.Warn("status callback for unknown call", "call_id", callID, "status", status)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.Info("call status", "call_id", callID, "status", status)

	alreadyFinal := rec.Outcome != nil
	updateErr := s.store.Update(callID, func(rec *call.Record) {
		if rec.ProviderCallID == "" {
			rec.ProviderCallID = providerCallID
		}
		// The bridge owns the record once streaming starts; later
		// callbacks only fill gaps.
		if rec.Outcome == nil && status != "" {
			rec.Status = status
		}
		if status == call.StatusInProgress && rec.AnsweredAt.IsZero() {
			rec.AnsweredAt = time.Now()
		}
		if call.IsTerminalStatus(status) && rec.EndedAt.IsZero() {
			rec.EndedAt = time.Now()
			if d := r.PostForm.Get("CallDuration"); d != "" && rec.AnsweredAt.IsZero() {
				if secs, err := strconv.Atoi(d); err == nil && secs > 0 {
					rec.AnsweredAt = rec.EndedAt.Add(-time.Duration(secs) * time.Second)
				}
			}
		}
	})
	if updateErr != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Calls the bridge never finalized (unanswered, busy, failed) still
	// get a classified outcome.
	if call.IsTerminalStatus(status) && !alreadyFinal {
		s.finalize(callID, status)
	}

	w.WriteHeader(http.StatusOK)
}

// finalize classifies a terminal call that never got an outcome from the
// bridge.
func (s *Server) finalize(callID, status string) {
	rec, err := s.store.Get(callID)
	if err != nil || rec.Outcome != nil {
		return
	}
	verdict := s.classifier.Analyze(rec.TranscriptText(), rec.Duration(), status)
	_ = s.store.Update(callID, func(rec *call.Record) {
		if rec.Outcome == nil {
			rec.Outcome = &verdict
		}
	})
	s.metrics.CallsCompleted.WithLabelValues(verdict.Outcome).Inc()
}
