// Package call defines the shared call domain model: the outbound call
// request, the per-call record, and the in-memory store that tracks live and
// recently ended calls.
package call

import (
	"time"

	"github.com/recouphq/voiceagent/internal/outcome"
)

// Tone selects the register of the collection conversation.
type Tone string

const (
	TonePolite Tone = "polite"
	ToneFirm   Tone = "firm"
	ToneFinal  Tone = "final"
)

// Status values reported by the carrier for an outbound call.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether a carrier status ends the call.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// Request describes one outbound collection call.
type Request struct {
	RecipientNumber string  `json:"recipient_number"`
	RecipientName   string  `json:"recipient_name"`
	BusinessName    string  `json:"business_name"`
	AmountDue       float64 `json:"amount_due"`
	Currency        string  `json:"currency"`
	InvoiceRef      string  `json:"invoice_ref,omitempty"`
	DaysOverdue     int     `json:"days_overdue,omitempty"`
	Tone            Tone    `json:"tone,omitempty"`
	OfferPayment    bool    `json:"offer_payment,omitempty"`
}

// Speaker identifies who produced a transcript entry.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// TranscriptEntry is one utterance in the call transcript.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
}

// Record is the full state of one call, live or ended.
type Record struct {
	ID             string            `json:"id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Request        Request           `json:"request"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	AnsweredAt     time.Time         `json:"answered_at,omitempty"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`

	// Tool-recorded facts from the conversation.
	PromisedDate   string  `json:"promised_date,omitempty"`
	PromisedAmount float64 `json:"promised_amount,omitempty"`
	DisputeReason  string  `json:"dispute_reason,omitempty"`

	Outcome       *outcome.CallOutcome `json:"outcome,omitempty"`
	EstimatedCost float64              `json:"estimated_cost,omitempty"`

	// StreamURL is the signed media-stream target handed to the carrier
	// when the call is answered. Never serialized.
	StreamURL string `json:"-"`
}

// Duration returns the answered-to-ended span, zero if never answered.
func (r *Record) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}

// TranscriptText flattens the transcript into the "speaker: text" lines the
// outcome analyzer scans.
func (r *Record) TranscriptText() string {
	out := make([]byte, 0, 256)
	for i, e := range r.Transcript {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, e.Speaker...)
		out = append(out, ':', ' ')
		out = append(out, e.Text...)
	}
	return string(out)
}
