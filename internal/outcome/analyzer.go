// Package outcome classifies finished calls from their transcript, duration
// and carrier disposition, and recommends the follow-up action.
package outcome

import (
	"strings"
	"sync"
	"time"
)

// Outcome values in classification precedence order.
const (
	OutcomeNoAnswer     = "no_answer"
	OutcomeVoicemail    = "voicemail"
	OutcomePromiseToPay = "promise_to_pay"
	OutcomePaid         = "paid"
	OutcomeDispute      = "dispute"
	OutcomeRefusal      = "refusal"
)

// Sentiment values.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// CallOutcome is the analyzer's verdict for one call.
type CallOutcome struct {
	Outcome               string `json:"outcome"`
	NextAction            string `json:"next_action"`
	Sentiment             string `json:"sentiment"`
	VulnerabilityDetected bool   `json:"vulnerability_detected"`
}

// PhraseConfig holds the phrase lists the classifier scans for. All matching
// is case-insensitive substring search; the lists are configuration, not
// code, so operators can tune them without a release.
type PhraseConfig struct {
	Voicemail     []string `yaml:"voicemail" json:"voicemail"`
	Promise       []string `yaml:"promise" json:"promise"`
	Paid          []string `yaml:"paid" json:"paid"`
	Dispute       []string `yaml:"dispute" json:"dispute"`
	Refusal       []string `yaml:"refusal" json:"refusal"`
	Positive      []string `yaml:"positive" json:"positive"`
	Negative      []string `yaml:"negative" json:"negative"`
	Vulnerability []string `yaml:"vulnerability" json:"vulnerability"`
}

// DefaultPhrases returns the stock phrase lists.
func DefaultPhrases() PhraseConfig {
	return PhraseConfig{
		Voicemail: []string{
			"leave a message", "leave your message", "after the tone",
			"after the beep", "voicemail", "is not available", "mailbox",
		},
		Promise: []string{
			"i'll pay", "i will pay", "i can pay", "promise to pay",
			"send the money", "transfer the money", "pay today",
			"pay tomorrow", "pay it today", "pay it tomorrow",
			"pay by", "pay on",
		},
		Paid: []string{
			"already paid", "i paid", "i've paid", "payment was sent",
			"sent the payment", "paid it last", "cheque is in",
		},
		Dispute: []string{
			"dispute", "don't owe", "do not owe", "never received",
			"wrong amount", "incorrect invoice", "not my invoice",
			"speak to my lawyer", "solicitor",
		},
		Refusal: []string{
			"won't pay", "will not pay", "refuse to pay", "not paying",
			"can't pay", "cannot pay", "no money", "stop calling",
		},
		Positive: []string{
			"thank you", "thanks", "appreciate", "no problem", "of course",
			"happy to", "sure", "sounds good", "understood",
		},
		Negative: []string{
			"angry", "ridiculous", "harassment", "stop calling", "annoyed",
			"unacceptable", "frustrated", "fed up", "leave me alone",
		},
		Vulnerability: []string{
			"hospital", "bereavement", "passed away", "funeral", "redundant",
			"lost my job", "mental health", "can't cope", "cannot cope",
			"universal credit", "carer", "disability", "terminally",
		},
	}
}

// Classifier maps a finished call to a CallOutcome. Phrase lists can be
// swapped at runtime (config hot reload), so access is lock-guarded.
type Classifier struct {
	mu      sync.RWMutex
	phrases PhraseConfig

	// MinAnsweredDuration below which a completed call with an empty
	// transcript counts as unanswered.
	minDuration time.Duration
	// sentimentMargin is the score gap required to leave neutral.
	sentimentMargin int
}

// NewClassifier builds a classifier from the given phrase lists. Empty lists
// fall back to the defaults.
func NewClassifier(phrases PhraseConfig) *Classifier {
	defaults := DefaultPhrases()
	merge := func(got, def []string) []string {
		if len(got) == 0 {
			return def
		}
		return got
	}
	phrases.Voicemail = merge(phrases.Voicemail, defaults.Voicemail)
	phrases.Promise = merge(phrases.Promise, defaults.Promise)
	phrases.Paid = merge(phrases.Paid, defaults.Paid)
	phrases.Dispute = merge(phrases.Dispute, defaults.Dispute)
	phrases.Refusal = merge(phrases.Refusal, defaults.Refusal)
	phrases.Positive = merge(phrases.Positive, defaults.Positive)
	phrases.Negative = merge(phrases.Negative, defaults.Negative)
	phrases.Vulnerability = merge(phrases.Vulnerability, defaults.Vulnerability)

	return &Classifier{
		phrases:         phrases,
		minDuration:     5 * time.Second,
		sentimentMargin: 2,
	}
}

// SetPhrases replaces the phrase lists (config hot reload).
func (c *Classifier) SetPhrases(phrases PhraseConfig) {
	replacement := NewClassifier(phrases)
	c.mu.Lock()
	c.phrases = replacement.phrases
	c.mu.Unlock()
}

// Analyze classifies one finished call. providerStatus is the carrier's
// terminal disposition; transcript is the flattened "speaker: text" text.
func (c *Classifier) Analyze(transcript string, duration time.Duration, providerStatus string) CallOutcome {
	c.mu.RLock()
	phrases := c.phrases
	margin := c.sentimentMargin
	minDur := c.minDuration
	c.mu.RUnlock()

	text := strings.ToLower(transcript)

	out := CallOutcome{Sentiment: sentiment(text, phrases, margin)}

	switch {
	case providerStatus == "no-answer" || providerStatus == "busy" ||
		providerStatus == "failed" || providerStatus == "canceled":
		out.Outcome = OutcomeNoAnswer
	case strings.TrimSpace(transcript) == "" && duration < minDur:
		out.Outcome = OutcomeNoAnswer
	case containsAny(text, phrases.Voicemail):
		out.Outcome = OutcomeVoicemail
	case containsAny(text, phrases.Promise):
		out.Outcome = OutcomePromiseToPay
	case containsAny(text, phrases.Paid):
		out.Outcome = OutcomePaid
	case containsAny(text, phrases.Dispute):
		out.Outcome = OutcomeDispute
	case containsAny(text, phrases.Refusal):
		out.Outcome = OutcomeRefusal
	default:
		out.Outcome = OutcomeNoAnswer
	}

	out.NextAction = nextAction(out.Outcome)

	if containsAny(text, phrases.Vulnerability) {
		out.VulnerabilityDetected = true
		out.NextAction = "escalate for manual review (possible vulnerable customer); " + out.NextAction
	}

	return out
}

func nextAction(outcome string) string {
	switch outcome {
	case OutcomePromiseToPay:
		return "schedule payment reminder for the promised date"
	case OutcomePaid:
		return "verify payment receipt against the ledger"
	case OutcomeDispute:
		return "escalate to the account owner for dispute review"
	case OutcomeRefusal:
		return "escalate to collections for formal follow-up"
	case OutcomeVoicemail:
		return "retry later and send a payment reminder message"
	default:
		return "retry at the next permitted calling window"
	}
}

func sentiment(text string, phrases PhraseConfig, margin int) string {
	pos := countMatches(text, phrases.Positive)
	neg := countMatches(text, phrases.Negative)
	switch {
	case pos-neg >= margin:
		return SentimentPositive
	case neg-pos >= margin:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func countMatches(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			n++
		}
	}
	return n
}
