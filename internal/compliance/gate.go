// Package compliance implements the pre-call compliance gate. The gate is a
// pure predicate: it never performs I/O and never mutates shared state, so
// it can be evaluated anywhere a call is about to be placed.
package compliance

import (
	"fmt"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
)

// Ruleset holds the active contact rules. Zero values are replaced by the
// regulatory defaults in Normalize.
type Ruleset struct {
	// CallingHoursStart is the first permitted hour of day (local time).
	CallingHoursStart int `yaml:"calling_hours_start" json:"calling_hours_start"`
	// CallingHoursEnd is the first prohibited hour of day.
	CallingHoursEnd int `yaml:"calling_hours_end" json:"calling_hours_end"`
	// ProhibitedWeekdays lists days on which no calls are placed.
	ProhibitedWeekdays []time.Weekday `yaml:"prohibited_weekdays" json:"prohibited_weekdays"`
	// MinimumAmount is the smallest debt worth an automated call.
	MinimumAmount float64 `yaml:"minimum_amount" json:"minimum_amount"`
	// Cooldown is the minimum gap between attempts to the same recipient.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// DefaultRuleset returns the stock contact rules: 08:00-21:00, no Sundays,
// minimum amount 50, 24h cooldown.
func DefaultRuleset() Ruleset {
	return Ruleset{
		CallingHoursStart:  8,
		CallingHoursEnd:    21,
		ProhibitedWeekdays: []time.Weekday{time.Sunday},
		MinimumAmount:      50,
		Cooldown:           24 * time.Hour,
	}
}

// Normalize fills unset fields with defaults.
func (r Ruleset) Normalize() Ruleset {
	def := DefaultRuleset()
	if r.CallingHoursStart == 0 && r.CallingHoursEnd == 0 {
		r.CallingHoursStart = def.CallingHoursStart
		r.CallingHoursEnd = def.CallingHoursEnd
	}
	if r.ProhibitedWeekdays == nil {
		r.ProhibitedWeekdays = def.ProhibitedWeekdays
	}
	if r.MinimumAmount == 0 {
		r.MinimumAmount = def.MinimumAmount
	}
	if r.Cooldown == 0 {
		r.Cooldown = def.Cooldown
	}
	return r
}

// Decision is the gate's verdict. Reason is set only on denial and names the
// violated rule in human-readable form.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate evaluates contact rules against call requests.
type Gate struct {
	rules Ruleset
}

// NewGate creates a gate with the given rules.
func NewGate(rules Ruleset) *Gate {
	return &Gate{rules: rules.Normalize()}
}

// Rules returns the normalized active ruleset.
func (g *Gate) Rules() Ruleset { return g.rules }

// Check evaluates the rules in fixed order: time of day, day of week,
// minimum amount, cooldown. The first violation wins. lastAttempt is the
// most recent prior attempt to the same recipient, nil when there is none.
func (g *Gate) Check(req call.Request, now time.Time, lastAttempt *time.Time) Decision {
	hour := now.Hour()
	if hour < g.rules.CallingHoursStart || hour >= g.rules.CallingHoursEnd {
		return deny("outside permitted calling hours (%02d:00-%02d:00)",
			g.rules.CallingHoursStart, g.rules.CallingHoursEnd)
	}

	for _, day := range g.rules.ProhibitedWeekdays {
		if now.Weekday() == day {
			return deny("calls are not permitted on %s", day)
		}
	}

	if req.AmountDue < g.rules.MinimumAmount {
		return deny("amount due %.2f is below the minimum %.2f for automated calls",
			req.AmountDue, g.rules.MinimumAmount)
	}

	if lastAttempt != nil && now.Sub(*lastAttempt) < g.rules.Cooldown {
		next := lastAttempt.Add(g.rules.Cooldown)
		return deny("recipient was contacted within the last %s; next attempt allowed at %s",
			g.rules.Cooldown, next.Format(time.RFC3339))
	}

	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}
