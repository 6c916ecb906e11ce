// Package cost estimates the per-call cost of a collection call before it is
// placed. Estimates are indicative: all rates and split assumptions are
// configuration, not measured truths.
package cost

import (
	"math"
	"time"
)

// Rates holds the estimation parameters. Monetary values are in the
// account's billing currency per unit.
type Rates struct {
	// CarrierPerMinute is the outbound voice rate.
	CarrierPerMinute float64 `yaml:"carrier_per_minute" json:"carrier_per_minute"`
	// SMSPerMessage is the price of one confirmation text.
	SMSPerMessage float64 `yaml:"sms_per_message" json:"sms_per_message"`
	// RecordingPerMinute is the call recording surcharge.
	RecordingPerMinute float64 `yaml:"recording_per_minute" json:"recording_per_minute"`
	// EngineInputPerMinute is the speech engine rate for audio it hears.
	EngineInputPerMinute float64 `yaml:"engine_input_per_minute" json:"engine_input_per_minute"`
	// EngineOutputPerMinute is the speech engine rate for audio it speaks.
	EngineOutputPerMinute float64 `yaml:"engine_output_per_minute" json:"engine_output_per_minute"`
	// ListeningShare is the assumed fraction of the call spent listening
	// (the rest is speaking). 0.5 assumes an even conversation.
	ListeningShare float64 `yaml:"listening_share" json:"listening_share"`
	// InCallPaymentSurcharge is added when the call offers in-call payment.
	InCallPaymentSurcharge float64 `yaml:"in_call_payment_surcharge" json:"in_call_payment_surcharge"`
	// AverageCallDuration is the duration assumed when none is given.
	AverageCallDuration time.Duration `yaml:"average_call_duration" json:"average_call_duration"`
}

// DefaultRates returns the stock estimation parameters.
func DefaultRates() Rates {
	return Rates{
		CarrierPerMinute:       0.013,
		SMSPerMessage:          0.04,
		RecordingPerMinute:     0.002,
		EngineInputPerMinute:   0.06,
		EngineOutputPerMinute:  0.24,
		ListeningShare:         0.5,
		InCallPaymentSurcharge: 0.10,
		AverageCallDuration:    3 * time.Minute,
	}
}

// Options selects the cost components of one call.
type Options struct {
	// ConfirmationSMS includes one follow-up text message.
	ConfirmationSMS bool
	// Recording includes the call recording surcharge.
	Recording bool
	// InCallPayment includes the in-call payment surcharge.
	InCallPayment bool
}

// Breakdown itemizes an estimate. All values are rounded to 3 decimal
// places.
type Breakdown struct {
	Minutes       float64 `json:"minutes"`
	Carrier       float64 `json:"carrier"`
	SMS           float64 `json:"sms"`
	Recording     float64 `json:"recording"`
	Engine        float64 `json:"engine"`
	InCallPayment float64 `json:"in_call_payment"`
	Total         float64 `json:"total"`
}

// Estimate computes the indicative cost of a call of duration d. A zero
// duration uses the configured average. Pure: same inputs, same output.
func Estimate(rates Rates, d time.Duration, opts Options) Breakdown {
	if d <= 0 {
		d = rates.AverageCallDuration
		if d <= 0 {
			d = DefaultRates().AverageCallDuration
		}
	}
	minutes := d.Minutes()

	share := rates.ListeningShare
	if share <= 0 || share >= 1 {
		share = 0.5
	}
	engine := minutes * (rates.EngineInputPerMinute*share + rates.EngineOutputPerMinute*(1-share))

	b := Breakdown{
		Minutes: round3(minutes),
		Carrier: round3(minutes * rates.CarrierPerMinute),
		Engine:  round3(engine),
	}
	if opts.ConfirmationSMS {
		b.SMS = round3(rates.SMSPerMessage)
	}
	if opts.Recording {
		b.Recording = round3(minutes * rates.RecordingPerMinute)
	}
	if opts.InCallPayment {
		b.InCallPayment = round3(rates.InCallPaymentSurcharge)
	}
	b.Total = round3(b.Carrier + b.SMS + b.Recording + b.Engine + b.InCallPayment)
	return b
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
