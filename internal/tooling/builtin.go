package tooling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/telephony"
)

// SMSSender is the slice of the carrier the promise tool needs for the
// confirmation text.
type SMSSender interface {
	SendSMS(ctx context.Context, input *telephony.SendSMSInput) (string, error)
}

const recordPaymentPromiseSchema = `{
  "type": "object",
  "properties": {
    "promise_date": {
      "type": "string",
      "description": "The date the customer promised to pay, YYYY-MM-DD",
      "pattern": "^\\d{4}-\\d{2}-\\d{2}$"
    },
    "amount": {
      "type": "number",
      "description": "The amount the customer promised to pay"
    },
    "notes": {
      "type": "string",
      "description": "Anything else the customer said about the payment"
    }
  },
  "required": ["promise_date"],
  "additionalProperties": false
}`

const recordDisputeSchema = `{
  "type": "object",
  "properties": {
    "reason": {
      "type": "string",
      "description": "The customer's stated reason for disputing the invoice"
    }
  },
  "required": ["reason"],
  "additionalProperties": false
}`

// BuiltinConfig wires the built-in tools to their collaborators.
type BuiltinConfig struct {
	Store  *call.Store
	SMS    SMSSender
	Logger *slog.Logger
	// SendConfirmationSMS enables the payment-promise confirmation text.
	SendConfirmationSMS bool
}

// RegisterBuiltins registers the closed tool set: record_payment_promise and
// record_dispute.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	promise := Tool{
		Name:        "record_payment_promise",
		Description: "Record that the customer promised to pay, including the date they committed to.",
		Schema:      recordPaymentPromiseSchema,
		Handler: func(ctx context.Context, callID string, args map[string]any) (string, error) {
			dateStr, _ := args["promise_date"].(string)
			promised, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				return "", fmt.Errorf("promise_date %q is not a valid date", dateStr)
			}

			amount, _ := args["amount"].(float64)
			notes, _ := args["notes"].(string)

			var rec call.Record
			updateErr := cfg.Store.Update(callID, func(r *call.Record) {
				r.PromisedDate = dateStr
				if amount > 0 {
					r.PromisedAmount = amount
				}
				rec = *r
			})
			if updateErr != nil {
				return "", fmt.Errorf("record promise: %w", updateErr)
			}

			logger.Info("payment promise recorded",
				"call_id", callID, "promise_date", dateStr, "amount", amount, "notes", notes)

			if cfg.SendConfirmationSMS && cfg.SMS != nil {
				body := confirmationSMSBody(rec.Request, dateStr, amount)
				if _, smsErr := cfg.SMS.SendSMS(ctx, &telephony.SendSMSInput{
					To:   rec.Request.RecipientNumber,
					Body: body,
				}); smsErr != nil {
					// Best effort: the recorded promise stands.
					logger.Warn("confirmation sms failed", "call_id", callID, "error", smsErr)
				}
			}

			return fmt.Sprintf("Payment promise recorded for %s.", promised.Format("Monday 2 January 2006")), nil
		},
	}

	dispute := Tool{
		Name:        "record_dispute",
		Description: "Record that the customer disputes the invoice and why.",
		Schema:      recordDisputeSchema,
		Handler: func(ctx context.Context, callID string, args map[string]any) (string, error) {
			reason, _ := args["reason"].(string)
			if err := cfg.Store.Update(callID, func(r *call.Record) {
				r.DisputeReason = reason
			}); err != nil {
				return "", fmt.Errorf("record dispute: %w", err)
			}

			logger.Info("dispute recorded", "call_id", callID, "reason", reason)
			return "Dispute recorded. The account owner will review it and follow up.", nil
		},
	}

	if err := r.Register(promise); err != nil {
		return err
	}
	return r.Register(dispute)
}

func confirmationSMSBody(req call.Request, date string, amount float64) string {
	if amount <= 0 {
		amount = req.AmountDue
	}
	currency := req.Currency
	if currency == "" {
		currency = "GBP"
	}
	return fmt.Sprintf("%s: thank you for confirming your payment of %s %.2f by %s. Reply HELP for assistance.",
		req.BusinessName, currency, amount, date)
}
