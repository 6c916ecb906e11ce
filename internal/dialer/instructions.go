package dialer

import (
	"fmt"
	"strings"

	"github.com/recouphq/voiceagent/internal/call"
)

// BuildInstructions composes the conversation brief for the speech engine:
// who it represents, what is owed, the permitted register, and the
// guardrails every call carries.
func BuildInstructions(req call.Request) string {
	currency := req.Currency
	if currency == "" {
		currency = "GBP"
	}
	name := req.RecipientName
	if name == "" {
		name = "the account holder"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional accounts-receivable agent calling on behalf of %s. ", req.BusinessName)
	fmt.Fprintf(&b, "You are speaking with %s about an outstanding balance of %s %.2f", name, currency, req.AmountDue)
	if req.InvoiceRef != "" {
		fmt.Fprintf(&b, " on invoice %s", req.InvoiceRef)
	}
	if req.DaysOverdue > 0 {
		fmt.Fprintf(&b, ", now %d days overdue", req.DaysOverdue)
	}
	b.WriteString(".\n\n")

	b.WriteString(toneBrief(req.Tone))
	b.WriteString("\n\n")

	b.WriteString("Ground rules:\n")
	b.WriteString("- Open by identifying yourself and the business you are calling for, and confirm you are speaking to the right person.\n")
	b.WriteString("- Never threaten, harass, or mislead. Stay factual about the debt.\n")
	b.WriteString("- If they commit to a payment date, use the record_payment_promise tool with the exact date.\n")
	b.WriteString("- If they dispute the invoice, do not argue; acknowledge it and use the record_dispute tool with their reason.\n")
	b.WriteString("- If they say they have already paid, thank them and say the payment will be verified.\n")
	b.WriteString("- If they sound distressed or mention hardship, soften immediately and offer a callback from a human.\n")
	if req.OfferPayment {
		b.WriteString("- You may offer to send a secure payment link by text message.\n")
	}
	b.WriteString("- Keep the call short and courteous. One clear ask, then wrap up.")

	return b.String()
}

func toneBrief(tone call.Tone) string {
	switch tone {
	case call.ToneFirm:
		return "Register: firm. Be direct about the overdue balance and ask plainly when payment will be made. Stay polite but do not pad the message."
	case call.ToneFinal:
		return "Register: final notice. State clearly that this is the last reminder before the account is escalated, and that settling today avoids that. Remain calm and factual."
	default:
		return "Register: polite reminder. Assume good faith, as the payment may simply have been overlooked."
	}
}
