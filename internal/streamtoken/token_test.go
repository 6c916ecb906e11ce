package streamtoken

import (
	"errors"
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("test-secret", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	in := Claims{
		CallID:       "call-123",
		BusinessName: "Acme Ltd",
		Instructions: "You are a polite collections agent.",
		Codec:        "g711_ulaw",
		OfferPayment: true,
	}
	signed, err := issuer.Issue(in)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := issuer.Parse(signed)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.CallID != in.CallID || got.BusinessName != in.BusinessName ||
		got.Instructions != in.Instructions || got.Codec != in.Codec ||
		got.OfferPayment != in.OfferPayment {
		t.Errorf("Parse() = %+v, want claims round-tripped from %+v", got, in)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	issuer, _ := NewIssuer("test-secret", 5*time.Minute)
	signed, err := issuer.Issue(Claims{CallID: "call-123"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tampered := signed[:len(signed)-2] + "xx"
	if _, err := issuer.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse(tampered) error = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	a, _ := NewIssuer("secret-a", 5*time.Minute)
	b, _ := NewIssuer("secret-b", 5*time.Minute)

	signed, _ := a.Issue(Claims{CallID: "call-123"})
	if _, err := b.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse(wrong secret) error = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer, _ := NewIssuer("test-secret", time.Nanosecond)
	signed, _ := issuer.Issue(Claims{CallID: "call-123"})

	time.Sleep(10 * time.Millisecond)
	if _, err := issuer.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse(expired) error = %v, want ErrInvalidToken", err)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("", time.Minute); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("NewIssuer(\"\") error = %v, want ErrMissingSecret", err)
	}
}
