// Package streamtoken issues and verifies the signed token that ties a
// carrier media-stream connection back to the call it belongs to. The token
// rides on the stream URL, so when the carrier connects, the bridge learns
// the call id and session parameters without a second lookup.
package streamtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrMissingSecret = errors.New("streamtoken: signing secret is required")
	ErrInvalidToken  = errors.New("streamtoken: invalid token")
)

// Claims describes one authorized media-stream connection.
type Claims struct {
	CallID       string `json:"call_id"`
	BusinessName string `json:"business_name"`
	Instructions string `json:"instructions"`
	Codec        string `json:"codec"`
	OfferPayment bool   `json:"offer_payment,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and parses stream tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer. ttl bounds how long a placed call may take to
// be answered and connected; expired tokens are rejected.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the given claims.
func (i *Issuer) Issue(claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        claims.CallID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("streamtoken: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("streamtoken: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.CallID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
