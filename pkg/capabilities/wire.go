package capabilities

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Wire-form encoding for tokens that cross a process boundary to an
// out-of-process adapter. The JWT is a transport encoding only: redemption
// still goes through the in-memory ledger, so a decoded wire token grants
// nothing by itself.

// wireClaims carries the ledger entry's fields as JWT claims.
type wireClaims struct {
	ActionID     string   `json:"action_id"`
	Actor        string   `json:"actor"`
	PayloadHash  string   `json:"payload_hash"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

// EncodeWire signs the token as an EdDSA JWT.
func EncodeWire(t Token, priv ed25519.PrivateKey) (string, error) {
	claims := wireClaims{
		ActionID:     t.ActionID,
		Actor:        t.Actor,
		PayloadHash:  t.PayloadHash,
		Capabilities: t.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("wire token signing failed: %w", err)
	}
	return signed, nil
}

// DecodeWire verifies the JWT signature and reconstructs the token. Expiry
// is checked again at redemption; decode only rejects forgeries and
// malformed input.
func DecodeWire(raw string, pub ed25519.PublicKey) (Token, error) {
	var claims wireClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return pub, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return Token{}, fmt.Errorf("wire token parse failed: %w", err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.ID) == "" {
		return Token{}, fmt.Errorf("wire token invalid")
	}
	t := Token{
		TokenID:      claims.ID,
		ActionID:     claims.ActionID,
		Actor:        claims.Actor,
		PayloadHash:  claims.PayloadHash,
		Capabilities: claims.Capabilities,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	} else {
		t.ExpiresAt = time.Time{}
	}
	return t, nil
}
