// Package auth verifies platform-issued identity assertions. The engine
// never mints identities: an upstream service signs short-lived ES256 JWTs
// and this verifier checks them before a gateway ticket is issued.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frolleks/edgewire/internal/config"
)

var (
	// ErrInvalidToken covers every verification failure: bad signature,
	// wrong algorithm, expiry, issuer mismatch.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrMissingSubject is returned when an otherwise valid token carries
	// no user ID.
	ErrMissingSubject = errors.New("identity token has no subject")
)

// Verifier checks ES256-signed identity assertions against the issuer's
// public key.
type Verifier struct {
	publicKey *ecdsa.PublicKey
	issuer    string
	opts      []jwt.ParserOption
}

// NewVerifier parses the PEM-encoded public key and fixes the validation
// rules from cfg.
func NewVerifier(cfg *config.AuthConfig) (*Verifier, error) {
	if cfg.JWTPublicKey == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		publicKey: publicKey,
		issuer:    cfg.Issuer,
		opts:      opts,
	}, nil
}

// Verify checks one assertion and returns the asserted user ID from its
// subject claim.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	}, v.opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}

	return claims.Subject, nil
}
