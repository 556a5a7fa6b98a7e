package peerauth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Validator validates a peer's control-channel bearer token and returns its
// claims.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator around an HMAC secret shared with every
// trusted peer.
func NewValidator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("peerauth: secret must not be empty")
	}
	return &Validator{secret: []byte(secret)}, nil
}

// Validate parses and verifies token, returning its claims on success.
func (v *Validator) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer("multistreamd"))
	if err != nil {
		return nil, fmt.Errorf("peerauth: token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("peerauth: token is not valid")
	}
	if claims.PeerID == "" {
		return nil, errors.New("peerauth: token is missing peer_id")
	}
	return claims.Copy(), nil
}
