// Package peerauth authenticates peers that connect to the gateway's
// control channel once their MultiStream reaches Ready, using a bearer JWT
// rather than transport-level mTLS: MultiStream's auto-detection already
// established whether the channel is TLS, so peer identity is layered on
// top instead of baked into the certificate chain.
package peerauth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT payload a peer presents on its control channel
// immediately after the gateway's MultiStream for that connection reaches
// the Ready state.
type Claims struct {
	PeerID   string `json:"peer_id"`
	Hostname string `json:"hostname"`
	jwt.RegisteredClaims
}

// Copy returns a shallow copy, so reassigning a field of one *Claims does
// not change the other; the RegisteredClaims Audience slice and time
// pointers stay shared between the two.
func (c *Claims) Copy() *Claims {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
