// Package gateway wires an authenticated, Ready multistream.MultiStream
// into a yamux-multiplexed session, so one physical connection can carry a
// control stream plus any number of per-client tunnel streams.
package gateway

import (
	"bufio"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"github.com/lattice-io/multistream"
	"github.com/lattice-io/multistream/internal/peerauth"
)

// Session is an authenticated peer connection, multiplexed with yamux atop
// a single MultiStream.
type Session struct {
	ID       uuid.UUID
	PeerID   string
	Hostname string

	ms  *multistream.MultiStream
	mux *yamux.Session
}

// Authenticate reads a single newline-terminated bearer token from ms (sent
// by the peer immediately once its own side of the handshake reaches
// Ready) and validates it. It must be called before NewSession, since
// yamux's framing takes over the connection's bytes afterward.
func Authenticate(ms *multistream.MultiStream, v *peerauth.Validator, timeout time.Duration) (*peerauth.Claims, error) {
	if nc := ms.NativeConn(); nc != nil {
		nc.SetReadDeadline(time.Now().Add(timeout))
		defer nc.SetReadDeadline(time.Time{})
	}

	line, err := bufio.NewReader(ms).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to read control token: %w", err)
	}

	claims, err := v.Validate(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// NewSession opens (server) or establishes (client) a yamux session atop
// ms, which must already be Ready and authenticated.
func NewSession(ms *multistream.MultiStream, claims *peerauth.Claims, isServer bool) (*Session, error) {
	var (
		mux *yamux.Session
		err error
	)
	if isServer {
		mux, err = yamux.Server(ms, nil)
	} else {
		mux, err = yamux.Client(ms, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to initialize multiplexer: %w", err)
	}

	s := &Session{
		ID:       uuid.New(),
		PeerID:   claims.PeerID,
		Hostname: claims.Hostname,
		ms:       ms,
		mux:      mux,
	}
	log.Printf("INFO: session %s established for peer %q (host=%q)", s.ID, s.PeerID, s.Hostname)
	return s, nil
}

// AcceptStream blocks for the next logical stream the peer opens.
func (s *Session) AcceptStream() (*yamux.Stream, error) {
	return s.mux.AcceptStream()
}

// OpenStream opens a new logical stream to the peer.
func (s *Session) OpenStream() (*yamux.Stream, error) {
	return s.mux.OpenStream()
}

// Close tears down the yamux session and the underlying MultiStream.
func (s *Session) Close() error {
	log.Printf("INFO: session %s closing for peer %q", s.ID, s.PeerID)
	err := s.mux.Close()
	if cerr := s.ms.Close(); err == nil {
		err = cerr
	}
	return err
}
