// Command multistreamd is a small gateway daemon demonstrating the full
// multistream stack: a single listening port auto-detects plain, TLS, and
// PROXY-prefixed peers, authenticates each one with a bearer JWT, then
// multiplexes the connection with yamux so one physical socket carries a
// control stream plus any number of tunneled client streams.
package main

import (
	"crypto/tls"
	"flag"
	"io"
	"log"
	"net"
	"os"

	"github.com/lattice-io/multistream"
	"github.com/lattice-io/multistream/internal/gateway"
	"github.com/lattice-io/multistream/internal/gwconfig"
	"github.com/lattice-io/multistream/internal/peerauth"
)

func main() {
	configPath := flag.String("config", "multistreamd.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}

	validator, err := peerauth.NewValidator(cfg.PeerJWTSecret)
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}

	tlsConfig, certSel, err := buildTLSConfig(cfg)
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}

	if err := multistream.SetAllowedProxies(cfg.AllowedProxyCIDRs); err != nil {
		log.Fatalf("FATAL: invalid allowedProxyCIDRs: %s", err)
	}

	ln, err := multistream.Listen("tcp", cfg.ListenAddress, tlsConfig)
	if err != nil {
		log.Fatalf("FATAL: failed to listen on %s: %s", cfg.ListenAddress, err)
	}
	ln.TLSMode = coreTLSMode(cfg.TLSMode)
	ln.RequireProxy = cfg.RequireProxyHeader
	ln.CertSelector = certSel
	ln.Logger = log.New(os.Stderr, "", log.LstdFlags)

	log.Printf("INFO: multistreamd listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("ERROR: accept failed: %s", err)
			return
		}
		go handlePeer(conn, cfg, validator)
	}
}

// handlePeer authenticates a freshly detected peer connection and, on
// success, multiplexes it with yamux; each logical stream the peer opens is
// handled independently until the physical connection closes.
func handlePeer(conn net.Conn, cfg *gwconfig.Config, validator *peerauth.Validator) {
	defer conn.Close()

	ms := multistream.Underlying(conn)
	if ms == nil {
		log.Printf("ERROR: accepted connection is not MultiStream-backed")
		return
	}

	claims, err := gateway.Authenticate(ms, validator, cfg.IdleTimeout())
	if err != nil {
		log.Printf("WARN: peer authentication failed from %s: %s", conn.RemoteAddr(), err)
		return
	}

	sess, err := gateway.NewSession(ms, claims, true)
	if err != nil {
		log.Printf("ERROR: failed to establish session for peer %q: %s", claims.PeerID, err)
		return
	}
	defer sess.Close()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if err != io.EOF {
				log.Printf("INFO: session %s for peer %q ended: %s", sess.ID, sess.PeerID, err)
			}
			return
		}
		go func() {
			defer stream.Close()
			io.Copy(io.Discard, stream)
		}()
	}
}

func buildTLSConfig(cfg *gwconfig.Config) (*tls.Config, multistream.CertificateSelector, error) {
	if cfg.TLSMode == gwconfig.ModeNever {
		return nil, nil, nil
	}

	defaultCert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, nil, err
	}

	certsByHost := make(map[string]tls.Certificate, len(cfg.SNICerts))
	for _, sc := range cfg.SNICerts {
		cert, err := tls.LoadX509KeyPair(sc.CertFile, sc.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		certsByHost[sc.Hostname] = cert
	}

	selector := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if cert, ok := certsByHost[hello.ServerName]; ok {
			return &cert, nil
		}
		return &defaultCert, nil
	}

	return &tls.Config{Certificates: []tls.Certificate{defaultCert}}, selector, nil
}

func coreTLSMode(m gwconfig.TLSMode) multistream.TLSMode {
	switch m {
	case gwconfig.ModeAlways:
		return multistream.Always
	case gwconfig.ModeNever:
		return multistream.Never
	default:
		return multistream.Auto
	}
}
