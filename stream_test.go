package multistream

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func testCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}

	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		IsCA:                  true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, pk.Public(), pk)
	if err != nil {
		t.Fatalf("create certificate: %s", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %s", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: pk, Leaf: leaf}, pool
}

func TestMultiStreamPlainPassthrough(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cli := New(NewNetTransport(cconn), Options{}, nil)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	if srv.State() != Ready || cli.State() != Ready {
		t.Fatalf("states: server=%s client=%s, want ready/ready", srv.State(), cli.State())
	}

	go cli.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(srv, buf); err != nil {
		t.Fatalf("server read: %s", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("server read %q, want %q", buf, "hello")
	}
}

func TestMultiStreamTLSHandshake(t *testing.T) {
	cert, pool := testCert(t)
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	srv := New(NewNetTransport(sconn), Options{EnableServerTLS: true}, srvCfg)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cliCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	cli := New(NewNetTransport(cconn), Options{UseClientTLS: true}, cliCfg)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	if srv.State() != Ready {
		t.Fatalf("server state = %s, want ready", srv.State())
	}

	go cli.Write([]byte("secret"))
	buf := make([]byte, 6)
	if _, err := io.ReadFull(srv, buf); err != nil {
		t.Fatalf("server read: %s", err)
	}
	if string(buf) != "secret" {
		t.Fatalf("server read %q, want %q", buf, "secret")
	}
}

func TestMultiStreamRequireServerTLSRejectsPlain(t *testing.T) {
	cert, _ := testCert(t)
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	srv := New(NewNetTransport(sconn), Options{RequireServerTLS: true}, srvCfg)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	go func() {
		cconn.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	err := <-errc
	if err == nil {
		t.Fatalf("expected server handshake to fail for plain bytes under RequireServerTLS")
	}
	if srv.State() != Failed {
		t.Fatalf("server state = %s, want failed", srv.State())
	}
}

func TestMultiStreamBufferedHandshakePlain(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.HandshakeBuffered(Server, nil) }()

	go cconn.Write([]byte("ping"))

	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(srv, buf); err != nil {
		t.Fatalf("server read: %s", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("server read %q, want %q", buf, "ping")
	}
}

func TestMultiStreamHandshakeOnlyOnce(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cli := New(NewNetTransport(cconn), Options{}, nil)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("first server handshake: %s", err)
	}

	if err := srv.Handshake(Server); err == nil {
		t.Fatalf("expected second handshake attempt to fail")
	}
}

func TestMultiStreamShutdownIsIdempotent(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cli := New(NewNetTransport(cconn), Options{}, nil)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %s", err)
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %s", err)
	}
}

func TestMultiStreamReadWriteBeforeHandshakeFails(t *testing.T) {
	_, sconn := net.Pipe()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{}, nil)
	if _, err := srv.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected read before handshake to fail")
	}
	if _, err := srv.Write([]byte("x")); err == nil {
		t.Fatalf("expected write before handshake to fail")
	}
}

func TestMultiStreamNegotiatedProtocolALPN(t *testing.T) {
	cert, pool := testCert(t)
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"a", "b"}}
	srv := New(NewNetTransport(sconn), Options{RequireServerTLS: true}, srvCfg)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cliCfg := &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{"b"}}
	cli := New(NewNetTransport(cconn), Options{UseClientTLS: true}, cliCfg)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	if got := srv.NegotiatedProtocol(); got != "b" {
		t.Fatalf("NegotiatedProtocol() = %q, want %q", got, "b")
	}
}

// TestMultiStreamDetectFallsBackToPlain exercises the detect-then-plain
// path: EnableServerTLS forces a pre-peek (actionDetect) rather than a
// direct actionPlain/actionTLS decision, and a peer that turns out to send
// plaintext bytes must still classify as Plain and reach Ready, with the
// detection peek correctly retired from the Transport (discardFromTransport)
// rather than leaked into the application stream.
func TestMultiStreamDetectFallsBackToPlain(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	srv := New(NewNetTransport(sconn), Options{EnableServerTLS: true, RequireServerProxy: false}, &tls.Config{})
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	const req = "GET / HTTP/1.1\r\n"
	go cconn.Write([]byte(req))

	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}
	if srv.State() != Ready {
		t.Fatalf("server state = %s, want ready", srv.State())
	}

	buf := make([]byte, len(req))
	if _, err := io.ReadFull(srv, buf); err != nil {
		t.Fatalf("server read: %s", err)
	}
	if string(buf) != req {
		t.Fatalf("server read %q, want %q", buf, req)
	}
}

// trackingTransport counts Close calls so a test can tell whether something
// closed the shared Transport without going through MultiStream.Close.
type trackingTransport struct {
	*NetTransport
	closed int32
}

func (t *trackingTransport) Close() error {
	atomic.AddInt32(&t.closed, 1)
	return t.NetTransport.Close()
}

// TestMultiStreamTLSShutdownDoesNotCloseTransport is the regression test for
// tlsEngine.shutdown: it must send close_notify only, never close the
// shared Transport MultiStream (and ultimately its caller) still owns.
func TestMultiStreamTLSShutdownDoesNotCloseTransport(t *testing.T) {
	cert, pool := testCert(t)
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	tracking := &trackingTransport{NetTransport: NewNetTransport(sconn)}

	srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	srv := New(tracking, Options{EnableServerTLS: true}, srvCfg)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake(Server) }()

	cliCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	cli := New(NewNetTransport(cconn), Options{UseClientTLS: true}, cliCfg)
	if err := cli.Handshake(Client); err != nil {
		t.Fatalf("client handshake: %s", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %s", err)
	}

	// Drain the close_notify alert concurrently so the server's Shutdown
	// write isn't blocked on net.Pipe's synchronous rendezvous.
	go cli.Read(make([]byte, 16))

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("shutdown: %s", err)
	}
	if atomic.LoadInt32(&tracking.closed) != 0 {
		t.Fatalf("TLS Shutdown must send close_notify only, not close the shared Transport")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}
	if got := atomic.LoadInt32(&tracking.closed); got != 1 {
		t.Fatalf("closed = %d, want 1 after explicit Close", got)
	}
}
