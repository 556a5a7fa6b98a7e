package multistream

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"
)

func TestListenerAcceptsPlainConnection(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hello world"))
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	defer conn.Close()

	buf := make([]byte, 11)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %s", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q", buf)
	}
}

func TestListenerRequireProxyRejectsBarePlain(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	defer ln.Close()
	ln.RequireProxy = true

	acceptErr := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		acceptErr <- err
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	defer c.Close()
	c.Write([]byte("no proxy preamble here"))

	select {
	case <-acceptErr:
		t.Fatal("Accept should not have produced a connection for a rejected handshake")
	case <-time.After(200 * time.Millisecond):
		// expected: the server-side MultiStream rejects RequireServerProxy
		// without ever reaching r.queue, so Accept blocks indefinitely.
	}
}

func TestListenerUnderlyingRecoversMultiStream(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hi"))
		io.ReadAll(c)
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	defer conn.Close()

	ms := Underlying(conn)
	if ms == nil {
		t.Fatal("Underlying should recover the *MultiStream backing a Listener-accepted conn")
	}
	if ms.State() != Ready {
		t.Fatalf("expected Ready, got %s", ms.State())
	}
}

func TestUnderlyingReturnsNilForForeignConn(t *testing.T) {
	cconn, sconn := net.Pipe()
	defer cconn.Close()
	defer sconn.Close()

	if Underlying(sconn) != nil {
		t.Fatal("Underlying should return nil for a conn not produced by a Listener")
	}
}

func TestProtoListenerRoutesByALPN(t *testing.T) {
	cert, pool := testCert(t)

	srvCfg := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h2", "http/1.1"}}
	ln, err := Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	defer ln.Close()
	ln.TLSMode = Always

	h2, err := ln.ProtoListener("h2")
	if err != nil {
		t.Fatalf("ProtoListener: %s", err)
	}

	if _, err := ln.ProtoListener("h2"); err != ErrDuplicateProtocol {
		t.Fatalf("expected ErrDuplicateProtocol, got %v", err)
	}

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		tlsConn := tls.Client(c, &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{"h2"}})
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		io.ReadAll(tlsConn)
	}()

	conn, err := h2.Accept()
	if err != nil {
		t.Fatalf("h2.Accept: %s", err)
	}
	defer conn.Close()

	ms := Underlying(conn)
	if ms == nil || ms.NegotiatedProtocol() != "h2" {
		t.Fatalf("expected connection routed to h2 listener, got protocol %q", ms.NegotiatedProtocol())
	}

	pl, ok := h2.(*protoListener)
	if !ok {
		t.Fatalf("ProtoListener did not return a *protoListener")
	}
	if got := pl.AcceptedCount(); got != 1 {
		t.Fatalf("AcceptedCount() = %d, want 1", got)
	}
	if got := pl.Protocols(); len(got) != 1 || got[0] != "h2" {
		t.Fatalf("Protocols() = %v, want [h2]", got)
	}
}
