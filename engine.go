package multistream

import (
	"crypto/tls"
	"io"
	"net"
	"time"
)

// CertificateSelector resolves a certificate from a ClientHello's SNI. It is
// the idiomatic Go replacement for the source's dead retrieveTlsCertificate
// stub: plumbed through tls.Config.GetCertificate, it lets a single
// MultiStream-backed listener serve more than one hostname.
type CertificateSelector func(hello *tls.ClientHelloInfo) (*tls.Certificate, error)

// tlsEngine wraps a *tls.Conn to provide the read/write/shutdown surface
// MultiStream needs once Action == actionTLS. Construction and handshake
// driving are split so HandshakeBuffered can forward already-read bytes
// into the handshake without an extra copy into the Transport.
type tlsEngine struct {
	conn *tls.Conn
}

// netConnAdapter lets an arbitrary Transport be handed to crypto/tls, which
// only knows how to drive a net.Conn. Deadlines are not meaningful at this
// layer (MultiStream's Cancel operates on the underlying Transport
// directly) so they are no-ops.
type netConnAdapter struct {
	Transport
	laddr, raddr net.Addr
}

func (a *netConnAdapter) LocalAddr() net.Addr             { return a.laddr }
func (a *netConnAdapter) RemoteAddr() net.Addr            { return a.raddr }
func (a *netConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a *netConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a *netConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

// prefixedTransport prepends buffered initial bytes (from
// HandshakeBuffered) ahead of whatever the underlying Transport has left to
// give, so the TLS engine's first reads see exactly what the peer sent.
type prefixedTransport struct {
	Transport
	prefix []byte
}

func (p *prefixedTransport) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Transport.Read(b)
}

// newTLSEngine constructs the tls.Conn for the given role. initial, if
// non-empty, is data already read from the transport that must be replayed
// to the TLS engine before any further reads (the buffered-handshake path).
func newTLSEngine(role Role, transport Transport, cfg *tls.Config, laddr, raddr net.Addr, initial []byte) *tlsEngine {
	var base Transport = transport
	if len(initial) > 0 {
		base = &prefixedTransport{Transport: transport, prefix: initial}
	}
	nc := &netConnAdapter{Transport: base, laddr: laddr, raddr: raddr}

	var conn *tls.Conn
	if role == Client {
		conn = tls.Client(nc, cfg)
	} else {
		conn = tls.Server(nc, cfg)
	}
	return &tlsEngine{conn: conn}
}

func (e *tlsEngine) handshake() error {
	if err := e.conn.Handshake(); err != nil {
		return wrapErr(TLSHandshake, "tls handshake failed", err)
	}
	return nil
}

func (e *tlsEngine) Read(p []byte) (int, error) {
	n, err := e.conn.Read(p)
	if err != nil && err != io.EOF {
		return n, wrapErr(TransportIO, "tls read", err)
	}
	return n, err
}

func (e *tlsEngine) Write(p []byte) (int, error) {
	n, err := e.conn.Write(p)
	if err != nil {
		return n, wrapErr(TransportIO, "tls write", err)
	}
	return n, err
}

// shutdown emits close_notify only; it never touches the underlying
// Transport, which the shared MultiStream (and ultimately its caller)
// still owns and must Close separately. crypto/tls.Conn.CloseWrite does
// exactly this, unlike Close, which would also tear down the connection
// underneath the MultiStream that is still using it.
func (e *tlsEngine) shutdown() error {
	err := e.conn.CloseWrite()
	if err != nil && err != io.EOF {
		return wrapErr(TransportIO, "tls shutdown", err)
	}
	return nil
}

func (e *tlsEngine) negotiatedProtocol() string {
	return e.conn.ConnectionState().NegotiatedProtocol
}
