package multistream

import (
	"net"
	"time"
)

// tcpKeepaliveConn defines methods typically available on TCP connections
// to enable keepalive. Checked with a type assertion rather than assumed,
// since enableKeepalive accepts any net.Conn, not only a *net.TCPConn
// (a Unix socket, an in-memory pipe used in tests, ...).
type tcpKeepaliveConn interface {
	SetKeepAlive(keepalive bool) error
	SetKeepAlivePeriod(d time.Duration) error
}

// enableKeepalive turns on TCP keepalive with period d if c supports it.
// SSL connections over this Listener tend to do a lot of back-and-forth
// (session tickets, renegotiation-free 1.3 key updates), so a live
// keepalive matters more here than on a typical short-lived connection.
func enableKeepalive(c net.Conn, d time.Duration) {
	if kc, ok := c.(tcpKeepaliveConn); ok {
		kc.SetKeepAlive(true)
		kc.SetKeepAlivePeriod(d)
	}
}
