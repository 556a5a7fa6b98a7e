package multistream

import (
	"net"
	"time"
)

// ShutdownHow selects which half(s) of a duplex stream to shut down.
type ShutdownHow int

const (
	ShutdownBoth ShutdownHow = iota
	ShutdownRead
	ShutdownWrite
)

// Transport is the bidirectional byte-stream contract MultiStream is built
// on: ordinary read/write, non-destructive peek, and shutdown/close/cancel.
// peek must never consume bytes from the stream — whatever it returns is
// still there for the next Read. NetTransport is the reference
// implementation over a net.Conn; any other environment-provided stream
// that satisfies this interface can be used instead.
type Transport interface {
	// Peek reads up to len(p) bytes without consuming them from the
	// stream. It may return fewer bytes than len(p) with a nil error.
	Peek(p []byte) (n int, err error)
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Shutdown(how ShutdownHow) error
	Close() error
	Cancel() error
}

// AsyncTransport is the cooperative mirror of Transport: every blocking
// operation instead suspends and invokes a completion callback. MultiStream
// itself does not call this surface: HandshakeAsync runs the synchronous
// handshake on a goroutine of its own. NetTransport implements both
// interfaces by running the synchronous operation in its own goroutine and
// calling done from there.
type AsyncTransport interface {
	Transport
	PeekAsync(p []byte, done func(n int, err error))
	ReadAsync(p []byte, done func(n int, err error))
	WriteAsync(p []byte, done func(n int, err error))
	ShutdownAsync(how ShutdownHow, done func(err error))
}

// NetTransport adapts any net.Conn to the Transport/AsyncTransport
// contract. Peek is synthesized rather than relying on a native MSG_PEEK
// facility: bytes are read straight off the conn and staged in an internal
// replay buffer without being consumed.
type NetTransport struct {
	Conn net.Conn

	peeked   []byte // bytes read ahead of the application via Peek, not yet consumed
	cancelCh chan struct{}
}

// NewNetTransport wraps conn as a Transport.
func NewNetTransport(conn net.Conn) *NetTransport {
	return &NetTransport{Conn: conn, cancelCh: make(chan struct{}, 1)}
}

// NetConn returns the underlying net.Conn, the capability query MultiStream
// exposes via NativeConn.
func (t *NetTransport) NetConn() net.Conn { return t.Conn }

// LocalAddr and RemoteAddr let MultiStream build a sane net.Conn adapter
// for the TLS engine (see addrProvider in stream.go).
func (t *NetTransport) LocalAddr() net.Addr  { return t.Conn.LocalAddr() }
func (t *NetTransport) RemoteAddr() net.Addr { return t.Conn.RemoteAddr() }

func (t *NetTransport) Peek(p []byte) (int, error) {
	need := len(p) - len(t.peeked)
	if need > 0 {
		buf := make([]byte, need)
		n, err := t.Conn.Read(buf)
		if n > 0 {
			t.peeked = append(t.peeked, buf[:n]...)
		}
		if err != nil && len(t.peeked) == 0 {
			return 0, wrapErr(TransportIO, "peek", err)
		}
	}
	n := copy(p, t.peeked)
	return n, nil
}

func (t *NetTransport) Read(p []byte) (int, error) {
	if len(t.peeked) > 0 {
		n := copy(p, t.peeked)
		t.peeked = t.peeked[n:]
		return n, nil
	}
	n, err := t.Conn.Read(p)
	if err != nil {
		return n, wrapErr(TransportIO, "read", err)
	}
	return n, nil
}

func (t *NetTransport) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if err != nil {
		return n, wrapErr(TransportIO, "write", err)
	}
	return n, nil
}

// halfCloser is satisfied by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

func (t *NetTransport) Shutdown(how ShutdownHow) error {
	hc, ok := t.Conn.(halfCloser)
	if !ok {
		// No half-close support (e.g. an in-memory pipe): best effort is a
		// full close for ShutdownBoth, otherwise a no-op.
		if how == ShutdownBoth {
			return t.Close()
		}
		return nil
	}

	var err error
	switch how {
	case ShutdownRead:
		err = hc.CloseRead()
	case ShutdownWrite:
		err = hc.CloseWrite()
	default:
		if e := hc.CloseRead(); e != nil {
			err = e
		}
		if e := hc.CloseWrite(); e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return wrapErr(TransportIO, "shutdown", err)
	}
	return nil
}

func (t *NetTransport) Close() error {
	if err := t.Conn.Close(); err != nil {
		return wrapErr(TransportIO, "close", err)
	}
	return nil
}

// Cancel aborts any in-flight Peek/Read/Write by forcing an immediate
// deadline on the connection. Go's net.Conn has no native async-cancel
// primitive, so an expired deadline is the idiomatic stand-in: the blocked
// syscall returns promptly with a timeout error, which the caller sees
// wrapped as a TransportIO error; NetTransport never reports the Cancelled
// kind.
func (t *NetTransport) Cancel() error {
	select {
	case t.cancelCh <- struct{}{}:
	default:
	}
	return t.Conn.SetDeadline(time.Now())
}

func (t *NetTransport) PeekAsync(p []byte, done func(n int, err error)) {
	go func() {
		n, err := t.Peek(p)
		done(n, err)
	}()
}

func (t *NetTransport) ReadAsync(p []byte, done func(n int, err error)) {
	go func() {
		n, err := t.Read(p)
		done(n, err)
	}()
}

func (t *NetTransport) WriteAsync(p []byte, done func(n int, err error)) {
	go func() {
		n, err := t.Write(p)
		done(n, err)
	}()
}

func (t *NetTransport) ShutdownAsync(how ShutdownHow, done func(err error)) {
	go func() {
		done(t.Shutdown(how))
	}()
}
