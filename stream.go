package multistream

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// State is the MultiStream handshake state machine's current position.
type State int

const (
	Fresh State = iota
	Detecting
	HandshakingTLS
	Ready
	ShutdownState
	Failed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Detecting:
		return "detecting"
	case HandshakingTLS:
		return "handshaking_tls"
	case Ready:
		return "ready"
	case ShutdownState:
		return "shutdown"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type streamKind int

const (
	kindNone streamKind = iota
	kindPlain
	kindTLS
)

// activeStream is a tagged two-variant union in place of a
// dynamically-dispatched base-pointer hierarchy: the variant is known for
// certain at the end of a successful handshake, so dispatch is a plain
// switch on kind, never a type assertion.
type activeStream struct {
	kind  streamKind
	plain Transport
	tls   *tlsEngine
}

// addrProvider is implemented by transports that can report their local
// and remote addresses, needed to give the TLS engine's net.Conn adapter
// sane addresses. NetTransport implements it.
type addrProvider interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// MultiStream owns a Transport, a replay buffer, and (once decided) either
// a direct reference to the Transport or a TLS engine, and presents a
// single read/write/shutdown surface regardless of which one backs it.
type MultiStream struct {
	opts      Options
	tlsConfig *tls.Config
	certSel   CertificateSelector

	transport Transport
	replay    replayBuffer
	strand    *strand

	mu               sync.Mutex
	state            State
	role             Role
	active           activeStream
	handshakeStarted bool
}

// New creates a MultiStream over transport. tlsConfig may be nil if TLS is
// never going to be negotiated (e.g. a listener with all Options false).
func New(transport Transport, opts Options, tlsConfig *tls.Config) *MultiStream {
	return &MultiStream{
		transport: transport,
		opts:      opts,
		tlsConfig: tlsConfig,
		strand:    newStrand(),
		state:     Fresh,
	}
}

// SetCertificateSelector installs a SNI-based certificate callback used
// when this MultiStream negotiates TLS as a server. It has no effect once
// the handshake has started.
func (m *MultiStream) SetCertificateSelector(sel CertificateSelector) {
	m.certSel = sel
}

// State returns the current position in the handshake state machine.
func (m *MultiStream) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MultiStream) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Handshake synchronously drives the state machine to Ready or Failed. At
// most one handshake call is honored per MultiStream; once it resolves
// (success or failure), further attempts fail immediately with
// InvalidUsage.
func (m *MultiStream) Handshake(role Role) error {
	return m.handshake(role, nil)
}

// HandshakeBuffered is the buffered-handshake variant: preloaded is data
// the caller already read off the transport before constructing this
// MultiStream. It is pre-installed into the ReplayBuffer ahead of
// detection. The plain path requires preloaded to be empty (InvalidUsage
// otherwise); the TLS path forwards it to the TLS engine as initial data.
func (m *MultiStream) HandshakeBuffered(role Role, preloaded []byte) error {
	return m.handshake(role, preloaded)
}

// HandshakeAsync is the cooperative mirror of Handshake. done is invoked
// through this MultiStream's strand, never inline, so a caller's callback
// never re-enters MultiStream from within the call that triggered it, even
// though this implementation resolves the whole handshake in one
// background goroutine rather than suspending at each individual I/O step.
func (m *MultiStream) HandshakeAsync(role Role, done func(err error)) {
	go func() {
		err := m.Handshake(role)
		m.strand.post(func() { done(err) })
	}()
}

// HandshakeBufferedAsync is the cooperative mirror of HandshakeBuffered.
func (m *MultiStream) HandshakeBufferedAsync(role Role, preloaded []byte, done func(err error)) {
	go func() {
		err := m.HandshakeBuffered(role, preloaded)
		m.strand.post(func() { done(err) })
	}()
}

func (m *MultiStream) handshake(role Role, preloaded []byte) error {
	m.mu.Lock()
	if m.handshakeStarted {
		m.mu.Unlock()
		return newErr(InvalidUsage, "handshake already attempted on this MultiStream")
	}
	m.handshakeStarted = true
	m.role = role
	m.mu.Unlock()

	if len(preloaded) > 0 {
		region := m.replay.prepare(len(preloaded))
		copy(region, preloaded)
		m.replay.commit(len(preloaded))
	}

	err := m.runHandshake(role)
	if err != nil {
		m.setState(Failed)
		return err
	}
	return nil
}

func (m *MultiStream) runHandshake(role Role) error {
	act := decide(role, m.opts, NeedMore)

	switch act {
	case actionPlain:
		if m.replay.size() > 0 {
			return newErr(InvalidUsage, "buffered plain handshake requires an empty preload")
		}
		m.active = activeStream{kind: kindPlain, plain: m.transport}
		m.setState(Ready)
		return nil

	case actionTLS:
		return m.startTLS(role, m.replay.drainAll())

	case actionDetect:
		m.setState(Detecting)
		return m.detectAndDecide(role)

	default:
		return newErr(InvalidUsage, "policy returned an unreachable action")
	}
}

// detectAndDecide implements the Detecting state: peek up to
// maxDetectBytes, classify, and re-enter the policy with the result.
func (m *MultiStream) detectAndDecide(role Role) error {
	have := m.replay.size()
	peekedN := 0

	if have < maxDetectBytes {
		want := maxDetectBytes - have
		buf := make([]byte, want)
		n, err := m.transport.Peek(buf)
		if err != nil {
			return wrapErr(TransportIO, "detect peek failed", err)
		}
		if n > 0 {
			region := m.replay.prepare(n)
			copy(region, buf[:n])
			m.replay.commit(n)
			peekedN = n
		}
	}

	examined := m.replay.data()
	if len(examined) == 0 {
		// Peek suspended and returned with nothing and no error: the
		// classifier has nothing to work with. Handled directly rather
		// than routed through decide, since decide's NeedMore input is
		// reserved for the deliberate pre-peek sentinel.
		return newErr(NeedsMore, "peek returned no bytes to classify")
	}
	if len(examined) > maxDetectBytes {
		examined = examined[:maxDetectBytes]
	}

	class := Classify(examined)
	act := decide(role, m.opts, class)

	switch act {
	case actionPlain:
		if have > 0 {
			return newErr(InvalidUsage, "buffered plain handshake requires an empty preload")
		}
		if peekedN > 0 {
			if err := m.discardFromTransport(peekedN); err != nil {
				return err
			}
		}
		m.active = activeStream{kind: kindPlain, plain: m.transport}
		m.setState(Ready)
		return nil

	case actionTLS:
		if peekedN > 0 {
			if err := m.discardFromTransport(peekedN); err != nil {
				return err
			}
		}
		initial := m.replay.drainAll()
		return m.startTLS(role, initial)

	default:
		if class == NeedMore {
			return newErr(NeedsMore, "classifier could not reach a decision")
		}
		return newErr(PolicyRejected, fmt.Sprintf("classification %s rejected by current options", class))
	}
}

// discardFromTransport retires n bytes that were peeked (and copied into
// the ReplayBuffer) from the Transport's own pending state, so that a
// later Transport.Read never redelivers bytes MultiStream has already
// claimed for its own ReplayBuffer or the TLS engine's initial input. This
// relies only on Transport's documented contract (peek does not consume,
// read does), not on any NetTransport-specific behavior.
func (m *MultiStream) discardFromTransport(n int) error {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := m.transport.Read(buf[got:])
		got += k
		if err != nil {
			return wrapErr(TransportIO, "failed to retire detection bytes", err)
		}
		if k == 0 {
			return wrapErr(TransportIO, "transport returned no data while retiring detection bytes", nil)
		}
	}
	return nil
}

func (m *MultiStream) startTLS(role Role, initial []byte) error {
	m.setState(HandshakingTLS)

	cfg := m.effectiveTLSConfig()
	var laddr, raddr net.Addr
	if ap, ok := m.transport.(addrProvider); ok {
		laddr, raddr = ap.LocalAddr(), ap.RemoteAddr()
	}

	eng := newTLSEngine(role, m.transport, cfg, laddr, raddr, initial)
	if err := eng.handshake(); err != nil {
		return err
	}

	m.active = activeStream{kind: kindTLS, tls: eng}
	m.setState(Ready)
	return nil
}

func (m *MultiStream) effectiveTLSConfig() *tls.Config {
	cfg := m.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if m.certSel != nil && cfg.GetCertificate == nil {
		cfg = cfg.Clone()
		cfg.GetCertificate = m.certSel
	}
	return cfg
}

// Read delivers ReplayBuffer contents first (no I/O), then delegates to
// the active stream. It requires a successfully completed handshake.
func (m *MultiStream) Read(p []byte) (int, error) {
	if m.State() != Ready {
		return 0, newErr(InvalidUsage, "read before successful handshake")
	}
	if m.replay.size() > 0 {
		return m.replay.drainInto(p), nil
	}
	if m.active.kind == kindTLS {
		return m.active.tls.Read(p)
	}
	return m.active.plain.Read(p)
}

// Write requires a successfully completed handshake and never touches the
// ReplayBuffer.
func (m *MultiStream) Write(p []byte) (int, error) {
	if m.State() != Ready {
		return 0, newErr(InvalidUsage, "write before successful handshake")
	}
	if m.active.kind == kindTLS {
		return m.active.tls.Write(p)
	}
	return m.active.plain.Write(p)
}

// Shutdown performs a TLS close_notify if the active stream is TLS,
// otherwise a bidirectional transport shutdown. It is idempotent: a
// second call returns nil without performing any I/O.
func (m *MultiStream) Shutdown() error {
	m.mu.Lock()
	if m.state == ShutdownState {
		m.mu.Unlock()
		return nil
	}
	if m.state != Ready {
		m.mu.Unlock()
		return newErr(InvalidUsage, "shutdown called outside the Ready state")
	}
	active := m.active
	m.state = ShutdownState
	m.mu.Unlock()

	if active.kind == kindTLS {
		return active.tls.shutdown()
	}
	return m.transport.Shutdown(ShutdownBoth)
}

// Close unconditionally closes the transport. It may be called from any
// state, including before a handshake or after a failed one; the core
// never closes the transport on its own (see Failed state semantics), so
// the caller is always responsible for this call.
func (m *MultiStream) Close() error {
	return m.transport.Close()
}

// Cancel requests cancellation of any in-flight operation on the
// transport. Over a NetTransport, a suspended peek, read or write returns a
// TransportIO error wrapping the deadline timeout, and a suspended TLS
// handshake returns a TLSHandshake error; the Cancelled kind is not
// produced.
func (m *MultiStream) Cancel() error {
	return m.transport.Cancel()
}

// NativeConn exposes the connection actually carrying traffic: the
// underlying *tls.Conn once the active stream is TLS, otherwise the
// transport's raw net.Conn. This is an enumerated capability query in
// place of mangled-type-name RTTI comparisons.
func (m *MultiStream) NativeConn() net.Conn {
	if m.State() == Ready && m.active.kind == kindTLS {
		return m.active.tls.conn
	}
	if nc, ok := m.transport.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return nil
}

// NegotiatedProtocol returns the ALPN protocol negotiated during the TLS
// handshake, or "" if the active stream is plain or no protocol was
// negotiated.
func (m *MultiStream) NegotiatedProtocol() string {
	if m.State() != Ready || m.active.kind != kindTLS {
		return ""
	}
	return m.active.tls.negotiatedProtocol()
}
