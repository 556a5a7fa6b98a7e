package multistream

import (
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

var ErrDuplicateProtocol = errors.New("protocol already has a listener")

type queuePoint struct {
	c net.Conn
	e error
}

// Listener is a net.Listener that accepts plain, TLS, and PROXY-prefixed
// connections on the same port, driving a MultiStream per accepted
// connection to tell them apart. It assumes the peer always speaks first,
// exactly as MultiStream's detection requires.
type Listener struct {
	ports   []*net.TCPListener
	portsLk sync.Mutex
	addr    net.Addr
	queue   chan queuePoint
	proto   map[string]*protoListener
	protoLk sync.RWMutex

	TLSConfig    *tls.Config
	TLSMode      TLSMode
	RequireProxy bool
	CertSelector CertificateSelector
	Filters      []Filter
	*log.Logger
	Timeout time.Duration

	thCnt     uint32
	thMax     uint32
	thCntLock sync.RWMutex
}

// Listen creates a Listener accepting connections on the given network
// address. config may be nil, in which case TLSMode is forced to Never, so
// no TLS handshake is attempted without a certificate (see Never for what
// happens to a peer that sends a ClientHello anyway).
func Listen(network, laddr string, config *tls.Config) (*Listener, error) {
	r := ListenNull()
	r.TLSConfig = config
	if config == nil {
		r.TLSMode = Never
	}

	if err := r.Listen(network, laddr); err != nil {
		return nil, err
	}

	return r, nil
}

// ListenNull creates a Listener that isn't listening on any socket yet, but
// can still be used to push connections via PushConn — handy for serving a
// http.Server off of connections it did not accept itself.
func ListenNull() *Listener {
	return &Listener{
		queue:   make(chan queuePoint, 8),
		proto:   make(map[string]*protoListener),
		Filters: []Filter{DetectProxy},
		TLSMode: Auto,
		Timeout: 2 * time.Second,
		thMax:   64,
	}
}

// Listen makes the Listener additionally listen on laddr. Each address
// spawns its own accept goroutine.
func (r *Listener) Listen(network, laddr string) error {
	return r.ListenFilter(network, laddr, nil)
}

// ListenFilter is like Listen but overrides the Filters run for connections
// accepted on this specific address.
func (r *Listener) ListenFilter(network, laddr string, filters []Filter) error {
	addr, err := net.ResolveTCPAddr(network, laddr)
	if err != nil {
		return err
	}

	port, err := net.ListenTCP(network, addr)
	if err != nil {
		return err
	}

	if r.addr == nil {
		r.addr = port.Addr()
	}

	r.portsLk.Lock()
	defer r.portsLk.Unlock()

	r.ports = append(r.ports, port)

	go r.listenLoop(port, filters)
	return nil
}

// ProtoListener returns a net.Listener that receives connections whose
// negotiated ALPN protocol matches one of proto, letting a single Listener
// demux several application protocols off one TLS port.
func (r *Listener) ProtoListener(proto ...string) (net.Listener, error) {
	r.protoLk.Lock()
	defer r.protoLk.Unlock()

	for _, pr := range proto {
		if _, found := r.proto[pr]; found {
			return nil, ErrDuplicateProtocol
		}
	}

	l := &protoListener{
		proto:  proto,
		queue:  make(chan *queuePoint, 8),
		parent: r,
	}

	for _, pr := range proto {
		r.proto[pr] = l
	}

	return l, nil
}

// SetThreads bounds the number of in-flight detection goroutines. Once a
// connection clears Accept, it is no longer counted against this limit.
func (r *Listener) SetThreads(count uint32) {
	r.thCntLock.Lock()
	defer r.thCntLock.Unlock()

	r.thMax = count
}

// GetRunningThreads returns the current number of in-flight detection
// goroutines.
func (r *Listener) GetRunningThreads() uint32 {
	r.thCntLock.RLock()
	defer r.thCntLock.RUnlock()

	return r.thCnt
}

// Accept blocks until a connection clears filtering and detection, or
// returns an error if the Listener was closed.
func (r *Listener) Accept() (net.Conn, error) {
	p, ok := <-r.queue
	if !ok {
		return nil, io.EOF
	}

	return p.c, p.e
}

// options derives the Options a connection's MultiStream should run with,
// from the Listener's TLSMode/RequireProxy configuration.
func (r *Listener) options() Options {
	return ServerOptions(r.TLSMode, r.RequireProxy)
}

// processFilters runs the filter chain, then drives a MultiStream to
// completion for the resulting connection.
func (r *Listener) processFilters(c net.Conn, filters []Filter) {
	defer func() {
		r.thCntLock.Lock()
		r.thCnt -= 1
		r.thCntLock.Unlock()
	}()

	cw := &Conn{
		conn: c,
		l:    c.LocalAddr(),
		r:    c.RemoteAddr(),
	}

	var negotiatedProtocol string

	if filters == nil {
		filters = r.Filters
	}

	for _, f := range filters {
		cw.SetReadDeadline(time.Now().Add(r.Timeout))
		err := f(cw, r)
		if err != nil {
			if err == io.EOF {
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ov, ok := err.(*Override); ok {
				if ov.Conn != nil {
					cw = &Conn{
						conn: ov.Conn,
						l:    ov.Conn.LocalAddr(),
						r:    ov.Conn.RemoteAddr(),
					}
				}
				if ov.Protocol != "" {
					negotiatedProtocol = ov.Protocol
				}
				continue
			}

			if r.Logger != nil {
				r.Logger.Printf("filter error on new connection: %s", err)
			}
			cw.Close()
			return
		}
	}
	cw.SetReadDeadline(time.Time{})

	var transport Transport
	if cw.isUsed() {
		transport = NewNetTransport(cw)
	} else {
		transport = NewNetTransport(cw.conn)
	}

	ms := New(transport, r.options(), r.TLSConfig)
	if r.CertSelector != nil {
		ms.SetCertificateSelector(r.CertSelector)
	}

	if err := ms.Handshake(Server); err != nil {
		if r.Logger != nil {
			r.Logger.Printf("multistream handshake failed: %s", err)
		}
		transport.Close()
		return
	}

	if negotiatedProtocol == "" {
		negotiatedProtocol = ms.NegotiatedProtocol()
	}

	final := newMultiStreamConn(ms, cw.l, cw.r)

	if negotiatedProtocol != "" {
		r.protoLk.RLock()
		v, ok := r.proto[negotiatedProtocol]
		r.protoLk.RUnlock()

		if ok {
			v.queue <- &queuePoint{c: final, e: nil}
			return
		}
	}
	r.queue <- queuePoint{c: final}
}

// Close closes every port this Listener is listening on.
func (r *Listener) Close() error {
	r.portsLk.Lock()
	defer r.portsLk.Unlock()

	for n, port := range r.ports {
		if err := port.Close(); err != nil {
			r.ports = r.ports[n:]
			return err
		}
	}
	r.ports = nil
	return nil
}

// Addr returns the address of the first port this Listener is listening
// on, or nil for a null listener.
func (r *Listener) Addr() net.Addr {
	return r.addr
}

func (r *Listener) listenLoop(port *net.TCPListener, filterOverride []Filter) {
	var tempDelay time.Duration
	for {
		c, err := port.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}

			r.queue <- queuePoint{e: err}
			close(r.queue)
			return
		}

		enableKeepalive(c, 3*time.Minute)

		r.HandleConn(c, filterOverride)
	}
}

// PushConn queues c as if it had just been accepted, skipping filters and
// detection entirely.
func (r *Listener) PushConn(c net.Conn) {
	r.queue <- queuePoint{c: c}
}

// HandleConn runs the filter chain and MultiStream detection against an
// already-accepted connection in its own goroutine, subject to SetThreads'
// concurrency bound.
func (r *Listener) HandleConn(c net.Conn, filterOverride []Filter) {
	r.thCntLock.Lock()
	if r.thCnt >= r.thMax {
		r.thCntLock.Unlock()
		c.Close()
		return
	}
	r.thCnt += 1
	r.thCntLock.Unlock()

	go r.processFilters(c, filterOverride)
}

func (r *Listener) String() string {
	if r.addr == nil {
		return "<null listener>"
	}
	return r.addr.String()
}
