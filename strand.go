package multistream

// strand is the Go stand-in for boost::asio::io_service::strand: a
// single-writer queue plus worker goroutine. It guarantees that
// continuations posted from possibly-different goroutines (the background
// goroutines HandshakeAsync and HandshakeBufferedAsync start) run one at a time, in
// the order they were posted, even though MultiStream itself is not meant
// to be driven concurrently by its caller.
type strand struct {
	work chan func()
	done chan struct{}
}

func newStrand() *strand {
	s := &strand{
		work: make(chan func(), 16),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *strand) run() {
	for {
		select {
		case fn, ok := <-s.work:
			if !ok {
				return
			}
			fn()
		case <-s.done:
			return
		}
	}
}

// post enqueues fn to run on the strand's single worker goroutine.
// Continuations posted "immediately" (e.g. a synchronous plain-path
// handshake completing with no I/O) must still go through post, not be
// invoked inline, so a caller's completion callback never re-enters
// MultiStream from within the call that triggered it.
func (s *strand) post(fn func()) {
	s.work <- fn
}

// close stops the strand's worker. Pending posted work that has not yet
// run is dropped; callers must not post after close.
func (s *strand) close() {
	close(s.done)
}
