// Package multistream provides a protocol-multiplexing stream adapter: a
// single accepted connection is classified as plaintext, TLS, or a PROXY
// preamble, and after that detection the adapter exposes one uniform
// read/write/shutdown surface regardless of which transport backs it.
//
// It enables a single listening port to transparently handle heterogeneous
// clients:
//   - Automatic TLS detection: distinguishes TLS ClientHellos from plaintext
//   - PROXY protocol support: detects (and, via Listener, parses) PROXY v1/v2
//     preambles for the real client address
//   - ALPN routing: routes TLS connections by negotiated protocol
//   - Extensible filters: custom pre-detection hooks via the Filter type
//
// # Basic Usage
//
// Use Listen to create a listener that automatically detects TLS:
//
//	socket, err := multistream.Listen("tcp", ":8080", tlsConfig)
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Fatal(http.Serve(socket, handler))
//
// Or drive a single accepted connection directly:
//
//	ms := multistream.New(multistream.NewNetTransport(conn), opts, tlsConfig)
//	if err := ms.Handshake(multistream.Server); err != nil {
//		conn.Close()
//		return
//	}
//	defer ms.Shutdown()
//	io.Copy(ms, ms)
//
// # Protocol Requirements
//
// Detection needs the peer to speak first: this works well for HTTP,
// TLS/SSL, and similar client-initiated protocols. Protocols where the
// server speaks first (POP3, IMAP, SMTP) need RequireServerTLS to skip
// detection entirely.
//
// # PROXY Protocol
//
// When behind a load balancer, the PROXY protocol preserves the real
// client IP. Only connections from allowed proxy IPs (see
// SetAllowedProxies) have their PROXY headers parsed; everyone else's
// literal "PROXY" preamble reaches MultiStream unparsed. Where MultiStream
// runs detection (TLSMode Auto, or RequireProxy set) the preamble is
// classified as proxy and rejected by policy; with TLSMode Always alone it
// goes straight into the TLS handshake, which fails, and with TLSMode Never
// alone it is delivered to the application as plain data.
//
// # Custom Filters
//
// Implement the Filter type to add a pre-detection hook:
//
//	func MyFilter(conn *multistream.Conn, l *multistream.Listener) error {
//		buf, err := conn.PeekUntil(4)
//		if err != nil {
//			return err
//		}
//		// Inspect buf and decide what to do.
//		return nil
//	}
//	listener.Filters = []multistream.Filter{multistream.DetectProxy, MyFilter}
package multistream
