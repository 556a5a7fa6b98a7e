package multistream

// Role identifies which side of the handshake a MultiStream is playing.
// Fixed for the lifetime of a single handshake attempt.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Options controls the policy decisions made by decide. All fields default
// to false, which is the fully-permissive server configuration (plain
// always accepted, no TLS attempted, no PROXY requirement).
type Options struct {
	// EnableServerTLS allows (but does not require) a TLS handshake on the
	// server side when the peer is auto-detected as TLS.
	EnableServerTLS bool
	// RequireServerTLS forces a TLS handshake on the server side; a plain
	// connection is rejected.
	RequireServerTLS bool
	// RequireServerProxy requires a PROXY preamble ahead of anything else.
	// The core classifier only detects the PROXY literal; per policy, a
	// proxy classification always fails the handshake (see decide).
	RequireServerProxy bool
	// UseClientTLS makes a client-role handshake negotiate TLS immediately,
	// without any peeking.
	UseClientTLS bool
}

// TLSMode is a convenience tri-state that maps down to Options for the
// common case of a server that either never, sometimes, or always speaks
// TLS on a given listener.
type TLSMode int

const (
	// Auto enables TLS if the peer's first bytes look like TLS, otherwise
	// falls back to plain.
	Auto TLSMode = iota
	// Always requires a TLS handshake; non-TLS peers are rejected.
	Always
	// Never disables TLS entirely: no TLS handshake is attempted. Unless a
	// PROXY preamble is also required, the peer's bytes are not examined,
	// so a TLS ClientHello reaches the application as plain data.
	Never
)

// ServerOptions builds the Options a Listener should use for a server-role
// MultiStream given a TLSMode and whether a PROXY preamble is mandatory.
func ServerOptions(mode TLSMode, requireProxy bool) Options {
	opts := Options{RequireServerProxy: requireProxy}
	switch mode {
	case Always:
		opts.RequireServerTLS = true
	case Never:
		// leave both TLS flags false: with requireProxy also false this
		// short-circuits to plain with no peek at all, per decide's
		// pre-peek table — a TLS ClientHello is passed through unexamined.
	default: // Auto
		opts.EnableServerTLS = true
	}
	return opts
}
